// Package queue implements the durable delivery queue on a Redis list.
// Ingress pushes with LPUSH, workers block on BRPOP, so consumption is
// FIFO. Entries survive process restarts; with appendonly everysec on the
// Redis side a crash loses at most the final second of pushes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couriermq/courier/internal/metrics"
)

// Entry is one queued message. The body is ciphertext; the sender appears
// only as its salted hash. JSON-encoded on the wire ([]byte fields are
// base64 per encoding/json).
type Entry struct {
	MessageID    string    `json:"message_id"`
	ClientID     string    `json:"client_id"`
	SenderHash   string    `json:"sender_hash"`
	Body         []byte    `json:"body"`
	Domain       string    `json:"domain,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	QueuedAt     time.Time `json:"queued_at"`
}

// Queue wraps a Redis list holding pending deliveries.
type Queue struct {
	rdb *redis.Client
	key string
}

// New wraps an existing Redis client. Used by tests and by services that
// share one client between the queue and the rate limiter.
func New(rdb *redis.Client, key string) *Queue {
	return &Queue{rdb: rdb, key: key}
}

// Open connects to Redis by URL (redis://host:port/db) and verifies the
// connection with a ping.
func Open(ctx context.Context, url, key string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Queue{rdb: rdb, key: key}, nil
}

// Client exposes the underlying Redis client so sibling components (rate
// limiter, replay guard) can reuse the connection pool.
func (q *Queue) Client() *redis.Client {
	return q.rdb
}

// Close releases the Redis connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Ping verifies the Redis connection. Used by health endpoints.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue appends an entry and returns its position from the consuming
// end (1 = next to be delivered when the queue was empty).
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal queue entry: %w", err)
	}
	n, err := q.rdb.LPush(ctx, q.key, data).Result()
	if err != nil {
		return 0, fmt.Errorf("lpush %s: %w", q.key, err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// Requeue puts an entry back for a later attempt. It lands at the back of
// the queue so one failing destination cannot starve other messages.
// Callers bump AttemptCount before requeueing.
func (q *Queue) Requeue(ctx context.Context, e Entry) error {
	_, err := q.Enqueue(ctx, e)
	return err
}

// BlockingPop blocks up to timeout for the next entry. Returns (nil, nil)
// when the timeout elapses with nothing to deliver, so worker loops can
// re-check their context between polls.
func (q *Queue) BlockingPop(ctx context.Context, timeout time.Duration) (*Entry, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop %s: %w", q.key, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("brpop %s: unexpected reply length %d", q.key, len(res))
	}

	var e Entry
	if err := json.Unmarshal([]byte(res[1]), &e); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &e, nil
}

// PendingIDs snapshots the message ids currently waiting in the queue.
// The reconciliation sweep diffs stored queued rows against this set to
// find registrations whose enqueue never happened. Entries that fail to
// decode are skipped; a missing id only ever causes a re-enqueue, which
// the authority's conditional updates tolerate.
func (q *Queue) PendingIDs(ctx context.Context) (map[string]struct{}, error) {
	vals, err := q.rdb.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", q.key, err)
	}
	ids := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		ids[e.MessageID] = struct{}{}
	}
	return ids, nil
}

// Size returns the number of waiting entries and refreshes the depth gauge.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}
