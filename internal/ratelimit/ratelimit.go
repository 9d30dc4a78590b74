// Package ratelimit implements the per-client submission limits backed by
// the queue's Redis: a fixed-window counter and the duplicate-submission
// guard. Both fail closed when Redis is unreachable; admitting unmetered
// traffic during an outage is worse than refusing it.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/fault"
)

const (
	counterPrefix = "courier:ratelimit:"
	replayPrefix  = "courier:replay:"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds until the window resets; set when rejected
}

// Limiter counts submissions per client in fixed windows. Exactly max
// requests pass inside one window; the next is rejected until the window
// rolls over.
type Limiter struct {
	rdb    *redis.Client
	max    int
	window time.Duration
	clock  clock.Clock
}

// NewLimiter builds a limiter over an existing Redis client.
func NewLimiter(rdb *redis.Client, max int, window time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{rdb: rdb, max: max, window: window, clock: clk}
}

// Allow records one request for clientID and reports whether it fits the
// current window. Redis errors return fault.Transient and a denying
// decision.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	windowSec := int64(l.window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	now := l.clock.Now().Unix()
	start := now - now%windowSec
	key := fmt.Sprintf("%s%s:%d", counterPrefix, clientID, start)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// Expiry slightly past the window end so a reject near the boundary
	// can still read the counter.
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fault.Wrap(fault.Transient, err, "rate limiter unavailable")
	}

	count := int(incr.Val())
	if count > l.max {
		retry := int(start + windowSec - now)
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}
	return Decision{Allowed: true, Remaining: l.max - count}, nil
}

// ReplayGuard rejects byte-identical submissions from the same client and
// sender within the configured window. A zero window disables the guard.
type ReplayGuard struct {
	rdb    *redis.Client
	window time.Duration
	clock  clock.Clock
}

// NewReplayGuard builds a guard over an existing Redis client.
func NewReplayGuard(rdb *redis.Client, window time.Duration, clk clock.Clock) *ReplayGuard {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ReplayGuard{rdb: rdb, window: window, clock: clk}
}

// Enabled reports whether the guard is active.
func (g *ReplayGuard) Enabled() bool {
	return g.window > 0
}

// Observe records the submission digest and reports whether the same
// digest was already seen inside the window. The digest covers client,
// sender, body, and the current minute, so a legitimate resend a few
// minutes later passes.
func (g *ReplayGuard) Observe(ctx context.Context, clientID, sender, body string) (duplicate bool, err error) {
	if !g.Enabled() {
		return false, nil
	}

	minute := g.clock.Now().Unix() / 60
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d", clientID, sender, body, minute))
	key := replayPrefix + hex.EncodeToString(sum[:])

	set, err := g.rdb.SetNX(ctx, key, 1, g.window).Result()
	if err != nil {
		return false, fault.Wrap(fault.Transient, err, "replay guard unavailable")
	}
	return !set, nil
}
