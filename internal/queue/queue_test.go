package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "courier:messages")
}

func entry(id string) Entry {
	return Entry{
		MessageID:    id,
		ClientID:     "client-1",
		SenderHash:   "a3f1",
		Body:         []byte("ciphertext"),
		Domain:       "acme.example",
		AttemptCount: 0,
		QueuedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnqueuePop(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	e := entry("msg-1")
	pos, err := q.Enqueue(ctx, e)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}

	got, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatalf("BlockingPop: %v", err)
	}
	if got == nil {
		t.Fatal("BlockingPop returned nil entry")
	}
	if got.MessageID != "msg-1" || got.ClientID != "client-1" {
		t.Errorf("entry = %+v", got)
	}
	if string(got.Body) != "ciphertext" {
		t.Errorf("body = %q", got.Body)
	}
	if !got.QueuedAt.Equal(e.QueuedAt) {
		t.Errorf("queued_at did not round trip: %v", got.QueuedAt)
	}
}

func TestFIFOOrder(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	for _, id := range []string{"first", "second", "third"} {
		if _, err := q.Enqueue(ctx, entry(id)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	for _, want := range []string{"first", "second", "third"} {
		got, err := q.BlockingPop(ctx, time.Second)
		if err != nil {
			t.Fatalf("BlockingPop: %v", err)
		}
		if got.MessageID != want {
			t.Errorf("got %s, want %s", got.MessageID, want)
		}
	}
}

func TestPopEmptyTimesOut(t *testing.T) {
	q := testQueue(t)

	got, err := q.BlockingPop(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("BlockingPop: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil entry on timeout, got %+v", got)
	}
}

func TestRequeueGoesToBack(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, entry("stays")); err != nil {
		t.Fatal(err)
	}

	retry := entry("retry")
	retry.AttemptCount = 2
	if err := q.Requeue(ctx, retry); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	first, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if first.MessageID != "stays" {
		t.Errorf("first out = %s, want stays", first.MessageID)
	}

	second, err := q.BlockingPop(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if second.MessageID != "retry" || second.AttemptCount != 2 {
		t.Errorf("second out = %+v", second)
	}
}

func TestSize(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	n, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 0 {
		t.Errorf("empty size = %d", n)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, entry("m")); err != nil {
			t.Fatal(err)
		}
	}

	n, err = q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if n != 3 {
		t.Errorf("size = %d, want 3", n)
	}
}

func TestPendingIDs(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	ids, err := q.PendingIDs(ctx)
	if err != nil {
		t.Fatalf("PendingIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("empty queue pending = %v", ids)
	}

	for _, id := range []string{"msg-1", "msg-2"} {
		if _, err := q.Enqueue(ctx, entry(id)); err != nil {
			t.Fatal(err)
		}
	}

	ids, err = q.PendingIDs(ctx)
	if err != nil {
		t.Fatalf("PendingIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("pending = %v, want 2 ids", ids)
	}
	for _, id := range []string{"msg-1", "msg-2"} {
		if _, ok := ids[id]; !ok {
			t.Errorf("missing %s in pending snapshot", id)
		}
	}

	if _, err := q.BlockingPop(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	ids, err = q.PendingIDs(ctx)
	if err != nil {
		t.Fatalf("PendingIDs: %v", err)
	}
	if _, ok := ids["msg-1"]; ok {
		t.Error("popped entry must leave the pending snapshot")
	}
}

func TestOpenBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "not-a-url", "k"); err == nil {
		t.Error("Open should reject a malformed url")
	}
}
