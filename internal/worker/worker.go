// Package worker implements the delivery pool: a fixed set of goroutines
// popping the durable queue and confirming deliveries at the authority.
// Delivery is at-least-once; the authority's conditional updates absorb
// the duplicates that redelivery can produce.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/queue"
)

// Popper is the queue side of the pool.
type Popper interface {
	BlockingPop(ctx context.Context, timeout time.Duration) (*queue.Entry, error)
	Requeue(ctx context.Context, e queue.Entry) error
}

// Authority confirms deliveries and records retries.
type Authority interface {
	Deliver(ctx context.Context, messageID, workerID string) (*authclient.DeliverResponse, error)
	UpdateStatus(ctx context.Context, messageID, status string, attemptCount int, errMsg string) error
}

// Options sizes the pool.
type Options struct {
	Count         int
	MaxAttempts   int
	RetryInterval time.Duration
	PopTimeout    time.Duration
	Clock         clock.Clock
	Log           *logging.Logger
}

// Pool runs the delivery workers.
type Pool struct {
	queue     Popper
	authority Authority
	opts      Options
	clock     clock.Clock
	log       *logging.Logger
}

// New creates a Pool.
func New(q Popper, a Authority, opts Options) *Pool {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 5 * time.Second
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}
	return &Pool{queue: q, authority: a, opts: opts, clock: clk, log: log}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has finished its current attempt.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.opts.Count; i++ {
		id := fmt.Sprintf("worker-%d-%d", os.Getpid(), i)
		g.Go(func() error {
			p.runWorker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id string) {
	log := p.log.With("worker", id)
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := p.queue.BlockingPop(ctx, p.opts.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("queue pop failed", "error", err)
			p.clock.Sleep(ctx, time.Second)
			continue
		}
		if entry == nil {
			continue
		}
		p.process(ctx, log, id, entry)
	}
}

// process runs one delivery attempt for a popped entry.
func (p *Pool) process(ctx context.Context, log *logging.Logger, workerID string, e *queue.Entry) {
	metrics.WorkersBusy.Inc()
	defer metrics.WorkersBusy.Dec()

	log = log.With("message_id", e.MessageID, "client_id", e.ClientID,
		"attempt", e.AttemptCount+1)

	if p.opts.MaxAttempts > 0 && e.AttemptCount >= p.opts.MaxAttempts {
		log.Warn("max attempts exceeded, marking failed")
		reason := fmt.Sprintf("exceeded maximum attempts (%d)", p.opts.MaxAttempts)
		if err := p.authority.UpdateStatus(ctx, e.MessageID, "failed", e.AttemptCount, reason); err != nil {
			log.Error("mark failed", "error", err)
		}
		metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return
	}

	start := p.clock.Now()
	resp, err := p.authority.Deliver(ctx, e.MessageID, workerID)
	metrics.DeliveryDuration.Observe(p.clock.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
		log.Info("message delivered",
			"delivered_at", resp.DeliveredAt,
			"queue_wait_s", p.clock.Since(e.QueuedAt).Seconds())

	case fault.Is(err, fault.NotFound):
		// A queue entry with no stored row: registration never completed.
		// There is nothing to deliver against, so drop it.
		metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeMissing).Inc()
		log.Error("message unknown at authority, dropping", "error", err)

	case fault.Is(err, fault.Conflict):
		// Already terminal on the authority side. Drop without touching it.
		metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Warn("message already finalized, dropping", "error", err)

	case fault.Retriable(err):
		p.retry(ctx, log, e, err)

	default:
		metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		log.Error("permanent delivery failure", "error", err)
		if uerr := p.authority.UpdateStatus(ctx, e.MessageID, "failed", e.AttemptCount+1, err.Error()); uerr != nil {
			log.Error("mark failed", "error", uerr)
		}
	}
}

// retry records the attempt, sleeps the retry interval, and puts the entry
// back. A cancellation during the sleep requeues immediately on a fresh
// context: the entry was already popped, so dropping it here would orphan
// the stored row.
func (p *Pool) retry(ctx context.Context, log *logging.Logger, e *queue.Entry, cause error) {
	metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeRequeued).Inc()
	e.AttemptCount++
	log.Warn("delivery failed, scheduling retry",
		"error", cause, "retry_interval", p.opts.RetryInterval)

	// Best effort: when the authority itself is down the stored counter
	// trails reality, which the conditional update tolerates.
	if err := p.authority.UpdateStatus(ctx, e.MessageID, "queued", e.AttemptCount, cause.Error()); err != nil {
		log.Error("record retry", "error", err)
	}

	if !p.clock.Sleep(ctx, p.opts.RetryInterval) {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.queue.Requeue(rctx, *e); err != nil {
			log.Error("requeue on shutdown failed", "error", err)
		}
		return
	}
	if err := p.queue.Requeue(ctx, *e); err != nil {
		log.Error("requeue failed", "error", err)
	}
}
