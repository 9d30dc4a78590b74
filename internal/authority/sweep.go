package authority

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/store"
)

// MaintenanceOptions configure the authority's background loops.
type MaintenanceOptions struct {
	SweepInterval     time.Duration // 0 disables the reconciliation sweep
	SweepGrace        time.Duration
	RetentionDays     int
	RetentionSchedule string // cron expression; empty disables scheduled purges
}

// Maintenance owns the authority's background work: the reconciliation
// sweep that requeues registered messages missing from the queue, and the
// scheduled retention purge.
type Maintenance struct {
	deps  Dependencies
	opts  MaintenanceOptions
	purge cron.Schedule
}

// NewMaintenance creates the maintenance runner. The retention schedule,
// when set, must be a standard five-field cron expression.
func NewMaintenance(deps Dependencies, opts MaintenanceOptions) (*Maintenance, error) {
	if deps.Messages == nil || deps.Audit == nil || deps.Queue == nil {
		return nil, fmt.Errorf("maintenance: messages, audit, and queue dependencies are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if opts.SweepGrace <= 0 {
		opts.SweepGrace = 2 * time.Minute
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 180
	}

	m := &Maintenance{deps: deps, opts: opts}
	if opts.RetentionSchedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(opts.RetentionSchedule)
		if err != nil {
			return nil, fmt.Errorf("maintenance: parse retention schedule: %w", err)
		}
		m.purge = sched
	}
	return m, nil
}

// Run drives both loops until ctx is cancelled.
func (m *Maintenance) Run(ctx context.Context) error {
	var sweepC, purgeC <-chan time.Time

	if m.opts.SweepInterval > 0 {
		sweepC = m.deps.Clock.After(m.opts.SweepInterval)
		m.deps.Log.Info("reconciliation sweep enabled",
			"interval", m.opts.SweepInterval, "grace", m.opts.SweepGrace)
	}
	if m.purge != nil {
		now := m.deps.Clock.Now()
		purgeC = m.deps.Clock.After(m.purge.Next(now).Sub(now))
		m.deps.Log.Info("retention purge scheduled",
			"schedule", m.opts.RetentionSchedule, "retention_days", m.opts.RetentionDays)
	}
	if sweepC == nil && purgeC == nil {
		m.deps.Log.Info("maintenance loops disabled")
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-sweepC:
			m.Sweep(ctx)
			sweepC = m.deps.Clock.After(m.opts.SweepInterval)
		case <-purgeC:
			m.runPurge(ctx)
			now := m.deps.Clock.Now()
			purgeC = m.deps.Clock.After(m.purge.Next(now).Sub(now))
		case <-ctx.Done():
			m.deps.Log.Info("maintenance stopped")
			return nil
		}
	}
}

// Sweep requeues messages that registered but never reached the queue:
// rows still queued with zero attempts, older than the grace period, and
// absent from the pending set. Grace keeps it from racing submissions
// that are between register and enqueue.
func (m *Maintenance) Sweep(ctx context.Context) {
	cutoff := m.deps.Clock.Now().UTC().Add(-m.opts.SweepGrace)

	stuck, err := m.deps.Messages.QueuedStuck(ctx, cutoff)
	if err != nil {
		m.deps.Log.Error("sweep query failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	pending, err := m.deps.Queue.PendingIDs(ctx)
	if err != nil {
		m.deps.Log.Error("sweep pending lookup failed", "error", err)
		return
	}

	requeued := 0
	for _, msg := range stuck {
		if _, ok := pending[msg.MessageID]; ok {
			continue
		}
		_, err := m.deps.Queue.Enqueue(ctx, queue.Entry{
			MessageID:    msg.MessageID,
			ClientID:     msg.ClientID,
			SenderHash:   msg.SenderHash,
			Body:         msg.Body,
			Domain:       msg.Domain,
			AttemptCount: msg.AttemptCount,
			QueuedAt:     msg.QueuedAt,
		})
		if err != nil {
			m.deps.Log.Error("sweep enqueue failed", "message_id", msg.MessageID, "error", err)
			continue
		}
		requeued++
		metrics.MessagesSwept.Inc()
		m.appendAudit(ctx, store.AuditEvent{
			Action:  "message.requeued",
			Actor:   "sweep",
			Subject: msg.MessageID,
			Detail:  auditDetail(map[string]any{"client_id": msg.ClientID, "queued_at": msg.QueuedAt}),
		})
	}
	if requeued > 0 {
		m.deps.Log.Info("sweep requeued stuck messages", "requeued", requeued, "stuck", len(stuck))
	}
}

// runPurge deletes delivered and failed rows older than the retention
// window. Queued rows are never purged.
func (m *Maintenance) runPurge(ctx context.Context) {
	cutoff := m.deps.Clock.Now().UTC().AddDate(0, 0, -m.opts.RetentionDays)

	purged, err := m.deps.Messages.PurgeFinal(ctx, cutoff)
	if err != nil {
		m.deps.Log.Error("retention purge failed", "error", err)
		return
	}
	if purged == 0 {
		return
	}

	metrics.MessagesPurged.Add(float64(purged))
	m.appendAudit(ctx, store.AuditEvent{
		Action:  "retention.purged",
		Actor:   "retention",
		Subject: "messages",
		Detail:  auditDetail(map[string]any{"purged": purged, "older_than_days": m.opts.RetentionDays}),
	})
	m.deps.Log.Info("retention purge complete", "purged", purged, "older_than_days", m.opts.RetentionDays)
}

func (m *Maintenance) appendAudit(ctx context.Context, ev store.AuditEvent) {
	if err := m.deps.Audit.AppendAudit(ctx, ev); err != nil {
		m.deps.Log.Error("audit append failed", "action", ev.Action, "error", err)
	}
}
