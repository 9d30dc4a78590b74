package store

import (
	"context"
	"time"
)

// AppendAudit writes one audit row. The audit log is append-only; there is
// no update or delete path.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	if ev.Severity == "" {
		ev.Severity = SeverityInfo
	}
	if ev.Outcome == "" {
		ev.Outcome = "success"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, subject, outcome, ip, detail, severity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.Action, ev.Actor, ev.Subject, ev.Outcome, ev.IP, nullableJSON(ev.Detail), ev.Severity)
	return classify(err, "append audit")
}

// ListAudit returns recent audit rows, newest first, optionally filtered
// by action.
func (s *Store) ListAudit(ctx context.Context, action string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events := []AuditEvent{}
	var err error
	if action != "" {
		err = s.db.SelectContext(ctx, &events, `
			SELECT id, action, actor, subject, outcome, ip, detail, severity, created_at
			FROM audit_log WHERE action = $1 ORDER BY created_at DESC LIMIT $2`,
			action, limit)
	} else {
		err = s.db.SelectContext(ctx, &events, `
			SELECT id, action, actor, subject, outcome, ip, detail, severity, created_at
			FROM audit_log ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, classify(err, "list audit")
	}
	return events, nil
}

// Stats aggregates the admin dashboard counters in a handful of queries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{MessagesByStatus: map[string]int64{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, classify(err, "message stats")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, classify(err, "message stats")
		}
		st.MessagesByStatus[status] = count
		st.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "message stats")
	}

	err = s.db.GetContext(ctx, st, `
		SELECT
			count(*) AS total_clients,
			count(*) FILTER (WHERE status = 'active') AS active_clients,
			count(*) FILTER (WHERE status = 'revoked') AS revoked_clients
		FROM clients`)
	if err != nil {
		return nil, classify(err, "client stats")
	}

	now := time.Now()
	err = s.db.GetContext(ctx, st, `
		SELECT
			count(*) FILTER (WHERE created_at >= $1) AS messages_last_24h,
			count(*) FILTER (WHERE created_at >= $2) AS messages_last_7d,
			count(*) FILTER (WHERE created_at >= $3) AS messages_last_30d
		FROM messages`,
		now.Add(-24*time.Hour), now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, classify(err, "activity stats")
	}
	return st, nil
}

// nullableJSON maps an empty detail payload to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
