package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couriermq/courier/internal/fault"
)

const messageColumns = `id, message_id, client_id, sender_hash, encrypted_body,
	encryption_key_version, status, domain, attempt_count, last_error,
	created_at, queued_at, delivered_at, last_attempt_at`

// maxLastError bounds the stored error text so a chatty provider cannot
// bloat rows.
const maxLastError = 512

// RegisterMessage stores a new queued message. Registration is idempotent
// on message_id: a second call with the same id returns the existing row
// unchanged and created=false.
func (s *Store) RegisterMessage(ctx context.Context, m *Message) (*Message, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, client_id, sender_hash, encrypted_body,
			encryption_key_version, status, domain, queued_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6, $7)
		ON CONFLICT (message_id) DO NOTHING`,
		m.MessageID, m.ClientID, m.SenderHash, m.Body, m.KeyVersion, m.Domain, m.QueuedAt)
	if err != nil {
		return nil, false, classify(err, "register message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, classify(err, "register message")
	}

	stored, err := s.MessageByID(ctx, m.MessageID)
	if err != nil {
		return nil, false, err
	}
	return stored, n == 1, nil
}

// MessageByID fetches one message by its public id.
func (s *Store) MessageByID(ctx context.Context, messageID string) (*Message, error) {
	var m Message
	err := s.db.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID)
	if err != nil {
		return nil, notFound(err, "message not found")
	}
	return &m, nil
}

// MarkDelivered applies the queued-to-delivered transition. The update is
// conditional on status, so concurrent workers racing on a redelivered
// entry apply it exactly once: the loser sees the row already delivered
// and succeeds as a no-op. A row in the failed state cannot be delivered.
func (s *Store) MarkDelivered(ctx context.Context, messageID string, at time.Time) (*Message, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'delivered', delivered_at = $2, last_attempt_at = $2
		WHERE message_id = $1 AND status = 'queued'`,
		messageID, at)
	if err != nil {
		return nil, classify(err, "mark delivered")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err, "mark delivered")
	}
	if n == 1 {
		return s.MessageByID(ctx, messageID)
	}

	// Zero rows: absent, already delivered, or terminally failed.
	m, err := s.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusDelivered {
		return m, nil
	}
	return nil, fault.Newf(fault.Conflict, "message is %s and cannot be delivered", m.Status)
}

// UpdateMessageStatus records a retry or a terminal failure. The guard
// requires the row to still be queued and the reported attempt count to be
// at least the stored one, so a stale retry report cannot rewind progress.
// A stale report against a still-queued row is a no-op success.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID string, status MessageStatus, attemptCount int, lastError string) (*Message, error) {
	if status != StatusQueued && status != StatusFailed {
		return nil, fault.Invalid("status", fmt.Sprintf("cannot transition to %q here", status))
	}
	var errPtr *string
	if lastError != "" {
		e := truncate(lastError, maxLastError)
		errPtr = &e
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $2, attempt_count = $3, last_error = $4, last_attempt_at = now()
		WHERE message_id = $1 AND status = 'queued' AND attempt_count <= $3`,
		messageID, status, attemptCount, errPtr)
	if err != nil {
		return nil, classify(err, "update message status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err, "update message status")
	}

	m, err := s.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if n == 1 || m.Status == StatusQueued {
		return m, nil
	}
	return nil, fault.Newf(fault.Conflict, "message is already %s", m.Status)
}

// MessagesForPrincipal lists messages visible to the principal, newest
// first. Admins see every row; users see rows matching their client
// binding; an unbound non-admin sees nothing. Returns the page and the
// total matching count.
func (s *Store) MessagesForPrincipal(ctx context.Context, p Principal, f MessageFilter) ([]Message, int64, error) {
	where, args := principalScope(p, f)
	if where == "" {
		return []Message{}, 0, nil
	}

	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM messages WHERE `+where, args...); err != nil {
		return nil, 0, classify(err, "count messages")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		messageColumns, where, len(args)-1, len(args))

	msgs := []Message{}
	if err := s.db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, 0, classify(err, "list messages")
	}
	return msgs, total, nil
}

// MessageForPrincipal fetches one message if the principal may see it.
// A row outside the principal's scope reads as not found, never as 403,
// so existence is not leaked across clients.
func (s *Store) MessageForPrincipal(ctx context.Context, p Principal, messageID string) (*Message, error) {
	m, err := s.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && (p.ClientID == "" || m.ClientID != p.ClientID) {
		return nil, fault.New(fault.NotFound, "message not found")
	}
	return m, nil
}

// principalScope builds the WHERE clause for a principal-scoped listing.
// An empty clause means the principal sees nothing.
func principalScope(p Principal, f MessageFilter) (string, []any) {
	var conds []string
	var args []any

	if !p.IsAdmin() {
		if p.ClientID == "" {
			return "", nil
		}
		args = append(args, p.ClientID)
		conds = append(conds, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) == 0 {
		conds = append(conds, "TRUE")
	}
	return strings.Join(conds, " AND "), args
}

// QueuedStuck returns queued rows with no delivery attempt whose queued_at
// is older than the cutoff. The reconciliation sweep diffs these against
// the live queue and re-enqueues the ones that fell into the
// register-then-crash gap.
func (s *Store) QueuedStuck(ctx context.Context, cutoff time.Time) ([]Message, error) {
	msgs := []Message{}
	err := s.db.SelectContext(ctx, &msgs,
		`SELECT `+messageColumns+` FROM messages
		WHERE status = 'queued' AND attempt_count = 0 AND queued_at < $1
		ORDER BY queued_at ASC`, cutoff)
	if err != nil {
		return nil, classify(err, "list stuck messages")
	}
	return msgs, nil
}

// PurgeFinal deletes delivered and failed rows older than the cutoff.
// Queued rows are never purged regardless of age.
func (s *Store) PurgeFinal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE status IN ('delivered', 'failed') AND created_at < $1`, olderThan)
	if err != nil {
		return 0, classify(err, "purge messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err, "purge messages")
	}
	return n, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
