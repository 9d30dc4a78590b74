package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/couriermq/courier/internal/fault"
)

const clientColumns = `id, client_id, cert_fingerprint, cert_serial, domain, role, label,
	status, issued_at, expires_at, revoked_at, revocation_reason, created_at, updated_at`

// CreateClient records a freshly issued certificate binding. Reissuing for
// a revoked or expired client_id replaces the binding and reactivates it;
// callers refuse reissue over an active binding before getting here. A
// fingerprint collision across clients is a Conflict.
func (s *Store) CreateClient(ctx context.Context, c *Client) (*Client, error) {
	err := s.db.GetContext(ctx, c, `
		INSERT INTO clients (client_id, cert_fingerprint, cert_serial, domain, role,
			label, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8)
		ON CONFLICT (client_id) DO UPDATE SET
			cert_fingerprint = EXCLUDED.cert_fingerprint,
			cert_serial = EXCLUDED.cert_serial,
			domain = EXCLUDED.domain,
			role = EXCLUDED.role,
			label = EXCLUDED.label,
			status = 'active',
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = NULL,
			revocation_reason = NULL,
			updated_at = now()
		RETURNING `+clientColumns,
		c.ClientID, c.Fingerprint, c.SerialHex, c.Domain, c.Role, c.Label,
		c.IssuedAt, c.ExpiresAt)
	if err != nil {
		return nil, classify(err, "create client")
	}
	return c, nil
}

// ClientByFingerprint resolves a certificate fingerprint to its client row.
// An active client past its expiry is flipped to expired on read, so a
// stale validity window never admits traffic.
func (s *Store) ClientByFingerprint(ctx context.Context, fingerprint string) (*Client, error) {
	var c Client
	err := s.db.GetContext(ctx, &c,
		`SELECT `+clientColumns+` FROM clients WHERE cert_fingerprint = $1`,
		strings.ToLower(fingerprint))
	if err != nil {
		return nil, notFound(err, "client not found")
	}
	return s.lazyExpire(ctx, &c)
}

// ClientByID fetches one client by its logical id.
func (s *Store) ClientByID(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	err := s.db.GetContext(ctx, &c,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, notFound(err, "client not found")
	}
	return s.lazyExpire(ctx, &c)
}

func (s *Store) lazyExpire(ctx context.Context, c *Client) (*Client, error) {
	if c.Status != ClientActive || time.Now().Before(c.ExpiresAt) {
		return c, nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE clients SET status = 'expired', updated_at = now()
		WHERE client_id = $1 AND status = 'active'`, c.ClientID)
	if err != nil {
		return nil, classify(err, "expire client")
	}
	c.Status = ClientExpired
	return c, nil
}

// RevokeClient marks the client revoked and returns the updated row.
// Revoking an already revoked client is a Conflict.
func (s *Store) RevokeClient(ctx context.Context, clientID, reason string, at time.Time) (*Client, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET status = 'revoked', revoked_at = $2, revocation_reason = $3, updated_at = now()
		WHERE client_id = $1 AND status <> 'revoked'`,
		clientID, at, reason)
	if err != nil {
		return nil, classify(err, "revoke client")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err, "revoke client")
	}
	if n == 0 {
		c, err := s.ClientByID(ctx, clientID)
		if err != nil {
			return nil, err
		}
		return nil, fault.Newf(fault.Conflict, "certificate already revoked for %s", c.ClientID)
	}
	return s.ClientByID(ctx, clientID)
}

// ListClients pages through clients, optionally filtered by status, newest
// first. Returns the page and the total matching count.
func (s *Store) ListClients(ctx context.Context, status string, limit, offset int) ([]Client, int64, error) {
	where := "TRUE"
	args := []any{}
	if status != "" {
		args = append(args, status)
		where = "status = $1"
	}

	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM clients WHERE `+where, args...); err != nil {
		return nil, 0, classify(err, "count clients")
	}

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM clients WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		clientColumns, where, len(args)-1, len(args))

	clients := []Client{}
	if err := s.db.SelectContext(ctx, &clients, query, args...); err != nil {
		return nil, 0, classify(err, "list clients")
	}
	return clients, total, nil
}

// ListExpiring returns active clients whose certificates expire within the
// given window, soonest first.
func (s *Store) ListExpiring(ctx context.Context, within time.Duration) ([]Client, error) {
	clients := []Client{}
	err := s.db.SelectContext(ctx, &clients,
		`SELECT `+clientColumns+` FROM clients
		WHERE status = 'active' AND expires_at <= $1
		ORDER BY expires_at ASC`, time.Now().Add(within))
	if err != nil {
		return nil, classify(err, "list expiring clients")
	}
	return clients, nil
}

// HasActiveClient reports whether the client_id currently holds an active,
// unexpired certificate. Used to refuse reissuing over a live binding.
func (s *Store) HasActiveClient(ctx context.Context, clientID string) (bool, error) {
	c, err := s.ClientByID(ctx, clientID)
	if fault.Is(err, fault.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return c.Status == ClientActive, nil
}
