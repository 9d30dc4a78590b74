package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/couriermq/courier/internal/fault"
)

// CreatePasswordReset stores a reset token hash for the user. The plaintext
// token is mailed by the caller and never persisted.
func (s *Store) CreatePasswordReset(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (user_id, token_hash, expires_at)
		VALUES ($1, $2, $3)`,
		userID, tokenHash, expiresAt)
	return classify(err, "create password reset")
}

// ConsumePasswordReset marks the token used and returns its row. The
// update is conditional on the token being unused and unexpired, so each
// token resets exactly one password. An unknown, expired, or already used
// token reads identically as a Validation failure.
func (s *Store) ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (*PasswordReset, error) {
	var pr PasswordReset
	err := s.db.GetContext(ctx, &pr, `
		UPDATE password_resets SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, user_id, token_hash, expires_at, used_at, created_at`,
		tokenHash, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.New(fault.Validation, "invalid or expired reset token")
		}
		return nil, classify(err, "consume password reset")
	}
	return &pr, nil
}

// UserByID fetches a user by primary key. Used by the reset flow, which
// holds a user id from the consumed token.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err, "user not found")
	}
	return &u, nil
}
