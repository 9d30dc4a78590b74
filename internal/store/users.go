package store

import (
	"context"
	"strings"
	"time"

	"github.com/couriermq/courier/internal/fault"
)

const userColumns = `id, email, password_hash, role, client_id, is_active,
	last_login, created_at, updated_at`

// CreateUser inserts a portal user. Emails are stored lowercased so login
// is case-insensitive; a duplicate email is a Conflict.
func (s *Store) CreateUser(ctx context.Context, u *User) (*User, error) {
	err := s.db.GetContext(ctx, u, `
		INSERT INTO users (email, password_hash, role, client_id, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userColumns,
		normalizeEmail(u.Email), u.PasswordHash, u.Role, u.ClientID, u.IsActive)
	if err != nil {
		return nil, classify(err, "create user")
	}
	return u, nil
}

// UserByEmail fetches a user by email, case-insensitively.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email))
	if err != nil {
		return nil, notFound(err, "user not found")
	}
	return &u, nil
}

// UserUpdate carries the mutable user fields; nil means leave unchanged.
type UserUpdate struct {
	Role     *UserRole
	IsActive *bool
	ClientID *string // pointer to empty string clears the binding
}

// UpdateUser applies a partial update and returns the updated row.
func (s *Store) UpdateUser(ctx context.Context, email string, upd UserUpdate) (*User, error) {
	u, err := s.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	if upd.ClientID != nil {
		if *upd.ClientID == "" {
			u.ClientID = nil
		} else {
			u.ClientID = upd.ClientID
		}
	}

	err = s.db.GetContext(ctx, u, `
		UPDATE users SET role = $2, is_active = $3, client_id = $4, updated_at = now()
		WHERE email = $1
		RETURNING `+userColumns,
		u.Email, u.Role, u.IsActive, u.ClientID)
	if err != nil {
		return nil, classify(err, "update user")
	}
	return u, nil
}

// UpdatePassword replaces the stored hash. Used by the reset flow.
func (s *Store) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, passwordHash)
	if err != nil {
		return classify(err, "update password")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "update password")
	}
	if n == 0 {
		return fault.New(fault.NotFound, "user not found")
	}
	return nil
}

// SetLastLogin stamps a successful login. Failures are logged by the
// caller but never fail the login itself.
func (s *Store) SetLastLogin(ctx context.Context, email string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login = $2, updated_at = now() WHERE email = $1`,
		normalizeEmail(email), at)
	return classify(err, "set last login")
}

// ListUsers returns all users, newest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	users := []User{}
	err := s.db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, classify(err, "list users")
	}
	return users, nil
}

// CountUsers reports the total number of users. The bootstrap admin is
// seeded only when this is zero.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM users`); err != nil {
		return 0, classify(err, "count users")
	}
	return n, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
