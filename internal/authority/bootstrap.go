package authority

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
)

// BootstrapAdmin seeds the first admin account from configuration. It only
// acts when the users table is empty, so it is safe to run on every start;
// later starts with a populated table are no-ops even if the config still
// carries credentials.
func BootstrapAdmin(ctx context.Context, deps Dependencies, email, password string) error {
	if email == "" || password == "" {
		return nil
	}

	count, err := deps.Users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap admin: count users: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("bootstrap admin: invalid email %q", email)
	}
	if err := security.ValidatePassword(password); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	hash, err := deps.Hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("bootstrap admin: hash password: %w", err)
	}

	user, err := deps.Users.CreateUser(ctx, &store.User{
		Email:        email,
		PasswordHash: hash,
		Role:         store.RoleAdmin,
		IsActive:     true,
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: create user: %w", err)
	}

	if err := deps.Audit.AppendAudit(ctx, store.AuditEvent{
		Action:  "user.created",
		Actor:   "bootstrap",
		Subject: user.Email,
		Detail:  auditDetail(map[string]any{"role": store.RoleAdmin, "bootstrap": true}),
	}); err != nil {
		deps.Log.Error("audit append failed", "action", "user.created", "error", err)
	}
	deps.Log.Info("bootstrap admin created", "email", user.Email)
	return nil
}
