package store

import (
	"encoding/json"
	"time"
)

// Message statuses. Transitions are one-way: queued to delivered, or
// queued to failed.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// ValidMessageStatus reports whether s names a known message status.
func ValidMessageStatus(s string) bool {
	switch MessageStatus(s) {
	case StatusQueued, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Message is one stored message. The body is ciphertext and the sender
// appears only as its salted hash; neither plaintext ever touches a row.
type Message struct {
	ID            int64         `db:"id" json:"-"`
	MessageID     string        `db:"message_id" json:"message_id"`
	ClientID      string        `db:"client_id" json:"client_id"`
	SenderHash    string        `db:"sender_hash" json:"sender_hash"`
	Body          []byte        `db:"encrypted_body" json:"-"`
	KeyVersion    int           `db:"encryption_key_version" json:"-"`
	Status        MessageStatus `db:"status" json:"status"`
	Domain        string        `db:"domain" json:"domain,omitempty"`
	AttemptCount  int           `db:"attempt_count" json:"attempt_count"`
	LastError     *string       `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	QueuedAt      time.Time     `db:"queued_at" json:"queued_at"`
	DeliveredAt   *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	LastAttemptAt *time.Time    `db:"last_attempt_at" json:"-"`
}

// Client statuses.
type ClientStatus string

const (
	ClientActive  ClientStatus = "active"
	ClientRevoked ClientStatus = "revoked"
	ClientExpired ClientStatus = "expired"
)

// Client is an issued sender identity: the binding between a certificate
// fingerprint and a client_id, with its authorization role and validity
// window.
type Client struct {
	ID           int64        `db:"id" json:"-"`
	ClientID     string       `db:"client_id" json:"client_id"`
	Fingerprint  string       `db:"cert_fingerprint" json:"cert_fingerprint"`
	SerialHex    string       `db:"cert_serial" json:"-"`
	Domain       string       `db:"domain" json:"domain"`
	Role         string       `db:"role" json:"role"`
	Label        string       `db:"label" json:"label,omitempty"`
	Status       ClientStatus `db:"status" json:"status"`
	IssuedAt     time.Time    `db:"issued_at" json:"issued_at"`
	ExpiresAt    time.Time    `db:"expires_at" json:"expires_at"`
	RevokedAt    *time.Time   `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokeReason *string      `db:"revocation_reason" json:"revocation_reason,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"-"`
	UpdatedAt    time.Time    `db:"updated_at" json:"-"`
}

// User roles. A closed set: authorization gates dispatch on the enum.
type UserRole string

const (
	RoleAdmin UserRole = "admin"
	RoleUser  UserRole = "user"
)

// ValidUserRole reports whether r names a known portal role.
func ValidUserRole(r string) bool {
	switch UserRole(r) {
	case RoleAdmin, RoleUser:
		return true
	}
	return false
}

// User is a portal principal. Email is stored lowercased; the password
// only as a bcrypt hash.
type User struct {
	ID           int64      `db:"id" json:"-"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         UserRole   `db:"role" json:"role"`
	ClientID     *string    `db:"client_id" json:"client_id,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"-"`
}

// Principal is the authenticated identity a read query is scoped to.
// Admins see everything; users see only rows matching their client
// binding; unbound users see nothing.
type Principal struct {
	Email    string
	Role     UserRole
	ClientID string // empty when the user has no client binding
}

// IsAdmin reports whether the principal holds the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// AuditEvent is one append-only audit row. Detail is JSON and must never
// contain message bodies or raw sender identifiers.
type AuditEvent struct {
	ID        int64           `db:"id" json:"-"`
	Action    string          `db:"action" json:"action"`
	Actor     string          `db:"actor" json:"actor"`
	Subject   string          `db:"subject" json:"subject"`
	Outcome   string          `db:"outcome" json:"outcome"`
	IP        string          `db:"ip" json:"ip,omitempty"`
	Detail    json.RawMessage `db:"detail" json:"detail,omitempty"`
	Severity  string          `db:"severity" json:"severity"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Audit severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// PasswordReset is a single-use reset token. Only the SHA-256 hash of the
// token is stored.
type PasswordReset struct {
	ID        int64      `db:"id"`
	UserID    int64      `db:"user_id"`
	TokenHash string     `db:"token_hash"`
	ExpiresAt time.Time  `db:"expires_at"`
	UsedAt    *time.Time `db:"used_at"`
	CreatedAt time.Time  `db:"created_at"`
}

// MessageFilter narrows portal and admin message listings.
type MessageFilter struct {
	Status string // empty = all statuses
	Limit  int
	Offset int
}

// Stats is the admin dashboard aggregate.
type Stats struct {
	TotalMessages    int64            `db:"-" json:"total_messages"`
	MessagesByStatus map[string]int64 `db:"-" json:"messages_by_status"`
	TotalClients     int64            `db:"total_clients" json:"total_clients"`
	ActiveClients    int64            `db:"active_clients" json:"active_clients"`
	RevokedClients   int64            `db:"revoked_clients" json:"revoked_clients"`
	MessagesLast24h  int64            `db:"messages_last_24h" json:"messages_last_24h"`
	MessagesLast7d   int64            `db:"messages_last_7d" json:"messages_last_7d"`
	MessagesLast30d  int64            `db:"messages_last_30d" json:"messages_last_30d"`
}
