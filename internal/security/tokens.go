package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim. Refresh tokens are only accepted
// by the refresh endpoint, never by protected routes.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// ResetTokenPrefix marks password-reset tokens so they are recognizable in
// support tickets without being guessable.
const ResetTokenPrefix = "crt_"

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token is expired")
)

// Claims is the portal token payload: subject (email), role, optional
// client binding, and the access/refresh discriminator.
type Claims struct {
	Role      string `json:"role,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

// TokenSigner mints and verifies HMAC-SHA-256 portal tokens.
type TokenSigner struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenSigner builds a signer. The secret must be at least 32 bytes.
func NewTokenSigner(secret []byte, accessTTL, refreshTTL time.Duration) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &TokenSigner{secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

// NewTokenSignerFromFile loads the secret from a restricted-permission file.
func NewTokenSignerFromFile(path string, accessTTL, refreshTTL time.Duration) (*TokenSigner, error) {
	secret, err := ReadSecretFile(path, 32)
	if err != nil {
		return nil, fmt.Errorf("jwt secret: %w", err)
	}
	return NewTokenSigner(secret, accessTTL, refreshTTL)
}

// AccessTTL returns the configured access-token lifetime.
func (s *TokenSigner) AccessTTL() time.Duration { return s.accessTTL }

// MintAccess signs an access token for the subject. Returns the token and
// its expiry.
func (s *TokenSigner) MintAccess(subject, role, clientID string) (string, time.Time, error) {
	return s.mint(subject, role, clientID, TokenAccess, s.accessTTL)
}

// MintRefresh signs a refresh token. It carries only the subject; role and
// binding are re-read from the store when the token is exchanged.
func (s *TokenSigner) MintRefresh(subject string) (string, time.Time, error) {
	return s.mint(subject, "", "", TokenRefresh, s.refreshTTL)
}

func (s *TokenSigner) mint(subject, role, clientID, typ string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expires := now.Add(ttl)
	claims := &Claims{
		Role:      role,
		ClientID:  clientID,
		TokenType: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token. Expiry is exact: a token at or past
// its exp is rejected.
func (s *TokenSigner) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// GenerateResetToken creates a password-reset token. Returns the plaintext
// (mailed once, never stored or logged) and the SHA-256 hash kept in the
// store.
func GenerateResetToken() (plaintext string, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plaintext = ResetTokenPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashToken(plaintext), nil
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ExtractBearerToken extracts a bearer token from an Authorization header.
// Returns empty string if not present or malformed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}
