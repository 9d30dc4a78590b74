package security

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testSigner(t *testing.T, accessTTL time.Duration) *TokenSigner {
	t.Helper()
	s, err := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), accessTTL, 168*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return s
}

func TestNewTokenSignerSecretLength(t *testing.T) {
	if _, err := NewTokenSigner([]byte("short"), time.Minute, time.Hour); err == nil {
		t.Error("secret under 32 bytes should be rejected")
	}
}

func TestMintAndVerifyAccess(t *testing.T) {
	s := testSigner(t, 30*time.Minute)

	token, expires, err := s.MintAccess("ops@example.com", "admin", "client-7")
	if err != nil {
		t.Fatalf("MintAccess: %v", err)
	}
	if until := time.Until(expires); until < 29*time.Minute || until > 31*time.Minute {
		t.Errorf("expiry %v from now, want about 30m", until)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "ops@example.com" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q", claims.Role)
	}
	if claims.ClientID != "client-7" {
		t.Errorf("client_id = %q", claims.ClientID)
	}
	if claims.TokenType != TokenAccess {
		t.Errorf("type = %q, want %q", claims.TokenType, TokenAccess)
	}
}

func TestRefreshTokenCarriesSubjectOnly(t *testing.T) {
	s := testSigner(t, 30*time.Minute)

	token, _, err := s.MintRefresh("ops@example.com")
	if err != nil {
		t.Fatalf("MintRefresh: %v", err)
	}
	claims, err := s.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TokenType != TokenRefresh {
		t.Errorf("type = %q, want %q", claims.TokenType, TokenRefresh)
	}
	if claims.Role != "" || claims.ClientID != "" {
		t.Errorf("refresh token leaked role=%q client_id=%q", claims.Role, claims.ClientID)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := testSigner(t, -time.Second)

	token, _, err := s.MintAccess("ops@example.com", "user", "")
	if err != nil {
		t.Fatalf("MintAccess: %v", err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify(expired) = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	s := testSigner(t, 30*time.Minute)
	other, err := NewTokenSigner([]byte("ffffffffffffffffffffffffffffffff"), 30*time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	token, _, err := other.MintAccess("ops@example.com", "user", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(foreign) = %v, want ErrTokenInvalid", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s := testSigner(t, 30*time.Minute)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := s.Verify(token); !errors.Is(err, ErrTokenInvalid) {
			t.Errorf("Verify(%q) = %v, want ErrTokenInvalid", token, err)
		}
	}
}

func TestGenerateResetToken(t *testing.T) {
	plaintext, hash, err := GenerateResetToken()
	if err != nil {
		t.Fatalf("GenerateResetToken: %v", err)
	}
	if !strings.HasPrefix(plaintext, ResetTokenPrefix) {
		t.Errorf("plaintext %q missing %q prefix", plaintext, ResetTokenPrefix)
	}
	if HashToken(plaintext) != hash {
		t.Error("returned hash does not match HashToken(plaintext)")
	}

	again, _, err := GenerateResetToken()
	if err != nil {
		t.Fatal(err)
	}
	if again == plaintext {
		t.Error("two generated tokens are identical")
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer abc.def.ghi", "abc.def.ghi"},
		{"padded", "Bearer   abc  ", "abc"},
		{"missing prefix", "abc.def.ghi", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractBearerToken(tc.header); got != tc.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}
