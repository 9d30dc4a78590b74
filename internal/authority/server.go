package authority

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
)

// Dependencies defines what the authority server needs from the rest of
// the system.
type Dependencies struct {
	Messages MessageStore
	Clients  ClientStore
	Users    UserStore
	Audit    AuditLog
	Queue    DeliveryQueue
	CA       CertAuthority
	DB       Pinger
	Cipher   *security.BodyCipher
	Hasher   *security.PasswordHasher
	Tokens   *security.TokenSigner
	Mailer   ResetMailer
	Clock    clock.Clock
	Log      *logging.Logger
}

// MessageStore covers the message lifecycle rows.
type MessageStore interface {
	RegisterMessage(ctx context.Context, m *store.Message) (*store.Message, bool, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (*store.Message, error)
	UpdateMessageStatus(ctx context.Context, messageID string, status store.MessageStatus, attemptCount int, lastError string) (*store.Message, error)
	MessagesForPrincipal(ctx context.Context, p store.Principal, f store.MessageFilter) ([]store.Message, int64, error)
	MessageForPrincipal(ctx context.Context, p store.Principal, messageID string) (*store.Message, error)
	QueuedStuck(ctx context.Context, cutoff time.Time) ([]store.Message, error)
	PurgeFinal(ctx context.Context, olderThan time.Time) (int64, error)
}

// ClientStore covers issued certificate identities.
type ClientStore interface {
	CreateClient(ctx context.Context, c *store.Client) (*store.Client, error)
	ClientByFingerprint(ctx context.Context, fingerprint string) (*store.Client, error)
	RevokeClient(ctx context.Context, clientID, reason string, at time.Time) (*store.Client, error)
	ListClients(ctx context.Context, status string, limit, offset int) ([]store.Client, int64, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]store.Client, error)
	HasActiveClient(ctx context.Context, clientID string) (bool, error)
}

// UserStore covers portal accounts and password resets.
type UserStore interface {
	CreateUser(ctx context.Context, u *store.User) (*store.User, error)
	UserByEmail(ctx context.Context, email string) (*store.User, error)
	UserByID(ctx context.Context, id int64) (*store.User, error)
	UpdateUser(ctx context.Context, email string, upd store.UserUpdate) (*store.User, error)
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
	SetLastLogin(ctx context.Context, email string, at time.Time) error
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int64, error)
	CreatePasswordReset(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) error
	ConsumePasswordReset(ctx context.Context, tokenHash string, now time.Time) (*store.PasswordReset, error)
}

// AuditLog appends audit rows and serves the admin aggregates.
type AuditLog interface {
	AppendAudit(ctx context.Context, ev store.AuditEvent) error
	ListAudit(ctx context.Context, action string, limit int) ([]store.AuditEvent, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

// DeliveryQueue is what the reconciliation sweep and health checks need
// from the queue.
type DeliveryQueue interface {
	Enqueue(ctx context.Context, e queue.Entry) (int64, error)
	PendingIDs(ctx context.Context) (map[string]struct{}, error)
	Size(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// CertAuthority issues and revokes client certificates.
type CertAuthority interface {
	IssueClient(clientID, domain, role string, validityDays int) (*ca.Issued, error)
	Revoke(serialHex, reason string) error
	CACertPEM() []byte
}

// Pinger checks a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResetMailer delivers password-reset tokens.
type ResetMailer interface {
	Enabled() bool
	SendPasswordReset(ctx context.Context, to, token string, expiresAt time.Time) error
}

// Options configures the authority server. TLSConfig comes from the CA
// (ServerTLSConfig with VerifyClientCertIfGiven) so revocations are
// enforced at the handshake.
type Options struct {
	TLSConfig          *tls.Config
	SenderSalt         string
	ClientValidityDays int
	RetentionDays      int
}

// Server is the authority API: the internal mTLS realm for ingress and
// workers, the admin realm for operators, and the bearer-token portal.
type Server struct {
	deps     Dependencies
	opts     Options
	mux      *http.ServeMux
	server   *http.Server
	throttle *loginThrottle
	started  time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies, opts Options) (*Server, error) {
	switch {
	case deps.Messages == nil, deps.Clients == nil, deps.Users == nil, deps.Audit == nil:
		return nil, errors.New("authority: store dependencies are required")
	case deps.Cipher == nil, deps.Tokens == nil, deps.Hasher == nil:
		return nil, errors.New("authority: crypto dependencies are required")
	case opts.SenderSalt == "":
		return nil, errors.New("authority: sender salt is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if opts.ClientValidityDays <= 0 {
		opts.ClientValidityDays = 365
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 180
	}

	s := &Server{
		deps:     deps,
		opts:     opts,
		mux:      http.NewServeMux(),
		throttle: newLoginThrottle(deps.Clock),
		started:  deps.Clock.Now(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	// Realm helpers. mtls gates on the peer certificate's stored role;
	// bearer gates on a verified access token.
	mtls := func(h http.HandlerFunc, roles ...string) http.Handler {
		return s.requirePeer(roles, h)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return s.requirePeer([]string{ca.RoleAdmin}, h)
	}
	bearer := func(h http.HandlerFunc) http.Handler {
		return s.requireUser(h)
	}

	// Internal realm.
	s.mux.Handle("POST /internal/messages/register", mtls(s.handleRegister, ca.RoleIngress, ca.RoleAdmin))
	s.mux.Handle("POST /internal/messages/deliver", mtls(s.handleDeliver, ca.RoleWorker, ca.RoleAdmin))
	s.mux.Handle("PUT /internal/messages/{id}/status", mtls(s.handleUpdateStatus, ca.RoleWorker, ca.RoleAdmin))
	s.mux.Handle("GET /internal/clients/lookup", mtls(s.handleLookupClient, ca.RoleIngress, ca.RoleWorker, ca.RoleAdmin))

	// Admin realm.
	s.mux.Handle("POST /admin/certificates/generate", admin(s.handleGenerateCert))
	s.mux.Handle("POST /admin/certificates/revoke", admin(s.handleRevokeCert))
	s.mux.Handle("GET /admin/certificates", admin(s.handleListCerts))
	s.mux.Handle("GET /admin/certificates/expiring", admin(s.handleExpiringCerts))
	s.mux.Handle("GET /admin/stats", admin(s.handleStats))
	s.mux.Handle("GET /admin/audit", admin(s.handleListAudit))
	s.mux.Handle("POST /admin/retention/cleanup", admin(s.handleRetentionCleanup))
	s.mux.Handle("POST /admin/users", admin(s.handleCreateUser))
	s.mux.Handle("GET /admin/users", admin(s.handleListUsers))
	s.mux.Handle("PUT /admin/users/{email}", admin(s.handleUpdateUser))

	// Portal realm.
	s.mux.HandleFunc("POST /portal/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /portal/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /portal/auth/forgot", s.handleForgot)
	s.mux.HandleFunc("POST /portal/auth/reset", s.handleReset)
	s.mux.Handle("GET /portal/messages", bearer(s.handlePortalMessages))
	s.mux.Handle("GET /portal/messages/{id}", bearer(s.handlePortalMessage))
	s.mux.Handle("GET /portal/profile", bearer(s.handleProfile))

	// Unauthenticated.
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler tree.
func (s *Server) Handler() http.Handler {
	return s.correlate(s.mux)
}

// ListenAndServe starts the HTTPS listener. Client certificates are
// verified when presented but not required, so the portal realm works
// without one; internal routes enforce the peer themselves.
func (s *Server) ListenAndServe(addr string) error {
	if s.opts.TLSConfig == nil {
		return errors.New("authority: TLS config is required")
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		TLSConfig:    s.opts.TLSConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("authority listening", "addr", addr)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type ctxKey int

const (
	ctxKeyCaller ctxKey = iota
	ctxKeyUser
	ctxKeyCorrelation
)

// callerFrom returns the mTLS peer's client record set by requirePeer.
func callerFrom(r *http.Request) *store.Client {
	c, _ := r.Context().Value(ctxKeyCaller).(*store.Client)
	return c
}

// userFrom returns the verified portal claims set by requireUser.
func userFrom(r *http.Request) *security.Claims {
	c, _ := r.Context().Value(ctxKeyUser).(*security.Claims)
	return c
}

// correlate stamps every response and downstream log line with a
// correlation ID, minting one when the caller did not send it.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		ctx := context.WithValue(r.Context(), ctxKeyCorrelation, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logFor returns the request-scoped logger.
func (s *Server) logFor(r *http.Request) *logging.Logger {
	if id, ok := r.Context().Value(ctxKeyCorrelation).(string); ok {
		return s.deps.Log.With("correlation_id", id)
	}
	return s.deps.Log
}

// requirePeer authenticates the mTLS peer and authorizes by the role the
// store binds to its fingerprint. The certificate's own claims beyond the
// fingerprint carry no authority.
func (s *Server) requirePeer(roles []string, next http.HandlerFunc) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			writeError(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		ident, err := ca.IdentityFromState(*r.TLS)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "client certificate required")
			return
		}

		client, err := s.deps.Clients.ClientByFingerprint(r.Context(), ident.Fingerprint)
		if err != nil {
			if fault.Is(err, fault.NotFound) {
				s.logFor(r).Warn("unknown peer certificate", "fingerprint", ident.Fingerprint)
				writeError(w, http.StatusForbidden, "certificate not recognized")
				return
			}
			writeFault(w, err)
			return
		}
		if client.Status != store.ClientActive {
			writeError(w, http.StatusForbidden, "certificate "+string(client.Status))
			return
		}
		if !allowed[client.Role] {
			writeError(w, http.StatusForbidden, "role not permitted")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyCaller, client)
		next(w, r.WithContext(ctx))
	})
}

// requireUser authenticates a portal bearer token. Only access-typed
// tokens pass; refresh tokens are good for /portal/auth/refresh alone.
func (s *Server) requireUser(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		claims, err := s.deps.Tokens.Verify(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, security.ErrTokenExpired) {
				msg = "token expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		if claims.TokenType != security.TokenAccess {
			writeError(w, http.StatusUnauthorized, "access token required")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUser, claims)
		next(w, r.WithContext(ctx))
	})
}

// principalFor builds the store scope for verified portal claims.
func principalFor(claims *security.Claims) store.Principal {
	return store.Principal{
		Email:    claims.Subject,
		Role:     store.UserRole(claims.Role),
		ClientID: claims.ClientID,
	}
}

// clientIP extracts the peer address without the port. No proxy headers:
// the authority terminates TLS itself.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// audit appends an audit event, logging rather than failing the request
// when the append itself fails.
func (s *Server) audit(r *http.Request, ev store.AuditEvent) {
	ev.IP = clientIP(r)
	if err := s.deps.Audit.AppendAudit(r.Context(), ev); err != nil {
		s.logFor(r).Error("audit append failed", "action", ev.Action, "error", err)
	}
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps a classified error onto the wire. Internal detail never
// leaves the process.
func writeFault(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Kind == fault.Internal {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := map[string]any{"error": fe.Message}
	if fe.Field != "" {
		body["field"] = fe.Field
	}
	if fe.Kind == fault.RateLimited && fe.RetryAfter > 0 {
		body["retry_after"] = fe.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(fe.RetryAfter))
	}
	writeJSON(w, fe.Kind.HTTPStatus(), body)
}

// parsePaging reads limit/offset-style paging from the query string.
func parsePaging(r *http.Request, defaultPerPage, maxPerPage int) (limit, offset int) {
	perPage := defaultPerPage
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 {
		perPage = min(v, maxPerPage)
	}
	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	return perPage, (page - 1) * perPage
}
