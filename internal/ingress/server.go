package ingress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/clock"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/logging"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/ratelimit"
)

// Dependencies defines what the ingress gate needs from the rest of the
// system.
type Dependencies struct {
	Authority AuthorityClient
	Queue     MessageQueue
	Limiter   RateLimiter
	Replay    ReplayGuard
	Clock     clock.Clock
	Log       *logging.Logger
}

// AuthorityClient is the mTLS client for the authority's internal API.
type AuthorityClient interface {
	LookupClient(ctx context.Context, fingerprint string) (*authclient.ClientInfo, error)
	Register(ctx context.Context, req authclient.RegisterRequest) (*authclient.RegisterResponse, error)
	Ping(ctx context.Context) error
}

// MessageQueue is the durable delivery queue.
type MessageQueue interface {
	Enqueue(ctx context.Context, e queue.Entry) (int64, error)
	Ping(ctx context.Context) error
}

// RateLimiter enforces the per-client submission budget.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// ReplayGuard detects repeated identical submissions. May be nil.
type ReplayGuard interface {
	Enabled() bool
	Observe(ctx context.Context, clientID, sender, body string) (bool, error)
}

// Options configures the listener and the submit pipeline.
type Options struct {
	CertFile       string
	KeyFile        string
	CAFile         string
	ClientCacheTTL time.Duration
	RequestTimeout time.Duration
}

// Server is the mTLS ingress gate. It terminates TLS, identifies the
// caller by certificate fingerprint, and turns valid submissions into a
// registered, queued message.
type Server struct {
	deps       Dependencies
	opts       Options
	mux        *http.ServeMux
	server     *http.Server
	cache      *clientCache
	validate   *validator.Validate
	started    time.Time
	certExpiry time.Time
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies, opts Options) (*Server, error) {
	if deps.Authority == nil || deps.Queue == nil || deps.Limiter == nil {
		return nil, errors.New("ingress: authority, queue, and limiter are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Log == nil {
		deps.Log = logging.Discard()
	}
	if opts.ClientCacheTTL <= 0 {
		opts.ClientCacheTTL = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	s := &Server{
		deps:     deps,
		opts:     opts,
		mux:      http.NewServeMux(),
		cache:    newClientCache(opts.ClientCacheTTL, deps.Clock),
		validate: newValidator(),
		started:  deps.Clock.Now(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.mux.Handle("POST /api/v1/messages", s.withTimeout(s.handleSubmit))
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler tree.
func (s *Server) Handler() http.Handler {
	return s.correlate(s.mux)
}

// correlate stamps every response and downstream log line with a
// correlation ID, minting one when the caller did not send it. The same
// ID rides along on authority calls made for the request.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r.WithContext(authclient.WithCorrelation(r.Context(), id)))
	})
}

// logFor returns the request-scoped logger.
func (s *Server) logFor(r *http.Request) *logging.Logger {
	if id := authclient.CorrelationFrom(r.Context()); id != "" {
		return s.deps.Log.With("correlation_id", id)
	}
	return s.deps.Log
}

// ListenAndServe starts the HTTPS listener. Client certificates are
// required and verified against the CA pool, so an unauthenticated caller
// never reaches a handler.
func (s *Server) ListenAndServe(addr string) error {
	cert, err := tls.LoadX509KeyPair(s.opts.CertFile, s.opts.KeyFile)
	if err != nil {
		return fmt.Errorf("load server keypair: %w", err)
	}
	if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
		s.certExpiry = leaf.NotAfter
	}
	pool, err := ca.LoadCertPool(s.opts.CAFile)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS13,
		},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("ingress listening", "addr", addr)
	return s.server.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx))
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

// writeFault maps a classified error onto the wire: status from the kind,
// field for validation failures, Retry-After for rate limits. Internal
// detail never leaves the process.
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
