// Package authclient is the mTLS HTTP client the ingress and workers use
// to reach the authority's internal API. All calls share one circuit
// breaker: once the authority is down, callers fail fast with a Transient
// fault instead of stacking up timed-out requests. Typed 4xx responses
// (not found, conflict) count as successful round trips and never trip
// the breaker.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/logging"
)

// Options configures the client. The four paths default to the authority's
// standard routes; StatusPath must contain the {id} placeholder.
type Options struct {
	BaseURL      string
	CertFile     string
	KeyFile      string
	CAFile       string
	RegisterPath string
	DeliverPath  string
	StatusPath   string
	LookupPath   string
	Timeout      time.Duration
	Log          *logging.Logger
}

// Client calls the authority over mutual TLS.
type Client struct {
	http         *http.Client
	baseURL      string
	registerPath string
	deliverPath  string
	statusPath   string
	lookupPath   string
	breaker      *gobreaker.CircuitBreaker
	log          *logging.Logger
}

// New builds a client from certificate files.
func New(opts Options) (*Client, error) {
	tlsCfg, err := ca.ClientTLSConfig(opts.CertFile, opts.KeyFile, opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("authority client tls: %w", err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return newClient(h, opts), nil
}

func newClient(h *http.Client, opts Options) *Client {
	if opts.RegisterPath == "" {
		opts.RegisterPath = "/internal/messages/register"
	}
	if opts.DeliverPath == "" {
		opts.DeliverPath = "/internal/messages/deliver"
	}
	if opts.StatusPath == "" {
		opts.StatusPath = "/internal/messages/{id}/status"
	}
	if opts.LookupPath == "" {
		opts.LookupPath = "/internal/clients/lookup"
	}
	log := opts.Log
	if log == nil {
		log = logging.Discard()
	}

	c := &Client{
		http:         h,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		registerPath: opts.RegisterPath,
		deliverPath:  opts.DeliverPath,
		statusPath:   opts.StatusPath,
		lookupPath:   opts.LookupPath,
		log:          log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: 2,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Only transport-level trouble counts against the authority;
		// a clean 4xx means it answered.
		IsSuccessful: func(err error) bool {
			return err == nil || !fault.Is(err, fault.Transient)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("authority breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// RegisterRequest is the register call payload. The raw sender identifier
// travels only on this hop; the authority hashes and encrypts before
// anything is stored or echoed back.
type RegisterRequest struct {
	MessageID    string          `json:"message_id"`
	ClientID     string          `json:"client_id"`
	SenderNumber string          `json:"sender_number"`
	MessageBody  string          `json:"message_body"`
	Domain       string          `json:"domain,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// RegisterResponse echoes the stored row: the sender hash and ciphertext
// let the caller enqueue exactly what the authority persisted.
type RegisterResponse struct {
	MessageID  string    `json:"message_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	SenderHash string    `json:"sender_hash"`
	Body       []byte    `json:"body"`
	KeyVersion int       `json:"encryption_key_version"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Register stores a message at the authority. Safe to repeat: the
// authority is idempotent on message_id.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, c.registerPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeliverResponse reports the applied (or already applied) transition.
type DeliverResponse struct {
	MessageID   string    `json:"message_id"`
	Status      string    `json:"status"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Deliver marks a message delivered.
func (c *Client) Deliver(ctx context.Context, messageID, workerID string) (*DeliverResponse, error) {
	body := map[string]string{"message_id": messageID, "worker_id": workerID}
	var resp DeliverResponse
	if err := c.do(ctx, http.MethodPost, c.deliverPath, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateStatus records a retry or terminal failure for a message.
func (c *Client) UpdateStatus(ctx context.Context, messageID, status string, attemptCount int, errMsg string) error {
	path := strings.Replace(c.statusPath, "{id}", messageID, 1)
	body := map[string]any{
		"status":        status,
		"attempt_count": attemptCount,
	}
	if errMsg != "" {
		body["error_message"] = errMsg
	}
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// ClientInfo is the authorization view of a certificate fingerprint.
type ClientInfo struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	Domain   string `json:"domain"`
	Status   string `json:"status"`
}

// LookupClient resolves a certificate fingerprint to its client binding.
// Unknown fingerprints return fault.NotFound.
func (c *Client) LookupClient(ctx context.Context, fingerprint string) (*ClientInfo, error) {
	path := c.lookupPath + "?fingerprint=" + strings.ToLower(fingerprint)
	var info ClientInfo
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Ping checks authority reachability for health reporting. It bypasses
// the breaker so health checks keep observing the real state while the
// breaker is open.
func (c *Client) Ping(ctx context.Context) error {
	return c.roundTrip(ctx, http.MethodGet, "/health", nil, nil)
}

type ctxKey int

const ctxKeyCorrelation ctxKey = 0

// WithCorrelation tags ctx with a correlation ID; outgoing requests carry
// it as X-Correlation-ID so authority log lines line up with the caller's.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrelation, id)
}

// CorrelationFrom returns the correlation ID carried by ctx, or "".
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCorrelation).(string)
	return id
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.Transient, err, "authority circuit open")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fault.Wrap(fault.Internal, err, "encode authority request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "build authority request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := CorrelationFrom(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(fault.Transient, err, "authority unreachable")
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, res.Body)
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fault.Wrap(fault.Transient, err, "decode authority response")
		}
		return nil
	}
	return faultFromResponse(res)
}

// faultFromResponse maps authority status codes to the shared taxonomy.
// 429 and 5xx are retriable; remaining 4xx are permanent for the caller.
func faultFromResponse(res *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(res.Body, 4096)).Decode(&payload)
	msg := payload.Error
	if msg == "" {
		msg = res.Status
	}

	switch {
	case res.StatusCode == http.StatusNotFound:
		return fault.New(fault.NotFound, msg)
	case res.StatusCode == http.StatusConflict:
		return fault.New(fault.Conflict, msg)
	case res.StatusCode == http.StatusUnauthorized:
		return fault.New(fault.Authentication, msg)
	case res.StatusCode == http.StatusForbidden:
		return fault.New(fault.Authorization, msg)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fault.Newf(fault.Transient, "authority returned %d: %s", res.StatusCode, msg)
	default:
		return fault.Newf(fault.Permanent, "authority returned %d: %s", res.StatusCode, msg)
	}
}
