package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/couriermq/courier/internal/authclient"
	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/queue"
	"github.com/couriermq/courier/internal/security"
)

// maxSubmitBytes bounds the request body; the largest legal payload is
// well under this.
const maxSubmitBytes = 64 << 10

// senderPattern is E.164: plus sign, non-zero lead digit, 2..15 digits
// total. Tighter than the stock e164 rule.
var senderPattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

type submitRequest struct {
	SenderNumber string          `json:"sender_number" validate:"required,e164"`
	MessageBody  string          `json:"message_body" validate:"required,max=1000"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type submitResponse struct {
	MessageID string    `json:"message_id"`
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id"`
	QueuedAt  time.Time `json:"queued_at"`
	Position  int64     `json:"position,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("e164", func(fl validator.FieldLevel) bool {
		return senderPattern.MatchString(fl.Field().String())
	})
	return v
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := s.deps.Clock.Now()
	defer func() {
		metrics.SubmissionDuration.Observe(s.deps.Clock.Since(start).Seconds())
	}()

	ctx := r.Context()
	log := s.logFor(r)

	if r.TLS == nil {
		s.reject(w, metrics.OutcomeAuth, fault.New(fault.Authentication, "client certificate required"))
		return
	}
	ident, err := ca.IdentityFromState(*r.TLS)
	if err != nil {
		s.reject(w, metrics.OutcomeAuth, fault.Wrap(fault.Authentication, err, "client certificate required"))
		return
	}
	log = log.With("client_cn", ident.ClientID)

	info, err := s.lookupClient(ctx, ident.Fingerprint)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			log.Warn("submission from unknown certificate", "fingerprint", ident.Fingerprint)
			s.reject(w, metrics.OutcomeAuth, fault.New(fault.Authorization, "certificate not recognized"))
			return
		}
		log.Error("client lookup failed", "error", err)
		s.reject(w, metrics.OutcomeError, fault.New(fault.Transient, "service unavailable"))
		return
	}
	if err := senderAllowed(info); err != nil {
		log.Warn("submission rejected", "client_id", info.ClientID, "reason", err.Error())
		s.reject(w, metrics.OutcomeAuth, err)
		return
	}
	log = log.With("client_id", info.ClientID)

	dec, err := s.deps.Limiter.Allow(ctx, info.ClientID)
	if err != nil {
		// Limiter outage fails closed: no budget check, no enqueue.
		log.Error("rate limiter unavailable", "error", err)
		s.reject(w, metrics.OutcomeError, fault.New(fault.Transient, "service unavailable"))
		return
	}
	if !dec.Allowed {
		metrics.RateLimited.Inc()
		s.reject(w, metrics.OutcomeRateLimit, fault.Limited(dec.RetryAfter))
		return
	}

	var req submitRequest
	body := http.MaxBytesReader(w, r.Body, maxSubmitBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.reject(w, metrics.OutcomeValidation, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if err := s.validatePayload(&req); err != nil {
		s.reject(w, metrics.OutcomeValidation, err)
		return
	}

	if s.deps.Replay != nil && s.deps.Replay.Enabled() {
		dup, err := s.deps.Replay.Observe(ctx, info.ClientID, req.SenderNumber, req.MessageBody)
		if err != nil {
			// The guard is advisory; a Redis hiccup here must not block
			// submissions the limiter already admitted.
			log.Warn("replay guard unavailable", "error", err)
		} else if dup {
			log.Warn("duplicate submission suppressed", "sender", security.MaskSender(req.SenderNumber))
			s.reject(w, metrics.OutcomeReplay, fault.New(fault.Conflict, "duplicate submission"))
			return
		}
	}

	messageID := uuid.NewString()
	reg, err := s.deps.Authority.Register(ctx, authclient.RegisterRequest{
		MessageID:    messageID,
		ClientID:     info.ClientID,
		SenderNumber: req.SenderNumber,
		MessageBody:  req.MessageBody,
		Domain:       info.Domain,
		QueuedAt:     s.deps.Clock.Now().UTC(),
		Metadata:     req.Metadata,
	})
	if err != nil {
		log.Error("register failed", "message_id", messageID, "error", err)
		s.reject(w, metrics.OutcomeError, fault.New(fault.Transient, "service unavailable"))
		return
	}

	entry := queue.Entry{
		MessageID:  reg.MessageID,
		ClientID:   info.ClientID,
		SenderHash: reg.SenderHash,
		Body:       reg.Body,
		Domain:     info.Domain,
		QueuedAt:   reg.QueuedAt,
	}
	position, err := s.deps.Queue.Enqueue(ctx, entry)
	if err != nil {
		// Registered but not queued: the authority sweep re-enqueues it,
		// so this is still an accept. A retry here would duplicate.
		log.Error("enqueue failed after register; sweep will recover",
			"message_id", reg.MessageID, "error", err)
		position = 0
	}

	metrics.SubmissionsTotal.WithLabelValues(metrics.OutcomeAccepted).Inc()
	log.Info("message accepted",
		"message_id", reg.MessageID,
		"sender", security.MaskSender(req.SenderNumber),
		"position", position)

	writeJSON(w, http.StatusAccepted, submitResponse{
		MessageID: reg.MessageID,
		Status:    "queued",
		ClientID:  info.ClientID,
		QueuedAt:  reg.QueuedAt,
		Position:  position,
	})
}

func (s *Server) reject(w http.ResponseWriter, outcome string, err error) {
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	writeFault(w, err)
}

// lookupClient resolves a certificate fingerprint to its client record,
// serving from the TTL cache when fresh.
func (s *Server) lookupClient(ctx context.Context, fingerprint string) (*authclient.ClientInfo, error) {
	if info, ok := s.cache.get(fingerprint); ok {
		metrics.ClientLookups.WithLabelValues("hit").Inc()
		return info, nil
	}

	info, err := s.deps.Authority.LookupClient(ctx, fingerprint)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			metrics.ClientLookups.WithLabelValues("unknown").Inc()
		} else {
			metrics.ClientLookups.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	metrics.ClientLookups.WithLabelValues("miss").Inc()
	s.cache.put(fingerprint, *info)
	return info, nil
}

// senderAllowed gates on what the authority knows about the client, not
// on anything the certificate claims.
func senderAllowed(info *authclient.ClientInfo) error {
	switch info.Status {
	case "active":
	case "revoked":
		return fault.New(fault.Authorization, "certificate revoked")
	case "expired":
		return fault.New(fault.Authorization, "certificate expired")
	default:
		return fault.Newf(fault.Authorization, "certificate status %q", info.Status)
	}
	if info.Role != ca.RoleSender && info.Role != ca.RoleAdmin {
		return fault.New(fault.Authorization, "certificate role may not submit messages")
	}
	return nil
}

func (s *Server) validatePayload(req *submitRequest) error {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fault.Invalid(fe.Field(), validationReason(fe))
		}
		return fault.New(fault.Validation, "invalid payload")
	}
	if trimmed := bytes.TrimSpace(req.Metadata); len(trimmed) > 0 {
		if bytes.Equal(trimmed, []byte("null")) {
			req.Metadata = nil
		} else if !isJSONObject(trimmed) {
			return fault.Invalid("metadata", "must be a JSON object")
		}
	}
	return nil
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "e164":
		return "must be an E.164 number such as +15551234567"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}

func isJSONObject(trimmed []byte) bool {
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
