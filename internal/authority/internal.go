package authority

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
)

// maxBodyCodePoints bounds the plaintext a register call may carry.
const maxBodyCodePoints = 1000

type registerRequest struct {
	MessageID    string          `json:"message_id,omitempty"`
	ClientID     string          `json:"client_id"`
	SenderNumber string          `json:"sender_number"`
	MessageBody  string          `json:"message_body"`
	Domain       string          `json:"domain,omitempty"`
	QueuedAt     time.Time       `json:"queued_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

type registerResponse struct {
	MessageID  string              `json:"message_id"`
	Status     store.MessageStatus `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	SenderHash string              `json:"sender_hash"`
	Body       []byte              `json:"body"`
	KeyVersion int                 `json:"encryption_key_version"`
	QueuedAt   time.Time           `json:"queued_at"`
}

// handleRegister stores one message: the sender leaves as a salted hash,
// the body as AES-GCM ciphertext. A supplied message_id makes the call
// idempotent; the existing row comes back unchanged.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if err := validateRegister(&req); err != nil {
		writeFault(w, err)
		return
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	ciphertext, err := s.deps.Cipher.Encrypt([]byte(req.MessageBody))
	if err != nil {
		s.logFor(r).Error("body encryption failed", "message_id", req.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	queuedAt := req.QueuedAt
	if queuedAt.IsZero() {
		queuedAt = s.deps.Clock.Now()
	}

	m := &store.Message{
		MessageID:  req.MessageID,
		ClientID:   req.ClientID,
		SenderHash: security.SenderHash(s.opts.SenderSalt, req.SenderNumber),
		Body:       ciphertext,
		KeyVersion: s.deps.Cipher.Version(),
		Status:     store.StatusQueued,
		Domain:     req.Domain,
		QueuedAt:   queuedAt.UTC(),
	}
	stored, created, err := s.deps.Messages.RegisterMessage(r.Context(), m)
	if err != nil {
		writeFault(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		caller := callerFrom(r)
		s.audit(r, store.AuditEvent{
			Action:  "message.registered",
			Actor:   caller.ClientID,
			Subject: stored.MessageID,
			Detail:  auditDetail(map[string]any{"client_id": stored.ClientID, "domain": stored.Domain}),
		})
		s.logFor(r).Info("message registered",
			"message_id", stored.MessageID,
			"client_id", stored.ClientID,
			"sender", security.MaskSender(req.SenderNumber))
	}

	writeJSON(w, status, registerResponse{
		MessageID:  stored.MessageID,
		Status:     stored.Status,
		CreatedAt:  stored.CreatedAt,
		SenderHash: stored.SenderHash,
		Body:       stored.Body,
		KeyVersion: stored.KeyVersion,
		QueuedAt:   stored.QueuedAt,
	})
}

func validateRegister(req *registerRequest) error {
	if req.ClientID == "" {
		return fault.Invalid("client_id", "is required")
	}
	if req.SenderNumber == "" {
		return fault.Invalid("sender_number", "is required")
	}
	if req.MessageBody == "" {
		return fault.Invalid("message_body", "is required")
	}
	if utf8.RuneCountInString(req.MessageBody) > maxBodyCodePoints {
		return fault.Invalid("message_body", "must be at most 1000 characters")
	}
	if req.MessageID != "" {
		if _, err := uuid.Parse(req.MessageID); err != nil {
			return fault.Invalid("message_id", "must be a UUID")
		}
	}
	return nil
}

type deliverRequest struct {
	MessageID string `json:"message_id"`
	WorkerID  string `json:"worker_id"`
}

type deliverResponse struct {
	MessageID   string    `json:"message_id"`
	Status      string    `json:"status"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// handleDeliver applies the queued→delivered transition. Repeating the
// call for an already-delivered message succeeds without touching the
// row, which is how duplicate queue deliveries are absorbed.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if req.MessageID == "" {
		writeFault(w, fault.Invalid("message_id", "is required"))
		return
	}

	now := s.deps.Clock.Now().UTC()
	m, err := s.deps.Messages.MarkDelivered(r.Context(), req.MessageID, now)
	if err != nil {
		writeFault(w, err)
		return
	}

	deliveredAt := now
	if m.DeliveredAt != nil {
		deliveredAt = *m.DeliveredAt
	}

	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:  "message.delivered",
		Actor:   caller.ClientID,
		Subject: m.MessageID,
		Detail:  auditDetail(map[string]any{"worker_id": req.WorkerID}),
	})

	writeJSON(w, http.StatusOK, deliverResponse{
		MessageID:   m.MessageID,
		Status:      "delivered",
		DeliveredAt: deliveredAt,
	})
}

type statusUpdateRequest struct {
	Status       string `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type statusUpdateResponse struct {
	MessageID    string              `json:"message_id"`
	Status       store.MessageStatus `json:"status"`
	AttemptCount int                 `json:"attempt_count"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// handleUpdateStatus records a worker's retry bookkeeping: back to queued
// with a bumped attempt counter, or failed with the final error.
func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if !store.ValidMessageStatus(req.Status) {
		writeFault(w, fault.Invalid("status", "must be queued, delivered, or failed"))
		return
	}
	if req.AttemptCount < 0 {
		writeFault(w, fault.Invalid("attempt_count", "must not be negative"))
		return
	}

	m, err := s.deps.Messages.UpdateMessageStatus(r.Context(), messageID,
		store.MessageStatus(req.Status), req.AttemptCount, req.ErrorMessage)
	if err != nil {
		writeFault(w, err)
		return
	}

	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:  "message.status_updated",
		Actor:   caller.ClientID,
		Subject: m.MessageID,
		Detail:  auditDetail(map[string]any{"status": m.Status, "attempt_count": m.AttemptCount}),
	})

	updatedAt := s.deps.Clock.Now().UTC()
	if m.LastAttemptAt != nil {
		updatedAt = *m.LastAttemptAt
	}
	writeJSON(w, http.StatusOK, statusUpdateResponse{
		MessageID:    m.MessageID,
		Status:       m.Status,
		AttemptCount: m.AttemptCount,
		UpdatedAt:    updatedAt,
	})
}

type lookupResponse struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	Domain   string `json:"domain"`
	Status   string `json:"status"`
}

// handleLookupClient maps a certificate fingerprint to its client
// binding. The ingress calls this on every cache miss.
func (s *Server) handleLookupClient(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("fingerprint")
	if raw == "" {
		writeFault(w, fault.Invalid("fingerprint", "is required"))
		return
	}
	fingerprint, err := ca.NormalizeFingerprint(raw)
	if err != nil {
		writeFault(w, fault.Invalid("fingerprint", "must be 64 hex characters"))
		return
	}

	c, err := s.deps.Clients.ClientByFingerprint(r.Context(), fingerprint)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		ClientID: c.ClientID,
		Role:     c.Role,
		Domain:   c.Domain,
		Status:   string(c.Status),
	})
}

// auditDetail marshals structured audit detail; marshal failure drops the
// detail rather than the event.
func auditDetail(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
