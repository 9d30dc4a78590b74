package authority

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"time"

	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
)

// clientIDPattern keeps client IDs safe as certificate CNs and Redis key
// fragments.
var clientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

type generateCertRequest struct {
	ClientID     string `json:"client_id"`
	Domain       string `json:"domain,omitempty"`
	Role         string `json:"role,omitempty"`
	Label        string `json:"label,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

type generateCertResponse struct {
	ClientID      string    `json:"client_id"`
	Certificate   string    `json:"certificate"`
	PrivateKey    string    `json:"private_key"`
	Fingerprint   string    `json:"fingerprint"`
	ExpiresAt     time.Time `json:"expires_at"`
	CACertificate string    `json:"ca_certificate"`
}

// handleGenerateCert issues a client certificate and binds its
// fingerprint to the client_id. The private key appears in this response
// and nowhere else.
func (s *Server) handleGenerateCert(w http.ResponseWriter, r *http.Request) {
	var req generateCertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if !clientIDPattern.MatchString(req.ClientID) {
		writeFault(w, fault.Invalid("client_id", "must be 3-64 characters of [a-zA-Z0-9_-]"))
		return
	}
	if req.Role == "" {
		req.Role = ca.RoleSender
	}
	if !ca.ValidRole(req.Role) {
		writeFault(w, fault.Invalid("role", "must be sender, ingress, worker, or admin"))
		return
	}
	if req.Domain == "" {
		req.Domain = "default"
	}
	if req.ValidityDays <= 0 {
		req.ValidityDays = s.opts.ClientValidityDays
	}
	if req.ValidityDays > 3650 {
		writeFault(w, fault.Invalid("validity_days", "must be at most 3650"))
		return
	}

	active, err := s.deps.Clients.HasActiveClient(r.Context(), req.ClientID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if active {
		writeFault(w, fault.Newf(fault.Conflict,
			"client %s already has an active certificate; revoke it first", req.ClientID))
		return
	}

	issued, err := s.deps.CA.IssueClient(req.ClientID, req.Domain, req.Role, req.ValidityDays)
	if err != nil {
		s.logFor(r).Error("certificate issuance failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "certificate issuance failed")
		return
	}

	now := s.deps.Clock.Now().UTC()
	client, err := s.deps.Clients.CreateClient(r.Context(), &store.Client{
		ClientID:    req.ClientID,
		Fingerprint: issued.Fingerprint,
		SerialHex:   issued.SerialHex,
		Domain:      req.Domain,
		Role:        req.Role,
		Label:       req.Label,
		Status:      store.ClientActive,
		IssuedAt:    now,
		ExpiresAt:   issued.NotAfter,
	})
	if err != nil {
		// The certificate exists in the CA index but has no binding, so
		// no handshake will ever authorize it.
		s.logFor(r).Error("client binding failed after issuance",
			"client_id", req.ClientID, "serial", issued.SerialHex, "error", err)
		writeFault(w, err)
		return
	}

	metrics.CertificatesIssued.Inc()
	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:  "cert.issued",
		Actor:   caller.ClientID,
		Subject: client.ClientID,
		Detail: auditDetail(map[string]any{
			"role":       client.Role,
			"domain":     client.Domain,
			"expires_at": client.ExpiresAt,
		}),
	})
	s.logFor(r).Info("certificate issued",
		"client_id", client.ClientID, "role", client.Role, "expires_at", client.ExpiresAt)

	writeJSON(w, http.StatusCreated, generateCertResponse{
		ClientID:      client.ClientID,
		Certificate:   string(issued.CertPEM),
		PrivateKey:    string(issued.KeyPEM),
		Fingerprint:   issued.Fingerprint,
		ExpiresAt:     issued.NotAfter,
		CACertificate: string(s.deps.CA.CACertPEM()),
	})
}

type revokeCertRequest struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason,omitempty"`
}

type revokeCertResponse struct {
	ClientID  string    `json:"client_id"`
	Status    string    `json:"status"`
	RevokedAt time.Time `json:"revoked_at"`
}

// handleRevokeCert revokes a client binding and pushes the serial onto
// the CRL. The store is authoritative for authorization, so a CRL write
// failure degrades to a logged warning instead of un-revoking.
func (s *Server) handleRevokeCert(w http.ResponseWriter, r *http.Request) {
	var req revokeCertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if req.ClientID == "" {
		writeFault(w, fault.Invalid("client_id", "is required"))
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}

	now := s.deps.Clock.Now().UTC()
	client, err := s.deps.Clients.RevokeClient(r.Context(), req.ClientID, req.Reason, now)
	if err != nil {
		writeFault(w, err)
		return
	}

	if err := s.deps.CA.Revoke(client.SerialHex, req.Reason); err != nil {
		s.logFor(r).Error("crl update failed; store revocation stands",
			"client_id", client.ClientID, "serial", client.SerialHex, "error", err)
	}

	metrics.CertificatesRevoked.Inc()
	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:   "cert.revoked",
		Actor:    caller.ClientID,
		Subject:  client.ClientID,
		Severity: store.SeverityWarning,
		Detail:   auditDetail(map[string]any{"reason": req.Reason}),
	})
	s.logFor(r).Info("certificate revoked", "client_id", client.ClientID, "reason", req.Reason)

	revokedAt := now
	if client.RevokedAt != nil {
		revokedAt = *client.RevokedAt
	}
	writeJSON(w, http.StatusOK, revokeCertResponse{
		ClientID:  client.ClientID,
		Status:    string(store.ClientRevoked),
		RevokedAt: revokedAt,
	})
}

type listCertsResponse struct {
	Certificates []store.Client `json:"certificates"`
	Total        int64          `json:"total"`
	Page         int            `json:"page"`
	PerPage      int            `json:"per_page"`
}

func (s *Server) handleListCerts(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch store.ClientStatus(status) {
	case "", store.ClientActive, store.ClientRevoked, store.ClientExpired:
	default:
		writeFault(w, fault.Invalid("status", "must be active, revoked, or expired"))
		return
	}
	limit, offset := parsePaging(r, 50, 500)

	clients, total, err := s.deps.Clients.ListClients(r.Context(), status, limit, offset)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listCertsResponse{
		Certificates: clients,
		Total:        total,
		Page:         offset/limit + 1,
		PerPage:      limit,
	})
}

type expiringCertsResponse struct {
	Certificates []store.Client `json:"certificates"`
	WithinDays   int            `json:"within_days"`
}

func (s *Server) handleExpiringCerts(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 3650 {
			writeFault(w, fault.Invalid("days", "must be between 1 and 3650"))
			return
		}
		days = n
	}

	clients, err := s.deps.Clients.ListExpiring(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, expiringCertsResponse{Certificates: clients, WithinDays: days})
}

// handleStats serves the operator dashboard aggregate, enriched with the
// live queue depth when the queue answers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Audit.Stats(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}

	var depth *int64
	if s.deps.Queue != nil {
		if n, err := s.deps.Queue.Size(r.Context()); err == nil {
			depth = &n
		}
	}
	writeJSON(w, http.StatusOK, struct {
		*store.Stats
		QueueDepth *int64 `json:"queue_depth,omitempty"`
	}{stats, depth})
}

// handleListAudit serves recent audit rows, newest first, optionally
// filtered by action.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeFault(w, fault.Invalid("limit", "must be between 1 and 1000"))
			return
		}
		limit = n
	}

	events, err := s.deps.Audit.ListAudit(r.Context(), r.URL.Query().Get("action"), limit)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

type retentionRequest struct {
	OlderThanDays int `json:"older_than_days,omitempty"`
}

type retentionResponse struct {
	Purged        int64 `json:"purged"`
	OlderThanDays int   `json:"older_than_days"`
}

// handleRetentionCleanup deletes delivered and failed rows past the
// retention horizon. Queued rows are never touched.
func (s *Server) handleRetentionCleanup(w http.ResponseWriter, r *http.Request) {
	req := retentionRequest{OlderThanDays: s.opts.RetentionDays}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
			return
		}
	}
	if req.OlderThanDays < 1 {
		writeFault(w, fault.Invalid("older_than_days", "must be at least 1"))
		return
	}

	cutoff := s.deps.Clock.Now().UTC().AddDate(0, 0, -req.OlderThanDays)
	purged, err := s.deps.Messages.PurgeFinal(r.Context(), cutoff)
	if err != nil {
		writeFault(w, err)
		return
	}

	metrics.MessagesPurged.Add(float64(purged))
	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:  "retention.purged",
		Actor:   caller.ClientID,
		Subject: "messages",
		Detail:  auditDetail(map[string]any{"purged": purged, "older_than_days": req.OlderThanDays}),
	})
	s.logFor(r).Info("retention cleanup", "purged", purged, "older_than_days", req.OlderThanDays)

	writeJSON(w, http.StatusOK, retentionResponse{Purged: purged, OlderThanDays: req.OlderThanDays})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		writeFault(w, fault.Invalid("email", "must be a valid address"))
		return
	}
	if err := security.ValidatePassword(req.Password); err != nil {
		writeFault(w, fault.Invalid("password", err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = string(store.RoleUser)
	}
	if !store.ValidUserRole(req.Role) {
		writeFault(w, fault.Invalid("role", "must be admin or user"))
		return
	}

	hash, err := s.deps.Hasher.Hash(req.Password)
	if err != nil {
		s.logFor(r).Error("password hash failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	u := &store.User{
		Email:        req.Email,
		PasswordHash: hash,
		Role:         store.UserRole(req.Role),
		IsActive:     true,
	}
	if req.ClientID != "" {
		u.ClientID = &req.ClientID
	}
	created, err := s.deps.Users.CreateUser(r.Context(), u)
	if err != nil {
		writeFault(w, err)
		return
	}

	caller := callerFrom(r)
	s.audit(r, store.AuditEvent{
		Action:  "user.created",
		Actor:   caller.ClientID,
		Subject: created.Email,
		Detail:  auditDetail(map[string]any{"role": created.Role}),
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Users.ListUsers(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "total": len(users)})
}

type updateUserRequest struct {
	Role     *string `json:"role,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
	ClientID *string `json:"client_id,omitempty"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if req.Role == nil && req.IsActive == nil && req.ClientID == nil {
		writeFault(w, fault.New(fault.Validation, "nothing to update"))
		return
	}

	upd := store.UserUpdate{IsActive: req.IsActive, ClientID: req.ClientID}
	if req.Role != nil {
		if !store.ValidUserRole(*req.Role) {
			writeFault(w, fault.Invalid("role", "must be admin or user"))
			return
		}
		role := store.UserRole(*req.Role)
		upd.Role = &role
	}

	updated, err := s.deps.Users.UpdateUser(r.Context(), email, upd)
	if err != nil {
		writeFault(w, err)
		return
	}

	caller := callerFrom(r)
	detail := map[string]any{}
	if req.Role != nil {
		detail["role"] = *req.Role
	}
	if req.IsActive != nil {
		detail["is_active"] = *req.IsActive
	}
	if req.ClientID != nil {
		detail["client_id"] = *req.ClientID
	}
	s.audit(r, store.AuditEvent{
		Action:  "user.updated",
		Actor:   caller.ClientID,
		Subject: updated.Email,
		Detail:  auditDetail(detail),
	})
	writeJSON(w, http.StatusOK, updated)
}
