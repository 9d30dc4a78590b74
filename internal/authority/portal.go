package authority

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/couriermq/courier/internal/fault"
	"github.com/couriermq/courier/internal/metrics"
	"github.com/couriermq/courier/internal/security"
	"github.com/couriermq/courier/internal/store"
)

// resetTokenTTL is how long a mailed password-reset token stays valid.
const resetTokenTTL = time.Hour

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	User         *store.User `json:"user"`
}

// handleLogin exchanges portal credentials for a token pair. Unknown
// address and wrong password answer identically.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		writeFault(w, fault.New(fault.Validation, "email and password are required"))
		return
	}

	throttleKey := req.Email + "|" + clientIP(r)
	if locked, retry := s.throttle.blocked(throttleKey); locked {
		metrics.PortalLogins.WithLabelValues("throttled").Inc()
		writeFault(w, fault.Limited(retry))
		return
	}

	fail := func(reason string) {
		s.throttle.fail(throttleKey)
		metrics.PortalLogins.WithLabelValues("failure").Inc()
		s.audit(r, store.AuditEvent{
			Action:   "auth.login_failed",
			Actor:    req.Email,
			Subject:  req.Email,
			Outcome:  "failure",
			Severity: store.SeverityWarning,
			Detail:   auditDetail(map[string]any{"reason": reason}),
		})
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	}

	user, err := s.deps.Users.UserByEmail(r.Context(), req.Email)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			fail("unknown email")
			return
		}
		writeFault(w, err)
		return
	}
	if !user.IsActive {
		metrics.PortalLogins.WithLabelValues("disabled").Inc()
		s.audit(r, store.AuditEvent{
			Action:   "auth.login_failed",
			Actor:    user.Email,
			Subject:  user.Email,
			Outcome:  "failure",
			Severity: store.SeverityWarning,
			Detail:   auditDetail(map[string]any{"reason": "account disabled"}),
		})
		writeError(w, http.StatusForbidden, "account disabled")
		return
	}
	if !s.deps.Hasher.Verify(user.PasswordHash, req.Password) {
		fail("wrong password")
		return
	}

	s.throttle.reset(throttleKey)

	clientID := ""
	if user.ClientID != nil {
		clientID = *user.ClientID
	}
	access, _, err := s.deps.Tokens.MintAccess(user.Email, string(user.Role), clientID)
	if err != nil {
		s.logFor(r).Error("access token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	refresh, _, err := s.deps.Tokens.MintRefresh(user.Email)
	if err != nil {
		s.logFor(r).Error("refresh token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := s.deps.Clock.Now().UTC()
	if err := s.deps.Users.SetLastLogin(r.Context(), user.Email, now); err != nil {
		s.logFor(r).Warn("last_login update failed", "error", err)
	}
	user.LastLogin = &now

	metrics.PortalLogins.WithLabelValues("success").Inc()
	s.audit(r, store.AuditEvent{
		Action:  "auth.login",
		Actor:   user.Email,
		Subject: user.Email,
	})
	s.logFor(r).Info("portal login", "email", user.Email)

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.deps.Tokens.AccessTTL().Seconds()),
		User:         user,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// handleRefresh exchanges a refresh token for a fresh access token. Role
// and client binding come from the store at exchange time, so a demotion
// takes effect on the next refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}

	claims, err := s.deps.Tokens.Verify(req.RefreshToken)
	if err != nil || claims.TokenType != security.TokenRefresh {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	user, err := s.deps.Users.UserByEmail(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if !user.IsActive {
		writeError(w, http.StatusForbidden, "account disabled")
		return
	}

	clientID := ""
	if user.ClientID != nil {
		clientID = *user.ClientID
	}
	access, _, err := s.deps.Tokens.MintAccess(user.Email, string(user.Role), clientID)
	if err != nil {
		s.logFor(r).Error("access token mint failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		AccessToken: access,
		TokenType:   "bearer",
		ExpiresIn:   int(s.deps.Tokens.AccessTTL().Seconds()),
	})
}

type forgotRequest struct {
	Email string `json:"email"`
}

// handleForgot starts a password reset. The answer is the same whether or
// not the account exists; the token travels only by mail.
func (s *Server) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}

	if req.Email != "" {
		s.startReset(r, req.Email)
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "if the account exists, a reset link has been sent",
	})
}

func (s *Server) startReset(r *http.Request, email string) {
	log := s.logFor(r)

	user, err := s.deps.Users.UserByEmail(r.Context(), email)
	if err != nil {
		if !fault.Is(err, fault.NotFound) {
			log.Error("reset lookup failed", "error", err)
		}
		return
	}
	if !user.IsActive {
		return
	}
	if s.deps.Mailer == nil || !s.deps.Mailer.Enabled() {
		log.Warn("reset requested but mail is not configured", "email", user.Email)
		return
	}

	token, hash, err := security.GenerateResetToken()
	if err != nil {
		log.Error("reset token generation failed", "error", err)
		return
	}
	expires := s.deps.Clock.Now().UTC().Add(resetTokenTTL)
	if err := s.deps.Users.CreatePasswordReset(r.Context(), user.ID, hash, expires); err != nil {
		log.Error("reset token store failed", "error", err)
		return
	}
	if err := s.deps.Mailer.SendPasswordReset(r.Context(), user.Email, token, expires); err != nil {
		log.Error("reset mail failed", "email", user.Email, "error", err)
		return
	}

	s.audit(r, store.AuditEvent{
		Action:  "auth.reset_requested",
		Actor:   user.Email,
		Subject: user.Email,
	})
	log.Info("password reset mailed", "email", user.Email)
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

// handleReset consumes a mailed single-use token and installs the new
// password.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFault(w, fault.New(fault.Validation, "malformed JSON body"))
		return
	}
	if req.Token == "" {
		writeFault(w, fault.Invalid("token", "is required"))
		return
	}
	if err := security.ValidatePassword(req.NewPassword); err != nil {
		writeFault(w, fault.Invalid("new_password", err.Error()))
		return
	}

	now := s.deps.Clock.Now().UTC()
	rst, err := s.deps.Users.ConsumePasswordReset(r.Context(), security.HashToken(req.Token), now)
	if err != nil {
		writeFault(w, err)
		return
	}
	user, err := s.deps.Users.UserByID(r.Context(), rst.UserID)
	if err != nil {
		writeFault(w, err)
		return
	}

	hash, err := s.deps.Hasher.Hash(req.NewPassword)
	if err != nil {
		s.logFor(r).Error("password hash failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.deps.Users.UpdatePassword(r.Context(), user.ID, hash); err != nil {
		writeFault(w, err)
		return
	}

	s.audit(r, store.AuditEvent{
		Action:  "auth.password_reset",
		Actor:   user.Email,
		Subject: user.Email,
	})
	s.logFor(r).Info("password reset", "email", user.Email)

	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

type messagesResponse struct {
	Messages []portalMessage `json:"messages"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PerPage  int             `json:"per_page"`
}

// portalMessage is the message shape shown to portal principals. The
// sender appears only masked; the body is decrypted for admins and
// withheld from everyone else.
type portalMessage struct {
	MessageID    string              `json:"message_id"`
	ClientID     string              `json:"client_id"`
	SenderMasked string              `json:"sender_masked"`
	Status       store.MessageStatus `json:"status"`
	Domain       string              `json:"domain,omitempty"`
	AttemptCount int                 `json:"attempt_count"`
	LastError    *string             `json:"last_error,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	QueuedAt     time.Time           `json:"queued_at"`
	DeliveredAt  *time.Time          `json:"delivered_at,omitempty"`
	MessageBody  string              `json:"message_body,omitempty"`
}

func (s *Server) portalMessageView(r *http.Request, p store.Principal, m store.Message) portalMessage {
	v := portalMessage{
		MessageID:    m.MessageID,
		ClientID:     m.ClientID,
		SenderMasked: security.MaskSender(m.SenderHash),
		Status:       m.Status,
		Domain:       m.Domain,
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		QueuedAt:     m.QueuedAt,
		DeliveredAt:  m.DeliveredAt,
	}
	if p.Role == store.RoleAdmin && len(m.Body) > 0 {
		plain, err := s.deps.Cipher.Decrypt(m.Body)
		if err != nil {
			s.logFor(r).Warn("body decryption failed", "message_id", m.MessageID, "error", err)
			v.MessageBody = "[decryption failed]"
		} else {
			v.MessageBody = string(plain)
		}
	}
	return v
}

// handlePortalMessages lists messages in the caller's scope: admins see
// all, bound users their client's, unbound users none.
func (s *Server) handlePortalMessages(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !store.ValidMessageStatus(status) {
		writeFault(w, fault.Invalid("status", "must be queued, delivered, or failed"))
		return
	}
	limit, offset := parsePaging(r, 50, 500)

	p := principalFor(userFrom(r))
	msgs, total, err := s.deps.Messages.MessagesForPrincipal(r.Context(), p, store.MessageFilter{
		Status: status,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	views := make([]portalMessage, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, s.portalMessageView(r, p, m))
	}
	writeJSON(w, http.StatusOK, messagesResponse{
		Messages: views,
		Total:    total,
		Page:     offset/limit + 1,
		PerPage:  limit,
	})
}

// handlePortalMessage fetches one message in scope. Rows outside the
// caller's scope answer 404, never 403.
func (s *Server) handlePortalMessage(w http.ResponseWriter, r *http.Request) {
	p := principalFor(userFrom(r))
	m, err := s.deps.Messages.MessageForPrincipal(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.portalMessageView(r, p, *m))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims := userFrom(r)
	user, err := s.deps.Users.UserByEmail(r.Context(), claims.Subject)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
