package authority

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/couriermq/courier/internal/ca"
	"github.com/couriermq/courier/internal/store"
)

func TestGenerateCertificate(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	w := env.do(http.MethodPost, "/admin/certificates/generate",
		`{"client_id":"client-x","domain":"alerts"}`, cert, "")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["client_id"] != "client-x" {
		t.Errorf("client_id = %v", body["client_id"])
	}
	for _, key := range []string{"certificate", "private_key", "ca_certificate"} {
		if s, _ := body[key].(string); !strings.Contains(s, "-----BEGIN") {
			t.Errorf("%s = %v, want PEM", key, body[key])
		}
	}
	if fp, _ := body["fingerprint"].(string); len(fp) != 64 {
		t.Errorf("fingerprint = %v, want 64 hex chars", body["fingerprint"])
	}

	if len(env.ca.issueCalls) != 1 {
		t.Fatalf("issue calls = %d", len(env.ca.issueCalls))
	}
	call := env.ca.issueCalls[0]
	if call.role != "sender" || call.domain != "alerts" || call.validityDays != 365 {
		t.Errorf("issue call = %+v, want sender/alerts/365 defaults", call)
	}

	if len(env.clients.created) != 1 {
		t.Fatalf("bindings created = %d", len(env.clients.created))
	}
	binding := env.clients.created[0]
	if binding.Status != store.ClientActive || binding.Fingerprint == "" || binding.SerialHex == "" {
		t.Errorf("binding = %+v", binding)
	}

	events := env.audit.byAction("cert.issued")
	if len(events) != 1 || events[0].Actor != "operator" || events[0].Subject != "client-x" {
		t.Errorf("audit = %+v", events)
	}
}

func TestGenerateCertificateActiveConflict(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.hasActive = true

	w := env.do(http.MethodPost, "/admin/certificates/generate",
		`{"client_id":"client-x"}`, cert, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if len(env.ca.issueCalls) != 0 {
		t.Error("issued a certificate despite the conflict")
	}
}

func TestGenerateCertificateValidation(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	tests := []struct {
		name    string
		payload string
	}{
		{"short client_id", `{"client_id":"ab"}`},
		{"illegal characters", `{"client_id":"client x!"}`},
		{"bad role", `{"client_id":"client-x","role":"superuser"}`},
		{"validity too long", `{"client_id":"client-x","validity_days":4000}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/admin/certificates/generate", tc.payload, cert, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminRealmRequiresPeerCertificate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.addUser(t, "root@example.com", store.RoleAdmin, "")
	token := env.accessToken(t, admin)

	// A portal admin token is not an admin certificate.
	w := env.do(http.MethodGet, "/admin/certificates", "", nil, token)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRevokeCertificate(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.add(&store.Client{
		ClientID: "client-x", Fingerprint: strings.Repeat("ab", 32),
		SerialHex: "feed", Role: "sender", Status: store.ClientActive,
	})

	w := env.do(http.MethodPost, "/admin/certificates/revoke",
		`{"client_id":"client-x","reason":"laptop stolen"}`, cert, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "revoked" || body["client_id"] != "client-x" {
		t.Errorf("body = %v", body)
	}
	if env.clients.byID["client-x"].Status != store.ClientRevoked {
		t.Error("store binding not revoked")
	}
	if len(env.ca.revoked) != 1 || env.ca.revoked[0] != "feed" {
		t.Errorf("crl serials = %v", env.ca.revoked)
	}

	events := env.audit.byAction("cert.revoked")
	if len(events) != 1 || events[0].Severity != store.SeverityWarning {
		t.Fatalf("audit = %+v", events)
	}
	if !strings.Contains(string(events[0].Detail), "laptop stolen") {
		t.Errorf("audit detail = %s", events[0].Detail)
	}
}

func TestRevokeSurvivesCRLFailure(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.add(&store.Client{
		ClientID: "client-x", Fingerprint: strings.Repeat("cd", 32),
		SerialHex: "feed", Role: "sender", Status: store.ClientActive,
	})
	env.ca.revokeErr = errInjected

	w := env.do(http.MethodPost, "/admin/certificates/revoke",
		`{"client_id":"client-x"}`, cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite CRL failure", w.Code)
	}
	if env.clients.byID["client-x"].Status != store.ClientRevoked {
		t.Error("store binding not revoked")
	}
}

func TestRevokeUnknownAndRepeated(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	if w := env.do(http.MethodPost, "/admin/certificates/revoke",
		`{"client_id":"ghost"}`, cert, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown client: %d, want 404", w.Code)
	}

	env.clients.add(&store.Client{
		ClientID: "client-x", Fingerprint: strings.Repeat("ef", 32),
		SerialHex: "feed", Role: "sender", Status: store.ClientRevoked,
	})
	if w := env.do(http.MethodPost, "/admin/certificates/revoke",
		`{"client_id":"client-x"}`, cert, ""); w.Code != http.StatusConflict {
		t.Errorf("already revoked: %d, want 409", w.Code)
	}
}

func TestListCertificates(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.listed = []store.Client{
		{ClientID: "a", Status: store.ClientActive},
		{ClientID: "b", Status: store.ClientRevoked},
	}

	w := env.do(http.MethodGet, "/admin/certificates?page=1&per_page=10", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total"] != float64(2) || body["per_page"] != float64(10) || body["page"] != float64(1) {
		t.Errorf("paging = %v", body)
	}

	if w := env.do(http.MethodGet, "/admin/certificates?status=smouldering", "", cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d, want 400", w.Code)
	}
}

func TestExpiringCertificates(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.expiring = []store.Client{{ClientID: "soon"}}

	w := env.do(http.MethodGet, "/admin/certificates/expiring?days=45", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["within_days"] != float64(45) {
		t.Errorf("within_days = %v", body["within_days"])
	}

	if w := env.do(http.MethodGet, "/admin/certificates/expiring?days=0", "", cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("days=0: %d, want 400", w.Code)
	}
}

func TestStatsIncludesQueueDepth(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.audit.stats = &store.Stats{TotalMessages: 12, ActiveClients: 3}
	env.queue.size = 7

	w := env.do(http.MethodGet, "/admin/stats", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["total_messages"] != float64(12) || body["queue_depth"] != float64(7) {
		t.Errorf("body = %v", body)
	}
}

func TestStatsOmitsDepthWhenQueueDown(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.queue.sizeErr = errInjected

	w := env.do(http.MethodGet, "/admin/stats", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := decodeBody(t, w)["queue_depth"]; ok {
		t.Error("queue_depth present despite queue failure")
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.clients.add(&store.Client{ClientID: "feed", SerialHex: "feed", Status: store.ClientActive})

	if w := env.do(http.MethodPost, "/admin/certificates/revoke",
		`{"client_id":"feed"}`, cert, ""); w.Code != http.StatusOK {
		t.Fatalf("revoke: %d, body %s", w.Code, w.Body.String())
	}

	w := env.do(http.MethodGet, "/admin/audit?action=cert.revoked", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["total"] != float64(1) {
		t.Fatalf("total = %v", body["total"])
	}
	events := body["events"].([]any)
	ev := events[0].(map[string]any)
	if ev["action"] != "cert.revoked" || ev["subject"] != "feed" {
		t.Errorf("event = %v", ev)
	}

	if w := env.do(http.MethodGet, "/admin/audit?limit=0", "", cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: %d, want 400", w.Code)
	}
}

func TestRetentionCleanup(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.msgs.purged = 42

	w := env.do(http.MethodPost, "/admin/retention/cleanup",
		`{"older_than_days":30}`, cert, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["purged"] != float64(42) || body["older_than_days"] != float64(30) {
		t.Errorf("body = %v", body)
	}

	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	if diff := env.msgs.purgeCutoff.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff = %v, want about %v", env.msgs.purgeCutoff, wantCutoff)
	}
	if got := len(env.audit.byAction("retention.purged")); got != 1 {
		t.Errorf("audit events = %d", got)
	}
}

func TestRetentionCleanupDefaultsAndValidation(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	w := env.do(http.MethodPost, "/admin/retention/cleanup", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["older_than_days"] != float64(180) {
		t.Errorf("default older_than_days = %v, want 180", body["older_than_days"])
	}

	if w := env.do(http.MethodPost, "/admin/retention/cleanup",
		`{"older_than_days":0}`, cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("zero days: %d, want 400", w.Code)
	}
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	w := env.do(http.MethodPost, "/admin/users",
		`{"email":"ops@example.com","password":"Sw0rdfish1","client_id":"client-a"}`, cert, "")

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["email"] != "ops@example.com" || body["role"] != "user" || body["client_id"] != "client-a" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["password_hash"]; ok {
		t.Error("password hash leaked in response")
	}

	created := env.users.byEmail["ops@example.com"]
	if created == nil {
		t.Fatal("user not stored")
	}
	if !env.hasher.Verify(created.PasswordHash, "Sw0rdfish1") {
		t.Error("stored hash does not verify")
	}
	if got := len(env.audit.byAction("user.created")); got != 1 {
		t.Errorf("audit events = %d", got)
	}
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)

	tests := []struct {
		name    string
		payload string
	}{
		{"bad email", `{"email":"not-an-address","password":"Sw0rdfish1"}`},
		{"short password", `{"email":"a@b.com","password":"Ab1"}`},
		{"no digit", `{"email":"a@b.com","password":"Swordfish"}`},
		{"no letter", `{"email":"a@b.com","password":"12345678"}`},
		{"bad role", `{"email":"a@b.com","password":"Sw0rdfish1","role":"root"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/admin/users", tc.payload, cert, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestUpdateUser(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.addUser(t, "ops@example.com", store.RoleUser, "client-a")

	w := env.do(http.MethodPut, "/admin/users/ops@example.com",
		`{"is_active":false,"role":"admin"}`, cert, "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	u := env.users.byEmail["ops@example.com"]
	if u.IsActive || u.Role != store.RoleAdmin {
		t.Errorf("user = %+v", u)
	}
	if got := len(env.audit.byAction("user.updated")); got != 1 {
		t.Errorf("audit events = %d", got)
	}
}

func TestUpdateUserValidation(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.addUser(t, "ops@example.com", store.RoleUser, "")

	if w := env.do(http.MethodPut, "/admin/users/ops@example.com", `{}`, cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty update: %d, want 400", w.Code)
	}
	if w := env.do(http.MethodPut, "/admin/users/ops@example.com",
		`{"role":"root"}`, cert, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad role: %d, want 400", w.Code)
	}
	if w := env.do(http.MethodPut, "/admin/users/ghost@example.com",
		`{"is_active":false}`, cert, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown user: %d, want 404", w.Code)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	cert := env.addPeer(t, "operator", ca.RoleAdmin)
	env.addUser(t, "a@example.com", store.RoleUser, "")
	env.addUser(t, "b@example.com", store.RoleAdmin, "")

	w := env.do(http.MethodGet, "/admin/users", "", cert, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["total"] != float64(2) {
		t.Errorf("total = %v", body["total"])
	}
}
