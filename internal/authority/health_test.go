package authority

import (
	"net/http"
	"testing"
)

func TestHealthHealthy(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["database"] != "ok" || checks["queue"] != "ok" || checks["ca"] != "ok" {
		t.Errorf("checks = %v", checks)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("missing uptime_seconds")
	}
}

func TestHealthDatabaseDownIsUnhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.db.err = errInjected

	w := env.do(http.MethodGet, "/health", "", nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "unhealthy" {
		t.Errorf("status = %v", body["status"])
	}
	if checks := body["checks"].(map[string]any); checks["database"] != "unreachable" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHealthQueueDownOnlyDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.queue.pingErr = errInjected

	w := env.do(http.MethodGet, "/health", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (portal keeps working)", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthMissingCARootDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.ca.caPEM = nil

	w := env.do(http.MethodGet, "/health", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
}
