package ingress

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// handleHealth reports component state: the queue and the authority are
// required for every submission, so either failing makes the gate
// unhealthy. A certificate nearing its window end only degrades.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock.Now()

	checks := map[string]string{
		"queue":       "ok",
		"authority":   "ok",
		"certificate": "ok",
	}
	unhealthy := false

	if err := s.deps.Queue.Ping(ctx); err != nil {
		checks["queue"] = "unreachable"
		unhealthy = true
	}
	if err := s.deps.Authority.Ping(ctx); err != nil {
		checks["authority"] = "unreachable"
		unhealthy = true
	}

	degraded := false
	switch {
	case s.certExpiry.IsZero():
		// No keypair loaded; ListenAndServe has not run.
	case now.After(s.certExpiry):
		checks["certificate"] = "expired"
		degraded = true
	case s.certExpiry.Sub(now) < 7*24*time.Hour:
		checks["certificate"] = "expires " + s.certExpiry.UTC().Format(time.RFC3339)
		degraded = true
	}

	resp := healthResponse{
		Status:        "healthy",
		Checks:        checks,
		UptimeSeconds: int64(now.Sub(s.started).Seconds()),
	}
	status := http.StatusOK
	switch {
	case unhealthy:
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case degraded:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}
