package authority

import "net/http"

type healthResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	UptimeSeconds int64             `json:"uptime_seconds"`
}

// handleHealth reports component state. The database is required for
// everything, so it failing makes the service unhealthy. A dead queue
// only degrades: the portal and admin surfaces keep working, messages
// pile up in the store until the sweep can requeue them.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{
		"database": "ok",
		"queue":    "ok",
		"ca":       "ok",
	}
	unhealthy := false
	degraded := false

	if err := s.deps.DB.Ping(ctx); err != nil {
		checks["database"] = "unreachable"
		unhealthy = true
	}
	if err := s.deps.Queue.Ping(ctx); err != nil {
		checks["queue"] = "unreachable"
		degraded = true
	}
	if len(s.deps.CA.CACertPEM()) == 0 {
		checks["ca"] = "not loaded"
		degraded = true
	}

	resp := healthResponse{
		Status:        "healthy",
		Checks:        checks,
		UptimeSeconds: int64(s.deps.Clock.Now().Sub(s.started).Seconds()),
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
