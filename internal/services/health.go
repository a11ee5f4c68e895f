package services

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the body of the probe endpoints
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// healthz is the liveness probe: the service is alive if we reach here
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, &HealthResponse{Status: "ok"})
}

// readyz runs every readiness check
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	res := &HealthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	code := http.StatusOK
	for _, c := range s.checks {
		if err := c.Probe(ctx); err != nil {
			res.Checks[c.Name] = err.Error()
			res.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	s.writeJSON(w, r, code, res)
}
