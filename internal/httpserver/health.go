package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sandrunner/sandrunner/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   version.Current().Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleHealthDetailed probes every dependency and reports healthy,
// degraded (still 200, with X-Health-Status set), or unhealthy (503).
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	degraded := false

	if err := s.kv.Ping(ctx); err != nil {
		checks["redis"] = "unhealthy"
		healthy = false
	} else {
		checks["redis"] = "healthy"
	}

	if s.k8s != nil {
		if _, err := s.k8s.Discovery().ServerVersion(); err != nil {
			checks["kubernetes"] = "unhealthy"
			degraded = true
		} else {
			checks["kubernetes"] = "healthy"
		}
	} else {
		checks["kubernetes"] = "not_configured"
	}

	checks["minio"] = "not_configured"

	body := map[string]any{"checks": checks}
	switch {
	case !healthy:
		body["status"] = "unhealthy"
		writeJSON(w, http.StatusServiceUnavailable, body)
	case degraded:
		body["status"] = "degraded"
		w.Header().Set("X-Health-Status", "degraded")
		writeJSON(w, http.StatusOK, body)
	default:
		body["status"] = "healthy"
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleHealthRedis(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.kv.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleHealthMinio always reports not_configured: object storage backing
// is out of scope, only the upload/download HTTP contract is implemented.
func (s *Server) handleHealthMinio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "not_configured"})
}

func (s *Server) handleHealthKubernetes(w http.ResponseWriter, r *http.Request) {
	if s.k8s == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_configured"})
		return
	}
	if _, err := s.k8s.Discovery().ServerVersion(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Current())
}
