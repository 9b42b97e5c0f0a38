package httpserver

import (
	"net/http"
	"strconv"
)

type adminStatsResponse struct {
	Hours      int `json:"hours"`
	ByLanguage any `json:"by_language"`
	Pools      any `json:"pools"`
}

// handleAdminStats implements GET /admin/stats?hours=1..168.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 && n <= 168 {
			hours = n
		}
	}

	snap := s.metricsSink.Snapshot()
	poolStats := s.pools.Stats()

	writeJSON(w, http.StatusOK, adminStatsResponse{
		Hours:      hours,
		ByLanguage: snap.ByLanguage,
		Pools:      poolStats,
	})
}
