package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	QueueDepth    int            `json:"queue_depth"`
	Running       int            `json:"running"`
	Draining      bool           `json:"draining"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		AvgDurationMS: stats.AvgDurationMS,
		QueueDepth:    s.core.QueueDepth(),
		Running:       s.core.RunningCount(),
		Draining:      s.core.Draining(),
	})
}
