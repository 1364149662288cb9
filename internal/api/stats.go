package api

import (
	"net/http"

	"github.com/patenthub/pipelined/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Records  int                         `json:"records"`
	ByStatus map[string]int              `json:"by_status"`
	PerStage map[string]store.StageStats `json:"per_stage"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Records:  stats.Records,
		ByStatus: stats.CountByStatus,
		PerStage: stats.PerStage,
	})
}
