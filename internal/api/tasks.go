package api

import (
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/patenthub/pipelined/internal/engine"
	"github.com/patenthub/pipelined/internal/store"
)

// startStageRequest is the optional JSON body for POST .../stages/{stage}/start.
type startStageRequest struct {
	Force bool `json:"force"`
}

// startStageResponse reports an accepted admission.
type startStageResponse struct {
	Accepted bool   `json:"accepted"`
	StepID   string `json:"step_id"`
	RunCount int    `json:"run_count"`
}

// cancelStageResponse reports the outcome of a cancellation request.
type cancelStageResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s *Server) handleStartStage(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	stageKey := chi.URLParam(r, "stage")

	force := r.URL.Query().Get("force") == "true"
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req startStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Force {
		force = true
	} else if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	state, err := s.engine.Start(r.Context(), recordID, stageKey, force)
	if err != nil {
		s.writeStartError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, startStageResponse{
		Accepted: true,
		StepID:   state.StepID,
		RunCount: state.RunCount,
	})
}

// writeStartError maps admission failures onto HTTP statuses: validation and
// conflicts are the caller's problem, everything else is ours.
func (s *Server) writeStartError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   verr.Error(),
			"missing": verr.Missing,
		})
	case errors.Is(err, engine.ErrUnknownStage):
		s.writeError(w, http.StatusNotFound, "unknown stage")
	case errors.Is(err, store.ErrRecordNotFound):
		s.writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, store.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, "stage is already running")
	case errors.Is(err, store.ErrAlreadyDone):
		s.writeError(w, http.StatusConflict, "stage is already done; pass force to re-run")
	default:
		s.logger.Error("start stage", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start stage")
	}
}

func (s *Server) handleCancelStage(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	stageKey := chi.URLParam(r, "stage")

	err := s.engine.Cancel(r.Context(), recordID, stageKey)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, cancelStageResponse{OK: true, Message: "stage cancelled"})
	case errors.Is(err, engine.ErrUnknownStage):
		s.writeError(w, http.StatusNotFound, "unknown stage")
	case errors.Is(err, store.ErrNotRunning), errors.Is(err, store.ErrTaskNotFound):
		s.writeJSON(w, http.StatusConflict, cancelStageResponse{OK: false, Message: "stage is not running"})
	default:
		s.logger.Error("cancel stage", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel stage")
	}
}

func (s *Server) handleGetTaskState(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "id")
	stageKey := chi.URLParam(r, "stage")

	if _, ok := s.stages.Get(stageKey); !ok {
		s.writeError(w, http.StatusNotFound, "unknown stage")
		return
	}
	if _, err := s.store.GetRecord(r.Context(), recordID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record for task state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task state")
		return
	}

	state, err := s.store.GetTaskState(r.Context(), recordID, stageKey)
	if err != nil {
		s.logger.Error("get task state", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task state")
		return
	}

	s.writeJSON(w, http.StatusOK, state)
}

// stageInfo is the JSON shape of one stage definition.
type stageInfo struct {
	Key                string   `json:"key"`
	Endpoint           string   `json:"endpoint"`
	StepIDPrefix       string   `json:"step_id_prefix"`
	TimeoutS           int      `json:"timeout_s"`
	HeartbeatIntervalS int      `json:"heartbeat_interval_s"`
	RequiredInputs     []string `json:"required_inputs"`
}

func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	keys := s.stages.Keys()
	sort.Strings(keys)

	infos := make([]stageInfo, 0, len(keys))
	for _, key := range keys {
		d, _ := s.stages.Get(key)
		infos = append(infos, stageInfo{
			Key:                d.Key,
			Endpoint:           d.Endpoint,
			StepIDPrefix:       d.StepIDPrefix,
			TimeoutS:           d.TimeoutS,
			HeartbeatIntervalS: d.HeartbeatIntervalS,
			RequiredInputs:     d.RequiredInputs,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"stages": infos})
}
