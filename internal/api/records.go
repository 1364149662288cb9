package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/patenthub/pipelined/internal/model"
	"github.com/patenthub/pipelined/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRecordRequest is the JSON body for POST /v1/records.
type createRecordRequest struct {
	Title  string            `json:"title"`
	Fields map[string]string `json:"fields"`
}

// listRecordsResponse wraps the paginated list response.
type listRecordsResponse struct {
	Records []*model.WorkflowRecord `json:"records"`
	Total   int                     `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	rec := &model.WorkflowRecord{
		ID:        model.NewID(),
		Title:     req.Title,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.CreateRecord(r.Context(), rec); err != nil {
		s.logger.Error("create record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create record")
		return
	}

	if len(req.Fields) > 0 {
		if err := s.store.SetFields(r.Context(), rec.ID, req.Fields); err != nil {
			s.logger.Error("set initial fields", "record_id", rec.ID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to set initial fields")
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRecord(r.Context(), id)
	if errors.Is(err, store.ErrRecordNotFound) {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Error("get record", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get record")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListRecords(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list records", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	if records == nil {
		records = []*model.WorkflowRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRecordsResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleSetFields(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var fields map[string]string
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(fields) == 0 {
		s.writeError(w, http.StatusBadRequest, "no fields given")
		return
	}

	if err := s.store.SetFields(r.Context(), id, fields); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("set fields", "record_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set fields")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetFields(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var names []string
	if raw := r.URL.Query().Get("names"); raw != "" {
		names = strings.Split(raw, ",")
	}

	fields, err := s.store.GetFields(r.Context(), id, names)
	if errors.Is(err, store.ErrRecordNotFound) {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		s.logger.Error("get fields", "record_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get fields")
		return
	}

	s.writeJSON(w, http.StatusOK, fields)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
