package api

import (
	"errors"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/patenthub/pipelined/internal/artifact"
	"github.com/patenthub/pipelined/internal/store"
)

// listArtifactsResponse is the JSON response for GET /v1/records/{id}/artifacts.
type listArtifactsResponse struct {
	RecordID  string          `json:"record_id"`
	Artifacts []artifact.Info `json:"artifacts"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRecord(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			s.writeError(w, http.StatusNotFound, "record not found")
			return
		}
		s.logger.Error("get record for artifacts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}

	infos, err := s.artifacts.List(id)
	if err != nil {
		s.logger.Error("list artifacts", "record_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if infos == nil {
		infos = []artifact.Info{}
	}

	s.writeJSON(w, http.StatusOK, listArtifactsResponse{RecordID: id, Artifacts: infos})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	data, err := s.artifacts.Read(id, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeError(w, http.StatusNotFound, "artifact not found")
			return
		}
		s.logger.Error("read artifact", "record_id", id, "name", name, "error", err)
		s.writeError(w, http.StatusBadRequest, "invalid artifact name")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write artifact response", "error", err)
	}
}
