package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// JobHandler handles job submission and lookup.
type JobHandler struct {
	backend Backend
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(backend Backend) *JobHandler {
	return &JobHandler{backend: backend}
}

// CreateArchive handles POST /v1/archive
func (h *JobHandler) CreateArchive(w http.ResponseWriter, r *http.Request) {
	var req core.ArchiveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := h.backend.SubmitArchive(r.Context(), r.Header.Get(UserHeader), req)
	if err != nil {
		HandleError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"job": job})
}

// CreateRetrieve handles POST /v1/retrieve
func (h *JobHandler) CreateRetrieve(w http.ResponseWriter, r *http.Request) {
	var req core.RetrieveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := h.backend.SubmitRetrieve(r.Context(), r.Header.Get(UserHeader), req)
	if err != nil {
		HandleError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"job": job})
}

// Get handles GET /v1/jobs/{id}
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.backend.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, core.NewValidationError("invalid JSON body", map[string]any{"reason": err.Error()}))
		return false
	}
	return true
}
