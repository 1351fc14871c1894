package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// MountHandler handles mount listing and abort.
type MountHandler struct {
	backend Backend
}

// NewMountHandler creates a new MountHandler.
func NewMountHandler(backend Backend) *MountHandler {
	return &MountHandler{backend: backend}
}

// List handles GET /v1/mounts?active=true
func (h *MountHandler) List(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active") == "true"
	mounts, err := h.backend.Mounts(r.Context(), active)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mounts": mounts})
}

// Get handles GET /v1/mounts/{id}
func (h *MountHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.backend.Mount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"mount": m})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// Abort handles POST /v1/mounts/{id}/abort. The body is optional.
func (h *MountHandler) Abort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	m, err := h.backend.AbortMount(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"mount": m})
}

// Prune handles DELETE /v1/mounts?older_than=24h
func (h *MountHandler) Prune(w http.ResponseWriter, r *http.Request) {
	retention, err := time.ParseDuration(r.URL.Query().Get("older_than"))
	if err != nil || retention < 0 {
		WriteError(w, http.StatusBadRequest, core.NewValidationError("older_than must be a non-negative duration", nil))
		return
	}
	n, err := h.backend.PruneMounts(r.Context(), retention)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pruned": n})
}
