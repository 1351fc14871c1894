package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

const defaultFailedLimit = 100

// QueueHandler handles queue inspection and failed-job administration.
type QueueHandler struct {
	backend Backend
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(backend Backend) *QueueHandler {
	return &QueueHandler{backend: backend}
}

// List handles GET /v1/queues
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	queues, err := h.backend.Queues(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queues": queues})
}

// Stats handles GET /v1/queues/{direction}/{pool}/{type}
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	dir, err := core.ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		HandleError(w, err)
		return
	}
	qt, err := core.ParseQueueType(chi.URLParam(r, "type"))
	if err != nil {
		HandleError(w, err)
		return
	}
	q := core.PoolQueue(dir, chi.URLParam(r, "pool"), qt)
	stats, err := h.backend.QueueStats(r.Context(), q)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"queue": q, "stats": stats})
}

// Failed handles GET /v1/failed/{direction}/{pool}?limit=N
func (h *QueueHandler) Failed(w http.ResponseWriter, r *http.Request) {
	dir, err := core.ParseDirection(chi.URLParam(r, "direction"))
	if err != nil {
		HandleError(w, err)
		return
	}
	limit := defaultFailedLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, core.NewValidationError("limit must be a positive integer", map[string]any{"limit": v}))
			return
		}
		limit = n
	}
	jobs, err := h.backend.FailedJobs(r.Context(), dir, chi.URLParam(r, "pool"), limit)
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// Retry handles POST /v1/failed/{id}/retry
func (h *QueueHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.backend.RetryFailed(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}

// Delete handles DELETE /v1/failed/{id}
func (h *QueueHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteFailed(r.Context(), chi.URLParam(r, "id")); err != nil {
		HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile handles POST /v1/admin/reconcile
func (h *QueueHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	changed, err := h.backend.Reconcile(r.Context())
	if err != nil {
		HandleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"changed": changed})
}
