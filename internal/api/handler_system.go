package api

import (
	"context"
	"net/http"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// SystemHandler handles health checks.
type SystemHandler struct {
	store HealthChecker
	start time.Time
}

// NewSystemHandler creates a new SystemHandler. store may be nil when the
// scheduler runs on the in-memory store.
func NewSystemHandler(store HealthChecker) *SystemHandler {
	return &SystemHandler{store: store, start: time.Now()}
}

// HealthResponse is returned by GET /v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

// Health handles GET /v1/health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       core.Version,
		UptimeSeconds: int64(time.Since(h.start).Seconds()),
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Health(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
