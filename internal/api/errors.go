package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// ErrorBody is the error object of every failed request.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes a structured error response.
func WriteError(w http.ResponseWriter, status int, e *core.SchedError) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Details:   e.Details,
		RequestID: w.Header().Get("X-Request-Id"),
	}})
}

// HandleError maps err to an HTTP status by its error code. Errors without a
// code are reported as internal errors and their text is not exposed.
func HandleError(w http.ResponseWriter, err error) {
	var se *core.SchedError
	if !errors.As(err, &se) {
		slog.Error("internal error", "error", err, "request_id", w.Header().Get("X-Request-Id"))
		WriteError(w, http.StatusInternalServerError, core.NewInternalError("internal server error"))
		return
	}
	WriteError(w, StatusFor(se.Code), se)
}

// StatusFor returns the HTTP status of an error code.
func StatusFor(code string) int {
	switch code {
	case core.ErrCodeValidation:
		return http.StatusBadRequest
	case core.ErrCodeNotFound:
		return http.StatusNotFound
	case core.ErrCodeUnauthorized:
		return http.StatusForbidden
	case core.ErrCodeDuplicate, core.ErrCodeInvalidState, core.ErrCodeNotOwner, core.ErrCodeConflict:
		return http.StatusConflict
	case core.ErrCodeQuotaExceeded:
		return http.StatusTooManyRequests
	case core.ErrCodeUnavailable, core.ErrCodeNoDrive, core.ErrCodeNoTape:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
