package core

import (
	"errors"
	"fmt"
)

// Error codes shared by every component. The API layer maps them to HTTP statuses.
const (
	ErrCodeValidation    = "validation_error"
	ErrCodeNotFound      = "not_found"
	ErrCodeDuplicate     = "duplicate"
	ErrCodeConflict      = "object_store_conflict"
	ErrCodeLeaseHeld     = "lease_held"
	ErrCodeLeaseExpired  = "lease_expired"
	ErrCodeLeaseLost     = "lease_lost"
	ErrCodeTransientJob  = "transient_job_error"
	ErrCodePermanentJob  = "permanent_job_error"
	ErrCodeDriveFault    = "drive_fault"
	ErrCodeQuotaExceeded = "quota_exceeded"
	ErrCodeNotOwner      = "not_owner"
	ErrCodeInvalidState  = "invalid_state"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeInternal      = "internal_error"
	ErrCodeNoDrive       = "no_drive_available"
	ErrCodeNoTape        = "no_tape_available"
	ErrCodeUnavailable   = "unavailable"
)

// SchedError is the structured error returned across package boundaries.
type SchedError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *SchedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SchedError) Unwrap() error { return e.Err }

// Is matches any SchedError carrying the same code, so wrapped sentinels
// compare equal to freshly constructed errors of the same kind.
func (e *SchedError) Is(target error) bool {
	var t *SchedError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// CodeOf returns the code of the first SchedError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) string {
	var se *SchedError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	var se *SchedError
	return errors.As(err, &se) && se.Code == code
}

// NewValidationError creates a validation error.
func NewValidationError(message string, details map[string]any) *SchedError {
	return &SchedError{Code: ErrCodeValidation, Message: message, Details: details}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(resource, id string) *SchedError {
	return &SchedError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewDuplicateError creates an error for an identifier that already exists.
func NewDuplicateError(resource, id string) *SchedError {
	return &SchedError{
		Code:    ErrCodeDuplicate,
		Message: fmt.Sprintf("%s '%s' already exists.", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewInvalidStateError creates an error for a rejected state transition.
func NewInvalidStateError(from, to string) *SchedError {
	return &SchedError{
		Code:    ErrCodeInvalidState,
		Message: fmt.Sprintf("transition %s -> %s is not allowed", from, to),
		Details: map[string]any{"from": from, "to": to},
	}
}

// NewTransientJobError marks a per-job failure that may succeed on retry.
func NewTransientJobError(message string, err error) *SchedError {
	return &SchedError{Code: ErrCodeTransientJob, Message: message, Retryable: true, Err: err}
}

// NewPermanentJobError marks a per-job failure that will never succeed.
func NewPermanentJobError(message string, err error) *SchedError {
	return &SchedError{Code: ErrCodePermanentJob, Message: message, Err: err}
}

// NewDriveFault marks an infrastructure failure of the drive itself.
func NewDriveFault(drive, message string, err error) *SchedError {
	return &SchedError{
		Code:      ErrCodeDriveFault,
		Message:   message,
		Retryable: true,
		Details:   map[string]any{"drive": drive},
		Err:       err,
	}
}

// NewQuotaExceededError reports that a pool already runs its maximum number of mounts.
func NewQuotaExceededError(pool string, dir Direction, active, quota int) *SchedError {
	return &SchedError{
		Code:      ErrCodeQuotaExceeded,
		Message:   fmt.Sprintf("pool %s already has %d/%d %s mounts", pool, active, quota, dir),
		Retryable: true,
		Details:   map[string]any{"pool": pool, "direction": string(dir), "active": active, "quota": quota},
	}
}

// NewUnauthorizedError creates an authorization failure.
func NewUnauthorizedError(user, pool string) *SchedError {
	return &SchedError{
		Code:    ErrCodeUnauthorized,
		Message: fmt.Sprintf("user '%s' may not submit to pool '%s'", user, pool),
		Details: map[string]any{"user": user, "pool": pool},
	}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *SchedError {
	return &SchedError{Code: ErrCodeInternal, Message: message, Retryable: true}
}
