// Package kv is the versioned object store every scheduler component shares.
package kv

import (
	"context"
	"errors"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

var (
	// ErrNotFound is returned when a key has no current value.
	ErrNotFound = errors.New("kv: key not found")
	// ErrExists is returned by Create when the key already has a value.
	ErrExists = errors.New("kv: key already exists")
	// ErrConflict is returned when a conditional write observes a newer version.
	ErrConflict = errors.New("kv: version conflict")
)

// ErrTooManyConflicts is returned when a read-modify-write loop exhausts its attempts.
var ErrTooManyConflicts = &core.SchedError{
	Code:      core.ErrCodeConflict,
	Message:   "too many conflicting updates",
	Retryable: true,
}

// Store is a key/value store with a per-key version that increases on every
// write. All conditional operations are atomic per key.
type Store interface {
	// Get returns the value and its version.
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	// Create writes value only if key has no current value.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes value only if the current version equals version.
	Update(ctx context.Context, key string, value []byte, version uint64) (uint64, error)
	// Delete removes key. A non-zero version makes the delete conditional.
	Delete(ctx context.Context, key string, version uint64) error
	// Keys lists current keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
