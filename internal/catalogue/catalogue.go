// Package catalogue is the scheduler's view of the tape catalogue: pools,
// their tapes and mount criteria, who may use them, and where completed
// transfers are recorded.
package catalogue

import (
	"context"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// Pool is a named set of tapes sharing mount policy.
type Pool struct {
	Name           string                        `json:"name"`
	LogicalLibrary string                        `json:"logical_library"`
	Priority       int                           `json:"priority"`
	Criteria       core.MountCriteriaByDirection `json:"criteria"`
}

// Tape is one cartridge of a pool.
type Tape struct {
	VID            string `json:"vid"`
	Pool           string `json:"pool"`
	LogicalLibrary string `json:"logical_library"`
	Full           bool   `json:"full"`
	Disabled       bool   `json:"disabled"`
	LastFSeq       uint64 `json:"last_fseq"`
}

// Writable reports whether archive mounts may append to the tape.
func (t Tape) Writable() bool { return !t.Full && !t.Disabled }

// DriveConfig declares a drive and the host that controls it.
type DriveConfig struct {
	Name           string `json:"name"`
	LogicalLibrary string `json:"logical_library"`
	Host           string `json:"host"`
	Ordinal        uint16 `json:"ordinal"`
}

// Catalogue is what the scheduler needs from the tape catalogue.
type Catalogue interface {
	Pools(ctx context.Context) ([]Pool, error)
	Pool(ctx context.Context, name string) (Pool, error)
	Tapes(ctx context.Context, pool string) ([]Tape, error)
	Drives(ctx context.Context) ([]DriveConfig, error)
	// Authorize fails when user may not submit transfers to pool.
	Authorize(ctx context.Context, user, pool string) error
	// RecordCompleted makes a finished transfer durable in the catalogue.
	RecordCompleted(ctx context.Context, job *core.Job) error
}
