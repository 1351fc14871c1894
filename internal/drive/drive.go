// Package drive abstracts the tape drives a scheduler process controls.
package drive

import (
	"context"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// Status is a snapshot of the drive.
type Status struct {
	Ready      bool   `json:"ready"`
	VID        string `json:"vid,omitempty"`
	FSeq       uint64 `json:"fseq"`
	WriteProt  bool   `json:"write_protected"`
	BlocksDone uint64 `json:"blocks_done"`
}

// Device is the block-level interface of a drive with a tape loaded.
type Device interface {
	WriteBlock(ctx context.Context, block []byte) error
	ReadBlock(ctx context.Context, block []byte) (int, error)
	WriteSyncFileMarks(ctx context.Context, n int) error
	Stat(ctx context.Context) (Status, error)
}

// Drive is one tape drive attached to this host.
//
// Transfer errors are classified with core error codes: a drive fault
// (core.ErrCodeDriveFault) aborts the whole mount, a permanent job error is
// never retried, and anything else counts as a transient job error.
type Drive interface {
	Device
	Name() string
	LogicalLibrary() string
	// Mount loads vid and returns once the drive reports it ready.
	Mount(ctx context.Context, vid string, readOnly bool) error
	// Unmount rewinds and dismounts the current tape.
	Unmount(ctx context.Context) error
	// Transfer copies one job's file between disk and the loaded tape.
	Transfer(ctx context.Context, job *core.Job) error
}

// Classify maps a transfer error onto one of the three outcomes.
func Classify(err error) string {
	switch core.CodeOf(err) {
	case core.ErrCodeDriveFault:
		return core.ErrCodeDriveFault
	case core.ErrCodePermanentJob:
		return core.ErrCodePermanentJob
	}
	return core.ErrCodeTransientJob
}
