// Package mount holds the persisted state of tape mounts and the transitions
// they may take.
package mount

import (
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// State is the lifecycle position of a mount.
type State string

const (
	StateSelected   State = "selected"
	StateMounted    State = "mounted"
	StateRunning    State = "running"
	StateUnmounting State = "unmounting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

var transitions = map[State][]State{
	StateSelected:   {StateMounted, StateFailed},
	StateMounted:    {StateRunning, StateUnmounting, StateFailed},
	StateRunning:    {StateUnmounting, StateFailed},
	StateUnmounting: {StateCompleted},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// LeaseRef identifies the mount-slot lease a mount runs under.
type LeaseRef struct {
	Resource   string `json:"resource"`
	Owner      string `json:"owner"`
	Generation uint64 `json:"generation"`
}

// ArchivalInfo is specific to mounts that write.
type ArchivalInfo struct {
	FilesOnTapeAtMount uint64 `json:"files_on_tape_at_mount"`
	LastFSeq           uint64 `json:"last_fseq"`
}

// RetrievalInfo is specific to mounts that read.
type RetrievalInfo struct {
	LastFSeqRead uint64 `json:"last_fseq_read"`
}

// Counters accumulate over the life of a mount.
type Counters struct {
	FilesTransferred uint64 `json:"files_transferred"`
	BytesTransferred uint64 `json:"bytes_transferred"`
	FilesFailed      uint64 `json:"files_failed"`
	FilesRequeued    uint64 `json:"files_requeued"`
}

// Mount is one tape mounted on one drive. Exactly one of Archival and
// Retrieval is set, matching Kind.
type Mount struct {
	ID             string         `json:"id"`
	Kind           core.Direction `json:"kind"`
	Pool           string         `json:"pool"`
	VID            string         `json:"vid"`
	Drive          string         `json:"drive"`
	LogicalLibrary string         `json:"logical_library,omitempty"`
	State          State          `json:"state"`
	Lease          LeaseRef       `json:"lease"`
	LeaseExpiry    time.Time      `json:"lease_expiry"`
	AbortRequested bool           `json:"abort_requested,omitempty"`
	AbortReason    string         `json:"abort_reason,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Counters       Counters       `json:"counters"`
	Archival       *ArchivalInfo  `json:"archival,omitempty"`
	Retrieval      *RetrievalInfo `json:"retrieval,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// New builds a mount in the selected state.
func New(id string, kind core.Direction, pool, vid, drive string, now time.Time) *Mount {
	m := &Mount{
		ID:        id,
		Kind:      kind,
		Pool:      pool,
		VID:       vid,
		Drive:     drive,
		State:     StateSelected,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == core.DirectionArchive {
		m.Archival = &ArchivalInfo{}
	} else {
		m.Retrieval = &RetrievalInfo{}
	}
	return m
}

// Session is the container that owns the jobs drained into this mount.
func (m *Mount) Session() core.QueueID {
	return core.SessionQueue(m.ID)
}

// Key is the object-store key of a mount.
func Key(id string) string { return keyPrefix + id }

const keyPrefix = "mount."
