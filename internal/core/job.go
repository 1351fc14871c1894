package core

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the transfer direction of a job or a mount.
type Direction string

const (
	DirectionArchive  Direction = "archive"
	DirectionRetrieve Direction = "retrieve"
)

// Directions lists every direction in scheduling order.
var Directions = []Direction{DirectionArchive, DirectionRetrieve}

// ParseDirection accepts the canonical names and their mount-type aliases.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "archive", "archival":
		return DirectionArchive, nil
	case "retrieve", "retrieval":
		return DirectionRetrieve, nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown direction %q", s), map[string]any{"direction": s})
}

// ArchiveSource describes the disk file an archive job copies to tape.
type ArchiveSource struct {
	SrcURL     string `json:"src_url"`
	DiskFileID string `json:"disk_file_id,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	TapeVID    string `json:"tape_vid,omitempty"`
	TapeFSeq   uint64 `json:"tape_fseq,omitempty"`
}

// RetrieveSource describes the tape file a retrieve job reads back to disk.
type RetrieveSource struct {
	VID     string `json:"vid"`
	FSeq    uint64 `json:"fseq"`
	BlockID uint64 `json:"block_id"`
	DstURL  string `json:"dst_url"`
}

// JobError records the most recent failure of a job.
type JobError struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	MountID string    `json:"mount_id,omitempty"`
	At      time.Time `json:"at"`
}

// Job is one file transfer request. Each job is stored as its own object and
// names the single container (queue or mount session) that owns it.
type Job struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	Pool      string          `json:"pool"`
	Size      uint64          `json:"size"`
	CreatedAt time.Time       `json:"created_at"`
	Requester string          `json:"requester,omitempty"`
	Archive   *ArchiveSource  `json:"archive,omitempty"`
	Retrieve  *RetrieveSource `json:"retrieve,omitempty"`
	Retries   int             `json:"retries"`
	LastError *JobError       `json:"last_error,omitempty"`
	Owner     string          `json:"owner"`
}

// VID returns the tape a retrieve job reads from, or the tape an archive job
// was written to once it completed.
func (j *Job) VID() string {
	switch {
	case j.Retrieve != nil:
		return j.Retrieve.VID
	case j.Archive != nil:
		return j.Archive.TapeVID
	}
	return ""
}

// RecordError stores err as the job's last error without touching the retry counter.
func (j *Job) RecordError(err error, mountID string, at time.Time) {
	j.LastError = &JobError{Code: CodeOf(err), Message: err.Error(), MountID: mountID, At: at}
}

// JobKey is the object-store key of a job.
func JobKey(id string) string { return "job." + id }

// JobKeyPrefix prefixes every job key.
const JobKeyPrefix = "job."
