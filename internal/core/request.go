package core

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// ArchiveRequest asks for a disk file to be copied to tape.
type ArchiveRequest struct {
	Pool       string `json:"pool"`
	SrcURL     string `json:"src_url"`
	Size       uint64 `json:"size"`
	DiskFileID string `json:"disk_file_id,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

// RetrieveRequest asks for a tape file to be copied back to disk.
type RetrieveRequest struct {
	Pool    string `json:"pool"`
	VID     string `json:"vid"`
	FSeq    uint64 `json:"fseq"`
	BlockID uint64 `json:"block_id"`
	DstURL  string `json:"dst_url"`
	Size    uint64 `json:"size"`
}

var vidPattern = regexp.MustCompile(`^[A-Z0-9]{1,6}$`)

// IsValidVID reports whether s is a volume identifier: one to six upper-case
// alphanumerics.
func IsValidVID(s string) bool {
	return vidPattern.MatchString(s)
}

// ValidateArchiveRequest checks an archive request.
func ValidateArchiveRequest(req *ArchiveRequest) *SchedError {
	if err := validatePool(req.Pool); err != nil {
		return err
	}
	if err := validateURL("src_url", req.SrcURL); err != nil {
		return err
	}
	if req.Size == 0 {
		return NewValidationError("size must be positive", map[string]any{"field": "size"})
	}
	return nil
}

// ValidateRetrieveRequest checks a retrieve request.
func ValidateRetrieveRequest(req *RetrieveRequest) *SchedError {
	if err := validatePool(req.Pool); err != nil {
		return err
	}
	if !IsValidVID(req.VID) {
		return NewValidationError(fmt.Sprintf("invalid vid %q", req.VID), map[string]any{"field": "vid"})
	}
	if req.FSeq == 0 {
		return NewValidationError("fseq must be positive", map[string]any{"field": "fseq"})
	}
	if err := validateURL("dst_url", req.DstURL); err != nil {
		return err
	}
	if req.Size == 0 {
		return NewValidationError("size must be positive", map[string]any{"field": "size"})
	}
	return nil
}

func validatePool(pool string) *SchedError {
	if pool == "" {
		return NewValidationError("pool is required", map[string]any{"field": "pool"})
	}
	if !IsValidName(pool) {
		return NewValidationError(fmt.Sprintf("invalid pool name %q", pool), map[string]any{"field": "pool"})
	}
	return nil
}

func validateURL(field, raw string) *SchedError {
	if raw == "" {
		return NewValidationError(field+" is required", map[string]any{"field": field})
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return NewValidationError(fmt.Sprintf("%s must be an absolute URL", field), map[string]any{"field": field})
	}
	return nil
}

// NewArchiveJob builds an archive job from a validated request.
func NewArchiveJob(req *ArchiveRequest, requester string, now time.Time) *Job {
	return &Job{
		ID:        NewUUIDv7(),
		Direction: DirectionArchive,
		Pool:      req.Pool,
		Size:      req.Size,
		CreatedAt: now,
		Requester: requester,
		Archive: &ArchiveSource{
			SrcURL:     req.SrcURL,
			DiskFileID: req.DiskFileID,
			Checksum:   req.Checksum,
		},
	}
}

// NewRetrieveJob builds a retrieve job from a validated request.
func NewRetrieveJob(req *RetrieveRequest, requester string, now time.Time) *Job {
	return &Job{
		ID:        NewUUIDv7(),
		Direction: DirectionRetrieve,
		Pool:      req.Pool,
		Size:      req.Size,
		CreatedAt: now,
		Requester: requester,
		Retrieve: &RetrieveSource{
			VID:     req.VID,
			FSeq:    req.FSeq,
			BlockID: req.BlockID,
			DstURL:  req.DstURL,
		},
	}
}
