package kv

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

const uniquePrefix = "unique."

// UniqueStore remembers which job was created for a request fingerprint so
// resubmitting the same transfer returns the existing job.
type UniqueStore struct {
	store Store
}

// NewUniqueStore creates a new UniqueStore.
func NewUniqueStore(store Store) *UniqueStore {
	return &UniqueStore{store: store}
}

// CheckAndSet attempts to claim fingerprint for jobID.
// Returns the existing job ID if the fingerprint is taken, empty string if claimed.
func (u *UniqueStore) CheckAndSet(ctx context.Context, fingerprint, jobID string) (string, error) {
	_, err := u.store.Create(ctx, uniquePrefix+fingerprint, []byte(jobID))
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, ErrExists) {
		return "", err
	}
	data, _, getErr := u.store.Get(ctx, uniquePrefix+fingerprint)
	if errors.Is(getErr, ErrNotFound) {
		// Released between our create and read; try once more.
		if _, err := u.store.Create(ctx, uniquePrefix+fingerprint, []byte(jobID)); err == nil {
			return "", nil
		}
		return "", fmt.Errorf("%w: %s", ErrConflict, fingerprint)
	}
	if getErr != nil {
		return "", getErr
	}
	return string(data), nil
}

// Release forgets fingerprint.
func (u *UniqueStore) Release(ctx context.Context, fingerprint string) error {
	return u.store.Delete(ctx, uniquePrefix+fingerprint, 0)
}

// ComputeFingerprint identifies the transfer a job performs independently of
// its id, so two submissions of the same file collide.
func ComputeFingerprint(job *core.Job) string {
	h := sha256.New()
	h.Write([]byte(string(job.Direction) + "\x00" + job.Pool + "\x00"))
	switch {
	case job.Archive != nil:
		h.Write([]byte(job.Archive.SrcURL + "\x00" + job.Archive.DiskFileID))
	case job.Retrieve != nil:
		h.Write([]byte(job.Retrieve.VID + "\x00" + strconv.FormatUint(job.Retrieve.FSeq, 10) + "\x00" + job.Retrieve.DstURL))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
