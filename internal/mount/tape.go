package mount

import (
	"context"
	"errors"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

const tapeKeyPrefix = "tape."

// TapeKey is the object key of a tape's write position.
func TapeKey(vid string) string { return tapeKeyPrefix + vid }

// TapePosition is the shared record of the last file written to a tape.
// Every archival mount starts from it, whichever scheduler runs the mount.
type TapePosition struct {
	VID       string    `json:"vid"`
	LastFSeq  uint64    `json:"last_fseq"`
	MountID   string    `json:"mount_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastFSeq returns the last file sequence recorded for vid, or 0 when
// nothing was ever written to it through this store.
func (s *Store) LastFSeq(ctx context.Context, vid string) (uint64, error) {
	var p TapePosition
	if _, err := s.objs.Get(ctx, TapeKey(vid), &p); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return p.LastFSeq, nil
}

// AdvanceFSeq records fseq as written to vid by mountID. The position never
// moves backwards.
func (s *Store) AdvanceFSeq(ctx context.Context, vid, mountID string, fseq uint64) error {
	_, _, err := kv.Mutate(ctx, s.objs, TapeKey(vid), func(cur *TapePosition, _ bool) error {
		cur.VID = vid
		if fseq > cur.LastFSeq {
			cur.LastFSeq = fseq
			cur.MountID = mountID
			cur.UpdatedAt = s.clock.Now()
		}
		return nil
	})
	return err
}
