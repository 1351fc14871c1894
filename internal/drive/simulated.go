package drive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

// BlockSize is the block size of simulated tapes.
const BlockSize = 256 * 1024

// Changer moves cartridges in and out of drives.
type Changer interface {
	Mount(ctx context.Context, drive uint16, vid string, readOnly bool) error
	Dismount(ctx context.Context, drive uint16, vid string, force bool) error
}

// Simulated is a drive that keeps block counts instead of data. It can drive
// a real media changer so library robotics are exercised without tape I/O.
// Hooks let tests inject faults.
type Simulated struct {
	name    string
	library string
	ordinal uint16
	changer Changer
	log     *slog.Logger

	// MountHook, when set, is consulted before every mount.
	MountHook func(vid string) error
	// TransferHook, when set, decides the outcome of every transfer.
	TransferHook func(job *core.Job) error

	mu        sync.Mutex
	status    Status
	transfers []string
}

// SimOption configures a Simulated drive.
type SimOption func(*Simulated)

// WithChanger routes mounts and unmounts through c using the drive's ordinal
// in the library.
func WithChanger(c Changer, ordinal uint16) SimOption {
	return func(s *Simulated) {
		s.changer = c
		s.ordinal = ordinal
	}
}

// NewSimulated creates a simulated drive.
func NewSimulated(name, library string, opts ...SimOption) *Simulated {
	s := &Simulated{name: name, library: library, log: slog.Default().With("drive", name)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulated) Name() string           { return s.name }
func (s *Simulated) LogicalLibrary() string { return s.library }

func (s *Simulated) Mount(ctx context.Context, vid string, readOnly bool) error {
	if s.MountHook != nil {
		if err := s.MountHook(vid); err != nil {
			return err
		}
	}
	s.mu.Lock()
	current := s.status.VID
	s.mu.Unlock()
	if current != "" && current != vid {
		return core.NewDriveFault(s.name, fmt.Sprintf("drive still holds %s", current), nil)
	}
	if s.changer != nil {
		if err := s.changer.Mount(ctx, s.ordinal, vid, readOnly); err != nil {
			return core.NewDriveFault(s.name, "library mount failed", err)
		}
	}
	s.mu.Lock()
	s.status = Status{Ready: true, VID: vid, WriteProt: readOnly}
	s.mu.Unlock()
	s.log.Info("tape mounted", "vid", vid, "read_only", readOnly)
	return nil
}

func (s *Simulated) Unmount(ctx context.Context) error {
	s.mu.Lock()
	vid := s.status.VID
	s.mu.Unlock()
	if vid == "" {
		return nil
	}
	if s.changer != nil {
		if err := s.changer.Dismount(ctx, s.ordinal, vid, false); err != nil {
			return core.NewDriveFault(s.name, "library dismount failed", err)
		}
	}
	s.mu.Lock()
	s.status = Status{}
	s.mu.Unlock()
	s.log.Info("tape unmounted", "vid", vid)
	return nil
}

func (s *Simulated) ready() error {
	if !s.status.Ready {
		return core.NewDriveFault(s.name, "no tape loaded", nil)
	}
	return nil
}

func (s *Simulated) WriteBlock(ctx context.Context, block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	if s.status.WriteProt {
		return core.NewPermanentJobError("tape is write protected", nil)
	}
	s.status.BlocksDone++
	return nil
}

func (s *Simulated) ReadBlock(ctx context.Context, block []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return 0, err
	}
	s.status.BlocksDone++
	return len(block), nil
}

func (s *Simulated) WriteSyncFileMarks(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}
	s.status.FSeq += uint64(n)
	return nil
}

func (s *Simulated) Stat(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// Transfer moves job.Size bytes in BlockSize blocks, closing archived files
// with a file mark.
func (s *Simulated) Transfer(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	err := s.ready()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.TransferHook != nil {
		if err := s.TransferHook(job); err != nil {
			return err
		}
	}

	block := make([]byte, BlockSize)
	for left := job.Size; left > 0; {
		if err := ctx.Err(); err != nil {
			return core.NewTransientJobError("transfer interrupted", err)
		}
		n := uint64(BlockSize)
		if left < n {
			n = left
		}
		if job.Direction == core.DirectionArchive {
			err = s.WriteBlock(ctx, block[:n])
		} else {
			_, err = s.ReadBlock(ctx, block[:n])
		}
		if err != nil {
			return err
		}
		left -= n
	}
	if job.Direction == core.DirectionArchive {
		if err := s.WriteSyncFileMarks(ctx, 1); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.transfers = append(s.transfers, job.ID)
	s.mu.Unlock()
	return nil
}

// Loaded returns the vid currently in the drive.
func (s *Simulated) Loaded() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.VID
}

// Transfers returns the ids of jobs transferred so far, in order.
func (s *Simulated) Transfers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transfers...)
}
