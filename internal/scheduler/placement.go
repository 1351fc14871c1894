package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-tape-scheduler/internal/catalogue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/criteria"
	"github.com/openjobspec/ojs-tape-scheduler/internal/drive"
	"github.com/openjobspec/ojs-tape-scheduler/internal/lease"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
)

// retrieveScan bounds how many queued retrievals are looked at when picking
// the tape of a new retrieval mount.
const retrieveScan = 256

// startMount claims a quota slot, a drive and a tape for c, records the mount
// and hands its first batch to a new session. Any failure before the session
// starts releases what was claimed.
func (s *Scheduler) startMount(ctx context.Context, c candidate) (err error) {
	crit := c.pool.Criteria.For(c.dir)
	live, err := s.leases.Live(ctx, lease.SlotPrefix(c.dir, c.pool.Name))
	if err != nil {
		return fmt.Errorf("counting mounts: %w", err)
	}
	if !criteria.QuotaAllows(len(live), crit) {
		return core.NewQuotaExceededError(c.pool.Name, c.dir, len(live), int(crit.Quota))
	}

	mountID := core.NewUUIDv7()
	owner := s.owner(mountID)
	attrs := lease.Attributes{Pool: c.pool.Name, Direction: c.dir, MountID: mountID}

	var held []*lease.Lease
	var drv drive.Drive
	defer func() {
		if err == nil {
			return
		}
		if drv != nil {
			s.unreserve(drv.Name(), mountID)
		}
		rctx, cancel := cleanupContext()
		defer cancel()
		s.releaseAll(rctx, held)
	}()

	slot, err := s.acquireSlot(ctx, c, owner, attrs, int(crit.Quota))
	if err != nil {
		return err
	}
	held = append(held, slot)

	drv, drvLease, err := s.acquireDrive(ctx, c.pool.LogicalLibrary, mountID, owner, attrs)
	if err != nil {
		return err
	}
	held = append(held, drvLease)
	attrs.Drive = drv.Name()

	tape, tapeLease, err := s.acquireTape(ctx, c, owner, attrs)
	if err != nil {
		return err
	}
	held = append(held, tapeLease)

	m := mount.New(mountID, c.dir, c.pool.Name, tape.VID, drv.Name(), s.clock.Now())
	m.LogicalLibrary = drv.LogicalLibrary()
	m.Lease = mount.LeaseRef{Resource: slot.Resource, Owner: owner, Generation: slot.Generation}
	m.LeaseExpiry = slot.Expiry
	if m.Archival != nil {
		fseq, err := s.mounts.LastFSeq(ctx, tape.VID)
		if err != nil {
			return fmt.Errorf("reading tape position: %w", err)
		}
		fseq = max(fseq, tape.LastFSeq)
		m.Archival.FilesOnTapeAtMount = fseq
		m.Archival.LastFSeq = fseq
	}
	if err := s.mounts.Create(ctx, m); err != nil {
		return fmt.Errorf("recording mount: %w", err)
	}

	sess := s.newSession(m, drv, owner, held)
	n, err := s.fill(ctx, sess)
	if err != nil || n == 0 {
		reason := "no jobs to drain"
		if err != nil {
			reason = err.Error()
		}
		s.failUnstarted(ctx, sess, reason)
		return err
	}

	s.mu.Lock()
	s.sessions[mountID] = sess
	s.mu.Unlock()
	s.metrics.MountStarted(c.pool.Name, c.dir)
	s.log.Info("mount selected", "mount_id", mountID, "pool", c.pool.Name, "direction", c.dir,
		"vid", tape.VID, "drive", drv.Name(), "jobs", n)
	s.publish(ctx, mountEvent(m, "selected"))

	s.running.Add(1)
	go s.runSession(sess)
	return nil
}

// acquireSlot takes the first free mount slot of the pool. Slots bound the
// number of concurrent mounts across all schedulers.
func (s *Scheduler) acquireSlot(ctx context.Context, c candidate, owner string, attrs lease.Attributes, quota int) (*lease.Lease, error) {
	for n := 0; n < quota; n++ {
		l, err := s.leases.Acquire(ctx, lease.SlotResource(c.dir, c.pool.Name, n), owner, s.cfg.LeaseTTL, attrs)
		if err == nil {
			s.metrics.LeaseAcquire("slot", "acquired")
			return l, nil
		}
		if !errors.Is(err, lease.ErrHeld) {
			return nil, err
		}
	}
	s.metrics.LeaseAcquire("slot", "held")
	return nil, core.NewQuotaExceededError(c.pool.Name, c.dir, quota, quota)
}

// acquireDrive leases the first local drive of library that is neither busy
// here, cooling down after a fault, nor leased by another scheduler.
func (s *Scheduler) acquireDrive(ctx context.Context, library, mountID, owner string, attrs lease.Attributes) (drive.Drive, *lease.Lease, error) {
	for _, d := range s.drives {
		if library != "" && d.LogicalLibrary() != library {
			continue
		}
		if !s.reserve(d.Name(), mountID) {
			continue
		}
		a := attrs
		a.Drive = d.Name()
		l, err := s.leases.Acquire(ctx, lease.DriveResource(d.Name()), owner, s.cfg.LeaseTTL, a)
		if err == nil {
			s.metrics.LeaseAcquire("drive", "acquired")
			return d, l, nil
		}
		s.unreserve(d.Name(), mountID)
		if !errors.Is(err, lease.ErrHeld) {
			return nil, nil, err
		}
		s.metrics.LeaseAcquire("drive", "held")
	}
	return nil, nil, &core.SchedError{
		Code:      core.ErrCodeNoDrive,
		Message:   fmt.Sprintf("no free drive in library %q", library),
		Retryable: true,
	}
}

// acquireTape picks the tape for a new mount. Archives go to the first
// writable tape of the pool nobody else has mounted; retrievals go to the
// tape holding the oldest queued retrieval that is free.
func (s *Scheduler) acquireTape(ctx context.Context, c candidate, owner string, attrs lease.Attributes) (catalogue.Tape, *lease.Lease, error) {
	var tapes []catalogue.Tape
	if c.dir == core.DirectionArchive {
		all, err := s.cat.Tapes(ctx, c.pool.Name)
		if err != nil {
			return catalogue.Tape{}, nil, fmt.Errorf("listing tapes: %w", err)
		}
		for _, t := range all {
			if t.Writable() {
				tapes = append(tapes, t)
			}
		}
	} else {
		jobs, err := s.queues.Jobs(ctx, c.queue(), retrieveScan)
		if err != nil {
			return catalogue.Tape{}, nil, err
		}
		seen := make(map[string]bool)
		for _, j := range jobs {
			if vid := j.VID(); vid != "" && !seen[vid] {
				seen[vid] = true
				tapes = append(tapes, catalogue.Tape{VID: vid, Pool: c.pool.Name})
			}
		}
	}

	for _, t := range tapes {
		a := attrs
		a.VID = t.VID
		l, err := s.leases.Acquire(ctx, lease.TapeResource(t.VID), owner, s.cfg.LeaseTTL, a)
		if err == nil {
			s.metrics.LeaseAcquire("tape", "acquired")
			return t, l, nil
		}
		if !errors.Is(err, lease.ErrHeld) {
			return catalogue.Tape{}, nil, err
		}
		s.metrics.LeaseAcquire("tape", "held")
	}
	return catalogue.Tape{}, nil, &core.SchedError{
		Code:      core.ErrCodeNoTape,
		Message:   fmt.Sprintf("no free tape for %s in pool %s", c.dir, c.pool.Name),
		Retryable: true,
	}
}

// reserve marks a drive as used by mountID in this process.
func (s *Scheduler) reserve(name, mountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.busy[name]; ok {
		return false
	}
	if until, ok := s.faulted[name]; ok {
		if s.clock.Now().Before(until) {
			return false
		}
		delete(s.faulted, name)
	}
	s.busy[name] = mountID
	return true
}

func (s *Scheduler) unreserve(name, mountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy[name] == mountID {
		delete(s.busy, name)
	}
}

func mountEvent(m *mount.Mount, state string) core.Event {
	return core.Event{
		Kind:      core.EventMountState,
		MountID:   m.ID,
		Pool:      m.Pool,
		Direction: m.Kind,
		Drive:     m.Drive,
		VID:       m.VID,
		State:     state,
		Message:   m.FailureReason,
	}
}
