package scheduler

import (
	"context"
	"fmt"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/lease"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
)

// Reap recovers mounts whose owner stopped renewing their slot lease. The
// first scheduler to notice marks the mount failed (or completed, when it was
// already unmounting) and hands its jobs back to the transfer queue with
// their retry counters untouched. Their drive and tape leases expire on
// their own, so the drive is acquirable again in the same poll.
//
// Terminal mounts whose session still holds jobs, left behind when a
// scheduler died between marking a mount and returning its jobs, are swept
// as well.
func (s *Scheduler) Reap(ctx context.Context) (int, error) {
	mounts, err := s.mounts.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing mounts: %w", err)
	}
	recovered := 0
	for _, m := range mounts {
		if s.isLocal(m.ID) {
			continue
		}
		if m.State.IsTerminal() {
			s.sweep(ctx, m)
			continue
		}
		live, err := s.leases.IsLive(ctx, &lease.Lease{
			Resource:   m.Lease.Resource,
			Owner:      m.Lease.Owner,
			Generation: m.Lease.Generation,
		})
		if err != nil {
			return recovered, err
		}
		if live {
			continue
		}
		ok, err := s.recover(ctx, m)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

func (s *Scheduler) recover(ctx context.Context, m *mount.Mount) (bool, error) {
	to := mount.StateFailed
	if m.State == mount.StateUnmounting {
		to = mount.StateCompleted
	}
	updated, err := s.mounts.Transition(ctx, m.ID, []mount.State{m.State}, to, func(cur *mount.Mount) {
		if to == mount.StateFailed {
			cur.FailureReason = "lease expired"
		}
	})
	if core.HasCode(err, core.ErrCodeInvalidState) || core.HasCode(err, core.ErrCodeNotFound) {
		// Another scheduler got there first, or the owner moved on.
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.queues.ReconcileQueue(ctx, m.Session()); err != nil {
		s.log.Warn("reconciling orphaned session", "mount_id", m.ID, "error", err)
	}
	n, err := s.returnJobs(ctx, updated)
	if err != nil {
		return true, fmt.Errorf("returning jobs of mount %s: %w", m.ID, err)
	}
	s.dropSessionQueue(ctx, updated)

	s.metrics.MountFinished(updated.Pool, updated.Kind, string(to))
	s.log.Warn("recovered orphaned mount", "mount_id", m.ID, "pool", m.Pool, "drive", m.Drive,
		"owner", m.Lease.Owner, "state", m.State, "returned_jobs", n)
	s.publish(ctx, core.Event{
		Kind:      core.EventMountRecovered,
		MountID:   m.ID,
		Pool:      m.Pool,
		Direction: m.Kind,
		Drive:     m.Drive,
		VID:       m.VID,
		State:     string(to),
		Message:   fmt.Sprintf("owner %s stopped renewing, %d jobs returned", m.Lease.Owner, n),
	})
	return true, nil
}

func (s *Scheduler) sweep(ctx context.Context, m *mount.Mount) {
	stats, err := s.queues.Stats(ctx, m.Session())
	if err != nil || stats.Count == 0 {
		return
	}
	n, err := s.returnJobs(ctx, m)
	if err != nil {
		s.log.Warn("sweeping finished session", "mount_id", m.ID, "error", err)
		return
	}
	if n > 0 {
		s.log.Info("returned jobs left in finished session", "mount_id", m.ID, "count", n)
	}
	s.dropSessionQueue(ctx, m)
}

func (s *Scheduler) dropSessionQueue(ctx context.Context, m *mount.Mount) {
	if _, err := s.queues.DeleteIfEmpty(ctx, m.Session()); err != nil {
		s.log.Warn("deleting session queue", "mount_id", m.ID, "error", err)
	}
}
