package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/drive"
	"github.com/openjobspec/ojs-tape-scheduler/internal/lease"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
)

var (
	errAborted    = errors.New("mount aborted")
	errSuperseded = errors.New("mount taken over by another scheduler")
)

// session is the in-process side of one mount: the goroutine that owns the
// drive, the leases it keeps alive and the local copy of the mount record.
type session struct {
	mount    *mount.Mount
	drive    drive.Drive
	owner    string
	transfer core.QueueID
	mounted  bool
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	leases []*lease.Lease

	stopHeartbeat func()
	heartbeatOnce sync.Once
}

// haltHeartbeat stops lease renewal. Called before the leases are released.
func (sess *session) haltHeartbeat() {
	sess.heartbeatOnce.Do(func() {
		if sess.stopHeartbeat != nil {
			sess.stopHeartbeat()
		}
	})
}

func (s *Scheduler) newSession(m *mount.Mount, drv drive.Drive, owner string, leases []*lease.Lease) *session {
	ctx, cancel := context.WithCancelCause(s.ctx)
	return &session{
		mount:    m,
		drive:    drv,
		owner:    owner,
		transfer: core.PoolQueue(m.Kind, m.Pool, core.QueueJobsToTransfer),
		log:      s.log.With("mount_id", m.ID, "pool", m.Pool, "drive", drv.Name(), "vid", m.VID),
		ctx:      ctx,
		cancel:   cancel,
		leases:   append([]*lease.Lease(nil), leases...),
	}
}

func (sess *session) heldLeases() []*lease.Lease {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]*lease.Lease(nil), sess.leases...)
}

// slotExpiry is the expiry of the mount slot lease, the one other schedulers
// watch.
func (sess *session) slotExpiry() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.leases) == 0 {
		return time.Time{}
	}
	return sess.leases[0].Expiry
}

// fill drains up to one batch of jobs from the pool's transfer queue into the
// session. Retrieval sessions only take jobs on their own tape.
func (s *Scheduler) fill(ctx context.Context, sess *session) (int, error) {
	m := sess.mount
	keep := func(j *core.Job) bool {
		return m.Kind == core.DirectionArchive || j.VID() == m.VID
	}
	jobs, err := s.queues.JobsWhere(ctx, sess.transfer, s.cfg.BatchSize, keep)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		_, err := s.queues.Move(ctx, j.ID, sess.transfer, m.Session(), queue.MoveOptions{PreserveAge: true})
		if errors.Is(err, queue.ErrNotOwner) || core.HasCode(err, core.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Scheduler) runSession(sess *session) {
	defer s.running.Done()

	sess.stopHeartbeat = s.startHeartbeat(sess)
	defer sess.haltHeartbeat()
	err := s.transferAll(sess)

	ctx, cancel := cleanupContext()
	defer cancel()
	if err == nil {
		err = s.finish(ctx, sess)
	}
	if err != nil {
		s.abandon(ctx, sess, err)
	}
	s.endSession(sess)
}

// transferAll loads the tape and works through the session's batch. The
// session ends once the batch is drained so the drive goes back to the poll
// loop, which hands it to whichever pool is most deserving by then.
func (s *Scheduler) transferAll(sess *session) error {
	ctx := sess.ctx
	m := sess.mount

	mctx, cancel := context.WithTimeout(ctx, s.cfg.DriveTimeout)
	err := sess.drive.Mount(mctx, m.VID, m.Kind == core.DirectionRetrieve)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !core.HasCode(err, core.ErrCodeDriveFault) {
			err = core.NewDriveFault(sess.drive.Name(), "mounting "+m.VID, err)
		}
		return err
	}
	sess.mounted = true
	if err := s.transition(ctx, sess, mount.StateMounted, nil); err != nil {
		return err
	}
	if err := s.transition(ctx, sess, mount.StateRunning, nil); err != nil {
		return err
	}

	jobs, err := s.queues.Jobs(ctx, m.Session(), 0)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.checkpoint(ctx, sess); err != nil {
			return err
		}
		if err := s.transferOne(ctx, sess, job); err != nil {
			return err
		}
	}
	return s.saveProgress(ctx, sess)
}

// checkpoint runs at every job boundary. It stops the session when it was
// cancelled, aborted, or its mount record was changed by someone else.
func (s *Scheduler) checkpoint(ctx context.Context, sess *session) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	cur, err := s.mounts.Get(ctx, sess.mount.ID)
	if err != nil {
		return err
	}
	if cur.State != sess.mount.State {
		return fmt.Errorf("%w: mount is %s", errSuperseded, cur.State)
	}
	if cur.AbortRequested {
		sess.mount.AbortRequested = true
		sess.mount.AbortReason = cur.AbortReason
		return fmt.Errorf("%w: %s", errAborted, cur.AbortReason)
	}
	return nil
}

// transferOne copies one job and routes it by outcome. Only a drive fault
// or losing the session is returned as an error.
func (s *Scheduler) transferOne(ctx context.Context, sess *session, job *core.Job) error {
	m := sess.mount
	err := sess.drive.Transfer(ctx, job)
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	h := m.Handler()
	now := s.clock.Now()
	report := core.PoolQueue(m.Kind, m.Pool, core.QueueJobsToReport)
	failed := core.PoolQueue(m.Kind, m.Pool, core.QueueFailedJobs)

	var to core.QueueID
	var opts queue.MoveOptions
	switch {
	case err == nil:
		h.OnJobComplete(m, job)
		if m.Archival != nil {
			if err := s.mounts.AdvanceFSeq(ctx, m.VID, m.ID, m.Archival.LastFSeq); err != nil {
				return fmt.Errorf("recording tape position: %w", err)
			}
		}
		archive, retrieve := job.Archive, job.Retrieve
		to = report
		opts.Update = func(j *core.Job) {
			j.Archive = archive
			j.Retrieve = retrieve
		}
	case drive.Classify(err) == core.ErrCodeDriveFault:
		to = sess.transfer
		opts.PreserveAge = true
		opts.Update = func(j *core.Job) { j.RecordError(err, m.ID, now) }
		if _, moveErr := s.queues.Move(ctx, job.ID, m.Session(), to, opts); moveErr != nil {
			sess.log.Warn("requeueing job after drive fault", "job_id", job.ID, "error", moveErr)
		}
		return err
	case drive.Classify(err) == core.ErrCodePermanentJob:
		h.OnJobFailed(m, job, err)
		to = failed
		opts.Update = func(j *core.Job) { j.RecordError(err, m.ID, now) }
	default:
		h.OnJobFailed(m, job, err)
		retries := job.Retries + 1
		to = failed
		if retries <= s.cfg.RetryLimit {
			to = sess.transfer
			m.Counters.FilesRequeued++
		}
		opts.Update = func(j *core.Job) {
			j.Retries = retries
			j.RecordError(err, m.ID, now)
		}
	}
	if err != nil {
		sess.log.Warn("transfer failed", "job_id", job.ID, "error", err, "to", to.Type)
	}

	if _, err := s.queues.Move(ctx, job.ID, m.Session(), to, opts); err != nil {
		if errors.Is(err, queue.ErrNotOwner) {
			return fmt.Errorf("%w: %v", errSuperseded, err)
		}
		return fmt.Errorf("routing job %s: %w", job.ID, err)
	}
	s.metrics.JobRouted(to)
	return nil
}

// transition moves the mount to the next state from the one the session
// last saw, writing the session's progress along with it.
func (s *Scheduler) transition(ctx context.Context, sess *session, to mount.State, fn func(*mount.Mount)) error {
	m := sess.mount
	counters, archival, retrieval := m.Counters, m.Archival, m.Retrieval
	expiry := sess.slotExpiry()
	updated, err := s.mounts.Transition(ctx, m.ID, []mount.State{m.State}, to, func(cur *mount.Mount) {
		cur.Counters = counters
		cur.Archival = archival
		cur.Retrieval = retrieval
		cur.LeaseExpiry = expiry
		if fn != nil {
			fn(cur)
		}
	})
	if err != nil {
		if core.HasCode(err, core.ErrCodeInvalidState) {
			return fmt.Errorf("%w: %v", errSuperseded, err)
		}
		return fmt.Errorf("mount %s to %s: %w", m.ID, to, err)
	}
	m.State = updated.State
	m.UpdatedAt = updated.UpdatedAt
	m.FinishedAt = updated.FinishedAt
	m.FailureReason = updated.FailureReason
	sess.log.Debug("mount state changed", "state", to)
	return nil
}

func (s *Scheduler) saveProgress(ctx context.Context, sess *session) error {
	m := sess.mount
	counters, archival, retrieval := m.Counters, m.Archival, m.Retrieval
	expiry := sess.slotExpiry()
	_, err := s.mounts.Update(ctx, m.ID, func(cur *mount.Mount) error {
		if cur.State != m.State {
			return fmt.Errorf("%w: mount is %s", errSuperseded, cur.State)
		}
		cur.Counters = counters
		cur.Archival = archival
		cur.Retrieval = retrieval
		cur.LeaseExpiry = expiry
		return nil
	})
	return err
}

// finish dismounts after the batch drained: unmounting, leases released,
// completed.
func (s *Scheduler) finish(ctx context.Context, sess *session) error {
	if err := s.transition(ctx, sess, mount.StateUnmounting, nil); err != nil {
		return err
	}
	s.unmount(ctx, sess)
	sess.haltHeartbeat()
	s.releaseAll(ctx, sess.heldLeases())
	if err := s.transition(ctx, sess, mount.StateCompleted, nil); err != nil {
		sess.log.Warn("completing mount", "error", err)
	}
	s.dropSessionQueue(ctx, sess.mount)
	s.metrics.MountFinished(sess.mount.Pool, sess.mount.Kind, string(mount.StateCompleted))
	s.publish(ctx, mountEvent(sess.mount, string(mount.StateCompleted)))
	sess.log.Info("mount completed",
		"files", sess.mount.Counters.FilesTransferred,
		"bytes", sess.mount.Counters.BytesTransferred,
		"failed", sess.mount.Counters.FilesFailed)
	return nil
}

// abandon ends a session that cannot continue. The mount is marked failed
// unless someone else already did, the session's jobs go back to the
// transfer queue without touching their retry counters, and the drive is
// dismounted and released.
func (s *Scheduler) abandon(ctx context.Context, sess *session, cause error) {
	m := sess.mount
	fault := core.HasCode(cause, core.ErrCodeDriveFault)
	reason := cause.Error()
	switch {
	case errors.Is(cause, errAborted):
		reason = "aborted: " + m.AbortReason
	case errors.Is(cause, errShutdown):
		reason = errShutdown.Error()
	}

	if !m.State.IsTerminal() {
		err := s.transition(ctx, sess, mount.StateFailed, func(cur *mount.Mount) {
			cur.FailureReason = reason
		})
		if err != nil {
			sess.log.Warn("marking mount failed", "error", err)
		}
	}
	if n, err := s.returnJobs(ctx, m); err != nil {
		sess.log.Error("returning session jobs", "error", err, "returned", n)
	} else if n > 0 {
		sess.log.Info("returned session jobs", "count", n)
	}

	if fault {
		s.mu.Lock()
		s.faulted[sess.drive.Name()] = s.clock.Now().Add(s.cfg.DriveFaultCooldown)
		s.mu.Unlock()
		s.metrics.DriveFault(sess.drive.Name())
		s.publish(ctx, core.Event{
			Kind:      core.EventDriveFault,
			MountID:   m.ID,
			Pool:      m.Pool,
			Direction: m.Kind,
			Drive:     sess.drive.Name(),
			VID:       m.VID,
			Message:   cause.Error(),
		})
	}
	s.unmount(ctx, sess)
	sess.haltHeartbeat()
	s.releaseAll(ctx, sess.heldLeases())
	s.dropSessionQueue(ctx, sess.mount)

	s.metrics.MountFinished(m.Pool, m.Kind, string(mount.StateFailed))
	s.publish(ctx, mountEvent(m, string(mount.StateFailed)))
	sess.log.Warn("mount failed", "reason", reason)
}

// failUnstarted undoes a mount whose session never ran.
func (s *Scheduler) failUnstarted(ctx context.Context, sess *session, reason string) {
	rctx, cancel := cleanupContext()
	defer cancel()
	err := s.transition(rctx, sess, mount.StateFailed, func(cur *mount.Mount) {
		cur.FailureReason = reason
	})
	if err != nil {
		sess.log.Warn("marking mount failed", "error", err)
	}
	if _, err := s.returnJobs(rctx, sess.mount); err != nil {
		sess.log.Error("returning session jobs", "error", err)
	}
	s.releaseAll(rctx, sess.heldLeases())
	s.dropSessionQueue(rctx, sess.mount)
	s.endSession(sess)
}

func (s *Scheduler) unmount(ctx context.Context, sess *session) {
	if !sess.mounted {
		return
	}
	uctx, cancel := context.WithTimeout(ctx, s.cfg.DriveTimeout)
	defer cancel()
	if err := sess.drive.Unmount(uctx); err != nil {
		sess.log.Error("unmounting tape", "error", err)
		s.publish(ctx, core.Event{
			Kind:    core.EventDriveFault,
			MountID: sess.mount.ID,
			Drive:   sess.drive.Name(),
			VID:     sess.mount.VID,
			Message: err.Error(),
		})
		return
	}
	sess.mounted = false
}

func (s *Scheduler) endSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.mount.ID)
	if s.busy[sess.drive.Name()] == sess.mount.ID {
		delete(s.busy, sess.drive.Name())
	}
	s.mu.Unlock()
	sess.cancel(nil)
}

// returnJobs hands every job still owned by m's session back to the pool's
// transfer queue at its original age.
func (s *Scheduler) returnJobs(ctx context.Context, m *mount.Mount) (int, error) {
	jobs, err := s.queues.Jobs(ctx, m.Session(), 0)
	if err != nil {
		return 0, err
	}
	to := core.PoolQueue(m.Kind, m.Pool, core.QueueJobsToTransfer)
	n := 0
	for _, j := range jobs {
		_, err := s.queues.Move(ctx, j.ID, m.Session(), to, queue.MoveOptions{PreserveAge: true})
		if errors.Is(err, queue.ErrNotOwner) || core.HasCode(err, core.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// startHeartbeat renews the session's leases every RenewInterval until the
// returned stop is called. Losing one cancels the session.
func (s *Scheduler) startHeartbeat(sess *session) (stop func()) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			err := s.renew(sess)
			if err == nil {
				continue
			}
			if errors.Is(err, lease.ErrLost) || errors.Is(err, lease.ErrExpired) {
				sess.log.Error("lease lost, stopping session", "error", err)
				sess.cancel(err)
				return
			}
			sess.log.Warn("renewing leases", "error", err)
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (s *Scheduler) renew(sess *session) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RenewInterval)
	defer cancel()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	for i, l := range sess.leases {
		renewed, err := s.leases.Renew(ctx, l, s.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		sess.leases[i] = renewed
	}
	return nil
}
