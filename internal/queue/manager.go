// Package queue keeps jobs in per-pool queues and mount sessions on top of
// the versioned object store.
//
// Each job is its own object and records the key of the single container
// that owns it. Containers hold references plus cached aggregates. A job
// changes container by flipping its owner with one conditional write; the
// references on either side are staged before and cleaned up after, and
// Reconcile re-derives them from the job objects if a scheduler dies midway.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

// ErrNotOwner is returned when a job is not in the container it was expected in.
var ErrNotOwner = &core.SchedError{Code: core.ErrCodeNotOwner, Message: "job is not owned by the source queue"}

// stagedGrace is how long Reconcile leaves a staged reference to a job that
// does not exist yet.
const stagedGrace = 10 * time.Minute

// Manager implements the queue operations.
type Manager struct {
	objs  *kv.Objects
	clock core.Clock
	log   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(c core.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a queue manager over objs.
func NewManager(objs *kv.Objects, opts ...Option) *Manager {
	m := &Manager{objs: objs, clock: core.SystemClock{}, log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue makes job a member of q. The job must be new.
func (m *Manager) Enqueue(ctx context.Context, q core.QueueID, job *core.Job) error {
	if job.ID == "" {
		return core.NewValidationError("job id is required", nil)
	}
	now := m.clock.Now()
	entry := Entry{JobID: job.ID, Size: job.Size, EnqueuedAt: now, Staged: true, StagedAt: now}

	if err := m.putRef(ctx, q, entry); err != nil {
		return err
	}

	job.Owner = q.Key()
	if _, err := m.objs.Create(ctx, core.JobKey(job.ID), job); err != nil {
		job.Owner = ""
		if dropErr := m.dropRef(ctx, q, job.ID); dropErr != nil {
			m.log.Warn("dropping staged reference", "queue", q.Key(), "job_id", job.ID, "error", dropErr)
		}
		if errors.Is(err, kv.ErrExists) {
			return core.NewDuplicateError("job", job.ID)
		}
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}

	entry.Staged = false
	entry.StagedAt = time.Time{}
	return m.putRef(ctx, q, entry)
}

// MoveOptions tune a Move.
type MoveOptions struct {
	// Update is applied to the job in the same write that changes its owner.
	Update func(job *core.Job)
	// PreserveAge keeps the enqueue time the job had in the source queue.
	PreserveAge bool
}

// Move transfers a job from one container to another. It fails with
// ErrNotOwner, leaving everything unchanged, when the job is not in from.
func (m *Manager) Move(ctx context.Context, jobID string, from, to core.QueueID, opts MoveOptions) (*core.Job, error) {
	var job core.Job
	if _, err := m.objs.Get(ctx, core.JobKey(jobID), &job); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, core.NewNotFoundError("job", jobID)
		}
		return nil, err
	}
	if job.Owner != from.Key() {
		return nil, fmt.Errorf("%w: job %s is in %s, not %s", ErrNotOwner, jobID, job.Owner, from.Key())
	}

	now := m.clock.Now()
	enqueuedAt := now
	if opts.PreserveAge {
		if e, ok, err := m.entry(ctx, from, jobID); err == nil && ok {
			enqueuedAt = e.EnqueuedAt
		} else if err != nil {
			return nil, err
		}
	}
	entry := Entry{JobID: jobID, Size: job.Size, EnqueuedAt: enqueuedAt, Staged: true, StagedAt: now}
	if err := m.putRef(ctx, to, entry); err != nil {
		return nil, err
	}

	moved, _, err := kv.Mutate(ctx, m.objs, core.JobKey(jobID), func(cur *core.Job, exists bool) error {
		if !exists {
			return core.NewNotFoundError("job", jobID)
		}
		if cur.Owner != from.Key() {
			return fmt.Errorf("%w: job %s is in %s, not %s", ErrNotOwner, jobID, cur.Owner, from.Key())
		}
		cur.Owner = to.Key()
		if opts.Update != nil {
			opts.Update(cur)
		}
		return nil
	})
	if err != nil {
		if dropErr := m.dropStaged(ctx, to, jobID); dropErr != nil {
			m.log.Warn("dropping staged reference", "queue", to.Key(), "job_id", jobID, "error", dropErr)
		}
		return nil, err
	}

	entry.Staged = false
	entry.StagedAt = time.Time{}
	entry.Size = moved.Size
	if err := m.putRef(ctx, to, entry); err != nil {
		return moved, err
	}
	if err := m.dropRef(ctx, from, jobID); err != nil {
		return moved, err
	}
	return moved, nil
}

// Remove deletes a job that leaves the system from q.
func (m *Manager) Remove(ctx context.Context, jobID string, q core.QueueID) error {
	deleted, err := kv.DeleteIf(ctx, m.objs, core.JobKey(jobID), func(cur *core.Job) bool {
		return cur.Owner == q.Key()
	})
	if err != nil {
		return err
	}
	if !deleted {
		var job core.Job
		if _, err := m.objs.Get(ctx, core.JobKey(jobID), &job); err == nil {
			return fmt.Errorf("%w: job %s is in %s, not %s", ErrNotOwner, jobID, job.Owner, q.Key())
		}
	}
	return m.dropRef(ctx, q, jobID)
}

// Job loads a job by id.
func (m *Manager) Job(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	if _, err := m.objs.Get(ctx, core.JobKey(id), &job); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, core.NewNotFoundError("job", id)
		}
		return nil, err
	}
	return &job, nil
}

// Stats returns the aggregates of q. A queue that was never written is empty.
func (m *Manager) Stats(ctx context.Context, q core.QueueID) (core.QueueStats, error) {
	obj, err := m.load(ctx, q)
	if err != nil {
		return core.QueueStats{}, err
	}
	return obj.Aggregates.Stats(m.clock.Now()), nil
}

// Peek returns up to n committed entries of q, oldest first. n <= 0 means all.
func (m *Manager) Peek(ctx context.Context, q core.QueueID, n int) ([]Entry, error) {
	obj, err := m.load(ctx, q)
	if err != nil {
		return nil, err
	}
	entries := obj.committed()
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Jobs loads up to n jobs of q, oldest first, skipping references whose job
// has already moved on. n <= 0 means all.
func (m *Manager) Jobs(ctx context.Context, q core.QueueID, n int) ([]*core.Job, error) {
	return m.JobsWhere(ctx, q, n, nil)
}

// JobsWhere is Jobs restricted to jobs accepted by keep.
func (m *Manager) JobsWhere(ctx context.Context, q core.QueueID, n int, keep func(*core.Job) bool) ([]*core.Job, error) {
	entries, err := m.Peek(ctx, q, 0)
	if err != nil {
		return nil, err
	}
	var jobs []*core.Job
	for _, e := range entries {
		if n > 0 && len(jobs) >= n {
			break
		}
		job, err := m.Job(ctx, e.JobID)
		if core.HasCode(err, core.ErrCodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Owner != q.Key() {
			continue
		}
		if keep != nil && !keep(job) {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// List returns every pool queue that has an object in the store.
func (m *Manager) List(ctx context.Context) ([]core.QueueID, error) {
	return m.listKeys(ctx, core.QueueKeyPrefix)
}

// Sessions returns every mount session that has an object in the store.
func (m *Manager) Sessions(ctx context.Context) ([]core.QueueID, error) {
	return m.listKeys(ctx, core.SessionKeyPrefix)
}

func (m *Manager) listKeys(ctx context.Context, prefix string) ([]core.QueueID, error) {
	keys, err := m.objs.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]core.QueueID, 0, len(keys))
	for _, k := range keys {
		id, err := core.ParseQueueKey(k)
		if err != nil {
			m.log.Warn("skipping unrecognised queue key", "key", k, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeleteIfEmpty removes the object of q when it holds no references.
func (m *Manager) DeleteIfEmpty(ctx context.Context, q core.QueueID) (bool, error) {
	return kv.DeleteIf(ctx, m.objs, q.Key(), func(cur *Object) bool {
		return len(cur.Entries) == 0
	})
}

func (m *Manager) load(ctx context.Context, q core.QueueID) (*Object, error) {
	var obj Object
	if _, err := m.objs.Get(ctx, q.Key(), &obj); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return &Object{}, nil
		}
		return nil, err
	}
	return &obj, nil
}

func (m *Manager) entry(ctx context.Context, q core.QueueID, jobID string) (Entry, bool, error) {
	obj, err := m.load(ctx, q)
	if err != nil {
		return Entry{}, false, err
	}
	if i := obj.find(jobID); i >= 0 {
		return obj.Entries[i], true, nil
	}
	return Entry{}, false, nil
}

// putRef inserts e into q unless q already holds a committed reference to the job.
func (m *Manager) putRef(ctx context.Context, q core.QueueID, e Entry) error {
	_, _, err := kv.Mutate(ctx, m.objs, q.Key(), func(cur *Object, _ bool) error {
		if i := cur.find(e.JobID); i >= 0 && !cur.Entries[i].Staged {
			return kv.ErrSkip
		}
		cur.upsert(e)
		return nil
	})
	return err
}

func (m *Manager) dropRef(ctx context.Context, q core.QueueID, jobID string) error {
	_, _, err := kv.Mutate(ctx, m.objs, q.Key(), func(cur *Object, exists bool) error {
		if !exists || !cur.remove(jobID) {
			return kv.ErrSkip
		}
		return nil
	})
	return err
}

func (m *Manager) dropStaged(ctx context.Context, q core.QueueID, jobID string) error {
	_, _, err := kv.Mutate(ctx, m.objs, q.Key(), func(cur *Object, exists bool) error {
		i := cur.find(jobID)
		if !exists || i < 0 || !cur.Entries[i].Staged {
			return kv.ErrSkip
		}
		cur.remove(jobID)
		return nil
	})
	return err
}
