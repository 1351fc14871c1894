package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/catalogue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
	"github.com/openjobspec/ojs-tape-scheduler/internal/metrics"
	"github.com/openjobspec/ojs-tape-scheduler/internal/mount"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
)

// QueueSummary is the state of one pool queue.
type QueueSummary struct {
	Queue core.QueueID    `json:"queue"`
	Stats core.QueueStats `json:"stats"`
}

// Admin carries out operator and client requests against the shared state.
// It needs no running Scheduler.
type Admin struct {
	queues  *queue.Manager
	mounts  *mount.Store
	cat     catalogue.Catalogue
	unique  *kv.UniqueStore
	metrics *metrics.Collector
	clock   core.Clock
	log     *slog.Logger
}

// NewAdmin creates an Admin from the same collaborators a Scheduler uses.
func NewAdmin(deps Deps) *Admin {
	a := &Admin{
		queues:  deps.Queues,
		mounts:  deps.Mounts,
		cat:     deps.Catalogue,
		unique:  deps.Unique,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		log:     deps.Logger,
	}
	if a.clock == nil {
		a.clock = core.SystemClock{}
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// SubmitArchive validates and queues an archive request for user.
func (a *Admin) SubmitArchive(ctx context.Context, user string, req core.ArchiveRequest) (*core.Job, error) {
	if verr := core.ValidateArchiveRequest(&req); verr != nil {
		return nil, verr
	}
	if err := a.cat.Authorize(ctx, user, req.Pool); err != nil {
		return nil, err
	}
	return a.submit(ctx, core.NewArchiveJob(&req, user, a.clock.Now()))
}

// SubmitRetrieve validates and queues a retrieve request for user.
func (a *Admin) SubmitRetrieve(ctx context.Context, user string, req core.RetrieveRequest) (*core.Job, error) {
	if verr := core.ValidateRetrieveRequest(&req); verr != nil {
		return nil, verr
	}
	if err := a.cat.Authorize(ctx, user, req.Pool); err != nil {
		return nil, err
	}
	return a.submit(ctx, core.NewRetrieveJob(&req, user, a.clock.Now()))
}

func (a *Admin) submit(ctx context.Context, job *core.Job) (*core.Job, error) {
	fp := kv.ComputeFingerprint(job)
	if a.unique != nil {
		existing, err := a.unique.CheckAndSet(ctx, fp, job.ID)
		if err != nil {
			return nil, fmt.Errorf("checking duplicate submission: %w", err)
		}
		if existing != "" {
			return nil, core.NewDuplicateError("job", existing)
		}
	}
	q := core.PoolQueue(job.Direction, job.Pool, core.QueueJobsToTransfer)
	if err := a.queues.Enqueue(ctx, q, job); err != nil {
		if relErr := releaseFingerprint(ctx, a.unique, job); relErr != nil {
			a.log.Warn("releasing fingerprint", "job_id", job.ID, "error", relErr)
		}
		return nil, err
	}
	a.metrics.JobSubmitted(job.Pool, job.Direction)
	a.log.Info("job submitted", "job_id", job.ID, "pool", job.Pool, "direction", job.Direction, "size", job.Size)
	return job, nil
}

// Job returns a job by id.
func (a *Admin) Job(ctx context.Context, id string) (*core.Job, error) {
	return a.queues.Job(ctx, id)
}

// Queues returns the stats of every queue of every configured pool.
func (a *Admin) Queues(ctx context.Context) ([]QueueSummary, error) {
	pools, err := a.cat.Pools(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueueSummary
	for _, p := range pools {
		for _, dir := range []core.Direction{core.DirectionArchive, core.DirectionRetrieve} {
			for _, t := range core.QueueTypes {
				q := core.PoolQueue(dir, p.Name, t)
				stats, err := a.queues.Stats(ctx, q)
				if err != nil {
					return nil, err
				}
				out = append(out, QueueSummary{Queue: q, Stats: stats})
			}
		}
	}
	return out, nil
}

// QueueStats returns the stats of one queue.
func (a *Admin) QueueStats(ctx context.Context, q core.QueueID) (core.QueueStats, error) {
	if _, err := a.cat.Pool(ctx, q.Pool); err != nil {
		return core.QueueStats{}, err
	}
	return a.queues.Stats(ctx, q)
}

// Mounts lists mounts, oldest first. When active is set terminal mounts are
// left out.
func (a *Admin) Mounts(ctx context.Context, active bool) ([]*mount.Mount, error) {
	all, err := a.mounts.List(ctx)
	if err != nil {
		return nil, err
	}
	if !active {
		return all, nil
	}
	out := all[:0]
	for _, m := range all {
		if !m.State.IsTerminal() {
			out = append(out, m)
		}
	}
	return out, nil
}

// Mount returns one mount.
func (a *Admin) Mount(ctx context.Context, id string) (*mount.Mount, error) {
	return a.mounts.Get(ctx, id)
}

// AbortMount asks the session of a live mount to stop at its next job
// boundary. Its unfinished jobs go back to the transfer queue.
func (a *Admin) AbortMount(ctx context.Context, id, reason string) (*mount.Mount, error) {
	if reason == "" {
		reason = "operator request"
	}
	m, err := a.mounts.RequestAbort(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	a.log.Info("mount abort requested", "mount_id", id, "reason", reason)
	return m, nil
}

// FailedJobs lists up to limit jobs that exhausted their retries in a pool.
func (a *Admin) FailedJobs(ctx context.Context, dir core.Direction, pool string, limit int) ([]*core.Job, error) {
	return a.queues.Jobs(ctx, core.PoolQueue(dir, pool, core.QueueFailedJobs), limit)
}

// RetryFailed sends a failed job back to its transfer queue with a fresh
// retry budget.
func (a *Admin) RetryFailed(ctx context.Context, id string) (*core.Job, error) {
	from, err := a.failedQueueOf(ctx, id)
	if err != nil {
		return nil, err
	}
	to := core.PoolQueue(from.Direction, from.Pool, core.QueueJobsToTransfer)
	job, err := a.queues.Move(ctx, id, from, to, queue.MoveOptions{
		Update: func(j *core.Job) { j.Retries = 0 },
	})
	if err != nil {
		return nil, err
	}
	a.metrics.JobRouted(to)
	a.log.Info("failed job requeued", "job_id", id, "queue", to.String())
	return job, nil
}

// DeleteFailed drops a failed job from the system.
func (a *Admin) DeleteFailed(ctx context.Context, id string) error {
	from, err := a.failedQueueOf(ctx, id)
	if err != nil {
		return err
	}
	job, err := a.queues.Job(ctx, id)
	if err != nil {
		return err
	}
	if err := a.queues.Remove(ctx, id, from); err != nil {
		return err
	}
	if err := releaseFingerprint(ctx, a.unique, job); err != nil {
		a.log.Warn("releasing fingerprint", "job_id", id, "error", err)
	}
	a.log.Info("failed job deleted", "job_id", id)
	return nil
}

func (a *Admin) failedQueueOf(ctx context.Context, id string) (core.QueueID, error) {
	job, err := a.queues.Job(ctx, id)
	if err != nil {
		return core.QueueID{}, err
	}
	q, err := core.ParseQueueKey(job.Owner)
	if err != nil || q.Type != core.QueueFailedJobs {
		return core.QueueID{}, core.NewInvalidStateError(job.Owner, string(core.QueueFailedJobs))
	}
	return q, nil
}

// Reconcile re-derives every container from the job objects and returns the
// containers that changed.
func (a *Admin) Reconcile(ctx context.Context) ([]queue.ReconcileResult, error) {
	results, err := a.queues.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	changed := results[:0]
	for _, r := range results {
		if r.Changed() {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].Queue.Key() < changed[j].Queue.Key() })
	if len(changed) > 0 {
		a.log.Warn("reconcile repaired queues", "count", len(changed))
	}
	return changed, nil
}

// PruneMounts deletes mounts that finished more than retention ago.
func (a *Admin) PruneMounts(ctx context.Context, retention time.Duration) (int, error) {
	return a.mounts.Prune(ctx, a.clock.Now().Add(-retention))
}
