package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
)

// DrainReports records finished transfers in the catalogue and removes them
// from the system. A job whose record fails stays queued for the next round.
func (s *Scheduler) DrainReports(ctx context.Context) (int, error) {
	pools, err := s.cat.Pools(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing pools: %w", err)
	}
	reported := 0
	for _, p := range pools {
		for _, dir := range []core.Direction{core.DirectionArchive, core.DirectionRetrieve} {
			q := core.PoolQueue(dir, p.Name, core.QueueJobsToReport)
			n, err := s.drainReportQueue(ctx, q)
			reported += n
			if err != nil {
				return reported, err
			}
		}
	}
	return reported, nil
}

func (s *Scheduler) drainReportQueue(ctx context.Context, q core.QueueID) (int, error) {
	jobs, err := s.queues.Jobs(ctx, q, s.cfg.ReportBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if err := s.cat.RecordCompleted(ctx, job); err != nil {
			s.log.Warn("recording completed job", "job_id", job.ID, "pool", job.Pool, "error", err)
			continue
		}
		if err := s.queues.Remove(ctx, job.ID, q); err != nil {
			if errors.Is(err, queue.ErrNotOwner) {
				continue
			}
			return n, err
		}
		if err := releaseFingerprint(ctx, s.unique, job); err != nil {
			s.log.Warn("releasing fingerprint", "job_id", job.ID, "error", err)
		}
		n++
	}
	if n > 0 {
		s.log.Info("reported completed jobs", "queue", q.String(), "count", n)
	}
	return n, nil
}

// releaseFingerprint lets the transfer job described be submitted again.
func releaseFingerprint(ctx context.Context, u *kv.UniqueStore, job *core.Job) error {
	if u == nil {
		return nil
	}
	err := u.Release(ctx, kv.ComputeFingerprint(job))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	return err
}
