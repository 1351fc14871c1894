package queue

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

// ReconcileResult describes what Reconcile changed in one container.
type ReconcileResult struct {
	Queue     core.QueueID    `json:"queue"`
	Added     int             `json:"added"`
	Committed int             `json:"committed"`
	Dropped   int             `json:"dropped"`
	Stats     core.QueueStats `json:"stats"`
}

// Changed reports whether the container object was rewritten.
func (r ReconcileResult) Changed() bool {
	return r.Added+r.Committed+r.Dropped > 0
}

// Reconcile re-derives the references and aggregates of every container from
// the owner recorded in each job object.
func (m *Manager) Reconcile(ctx context.Context) ([]ReconcileResult, error) {
	owned, err := m.scanOwners(ctx)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]core.QueueID)
	for _, prefix := range []string{core.QueueKeyPrefix, core.SessionKeyPrefix} {
		ids, err := m.listKeys(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			keys[id.Key()] = id
		}
	}
	for owner := range owned {
		id, err := core.ParseQueueKey(owner)
		if err != nil {
			m.log.Warn("jobs owned by an unrecognised container", "owner", owner, "jobs", len(owned[owner]))
			continue
		}
		keys[owner] = id
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	results := make([]ReconcileResult, 0, len(sorted))
	for _, k := range sorted {
		res, err := m.reconcileOne(ctx, keys[k], owned[k])
		if err != nil {
			return results, err
		}
		if res.Changed() {
			m.log.Info("queue reconciled", "queue", k, "added", res.Added, "committed", res.Committed, "dropped", res.Dropped)
		}
		results = append(results, res)
	}
	return results, nil
}

// ReconcileQueue reconciles a single container.
func (m *Manager) ReconcileQueue(ctx context.Context, q core.QueueID) (ReconcileResult, error) {
	owned, err := m.scanOwners(ctx)
	if err != nil {
		return ReconcileResult{}, err
	}
	return m.reconcileOne(ctx, q, owned[q.Key()])
}

func (m *Manager) scanOwners(ctx context.Context) (map[string][]string, error) {
	keys, err := m.objs.Keys(ctx, core.JobKeyPrefix)
	if err != nil {
		return nil, err
	}
	owned := make(map[string][]string)
	for _, k := range keys {
		var job core.Job
		if _, err := m.objs.Get(ctx, k, &job); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		owned[job.Owner] = append(owned[job.Owner], job.ID)
	}
	return owned, nil
}

// reconcileOne re-reads the owner of every candidate inside the
// compare-and-swap, so a move that completes concurrently either conflicts
// with this write or removes its reference after it.
func (m *Manager) reconcileOne(ctx context.Context, q core.QueueID, candidates []string) (ReconcileResult, error) {
	var res ReconcileResult
	obj, _, err := kv.Mutate(ctx, m.objs, q.Key(), func(cur *Object, exists bool) error {
		res = ReconcileResult{Queue: q}
		now := m.clock.Now()

		existing := make(map[string]Entry, len(cur.Entries))
		ids := make([]string, 0, len(cur.Entries)+len(candidates))
		for _, e := range cur.Entries {
			existing[e.JobID] = e
			ids = append(ids, e.JobID)
		}
		for _, id := range candidates {
			if _, ok := existing[id]; !ok {
				ids = append(ids, id)
			}
		}

		var rebuilt Object
		for _, id := range ids {
			e, referenced := existing[id]
			job, err := m.Job(ctx, id)
			if err != nil && !core.HasCode(err, core.ErrCodeNotFound) {
				return err
			}

			if job != nil && job.Owner == q.Key() {
				switch {
				case !referenced:
					res.Added++
					e = Entry{JobID: id, Size: job.Size, EnqueuedAt: job.CreatedAt}
				case e.Staged:
					res.Committed++
					e.Staged = false
					e.StagedAt = time.Time{}
				}
				e.Size = job.Size
				rebuilt.upsert(e)
				continue
			}

			if referenced && e.Staged && now.Sub(e.StagedAt) < stagedGrace {
				rebuilt.upsert(e)
				continue
			}
			if referenced {
				res.Dropped++
			}
		}
		rebuilt.recompute()

		if !res.Changed() && sameAggregates(cur.Aggregates, rebuilt.Aggregates) {
			return kv.ErrSkip
		}
		if !exists && len(rebuilt.Entries) == 0 {
			return kv.ErrSkip
		}
		*cur = rebuilt
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Stats = obj.Aggregates.Stats(m.clock.Now())
	return res, nil
}

func sameAggregates(a, b Aggregates) bool {
	return a.Count == b.Count && a.TotalBytes == b.TotalBytes && a.Oldest.Equal(b.Oldest)
}
