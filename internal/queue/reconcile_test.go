package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

func TestReconcile_RepairsCorruptAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.mgr.Enqueue(ctx, transferQ, newJob("a", 10)))
	require.NoError(t, f.mgr.Enqueue(ctx, transferQ, newJob("b", 20)))

	_, _, err := kv.Mutate(ctx, f.objs, transferQ.Key(), func(o *Object, _ bool) error {
		o.Aggregates.Count = 99
		o.Aggregates.TotalBytes = 1
		return nil
	})
	require.NoError(t, err)

	_, err = f.mgr.Reconcile(ctx)
	require.NoError(t, err)

	stats, err := f.mgr.Stats(ctx, transferQ)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Count)
	assert.Equal(t, uint64(30), stats.TotalBytes)
}

func TestReconcile_IsFoldOfJobObjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := core.SessionQueue("m1")

	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, f.mgr.Enqueue(ctx, transferQ, newJob(id, uint64(i+1))))
	}
	_, err := f.mgr.Move(ctx, "b", transferQ, session, MoveOptions{})
	require.NoError(t, err)
	_, err = f.mgr.Move(ctx, "c", transferQ, failedQ, MoveOptions{})
	require.NoError(t, err)

	before := map[string]core.QueueStats{}
	for _, q := range []core.QueueID{transferQ, session, failedQ} {
		before[q.Key()], err = f.mgr.Stats(ctx, q)
		require.NoError(t, err)
	}

	results, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.False(t, r.Changed(), "queue %s changed", r.Queue.Key())
	}

	for key, want := range before {
		q, err := core.ParseQueueKey(key)
		require.NoError(t, err)
		got, err := f.mgr.Stats(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, want, got, key)
	}
}

func TestReconcile_FinishesInterruptedMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	session := core.SessionQueue("dead-mount")

	require.NoError(t, f.mgr.Enqueue(ctx, transferQ, newJob("a", 5)))

	// A scheduler flipped the owner and died before touching either reference.
	_, _, err := kv.Mutate(ctx, f.objs, core.JobKey("a"), func(j *core.Job, _ bool) error {
		j.Owner = session.Key()
		return nil
	})
	require.NoError(t, err)

	results, err := f.mgr.Reconcile(ctx)
	require.NoError(t, err)
	byKey := map[string]ReconcileResult{}
	for _, r := range results {
		byKey[r.Queue.Key()] = r
	}
	assert.Equal(t, 1, byKey[transferQ.Key()].Dropped)
	assert.Equal(t, 1, byKey[session.Key()].Added)

	assert.Equal(t, []string{session.Key()}, f.containersOf(t, "a"))
}

func TestReconcile_StagedReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.mgr.Enqueue(ctx, transferQ, newJob("a", 5)))

	// One staged reference whose job was committed but never acknowledged,
	// one whose enqueue died before the job object was written.
	_, _, err := kv.Mutate(ctx, f.objs, transferQ.Key(), func(o *Object, _ bool) error {
		o.Entries[0].Staged = true
		o.Entries[0].StagedAt = t0
		o.upsert(Entry{JobID: "ghost", Size: 9, EnqueuedAt: t0, Staged: true, StagedAt: t0})
		return nil
	})
	require.NoError(t, err)

	stats, err := f.mgr.Stats(ctx, transferQ)
	require.NoError(t, err)
	assert.Zero(t, stats.Count, "staged entries are not counted")

	res, err := f.mgr.ReconcileQueue(ctx, transferQ)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 0, res.Dropped, "young staged reference is kept")
	assert.Equal(t, uint64(1), res.Stats.Count)

	f.clock.Advance(stagedGrace + time.Second)
	res, err = f.mgr.ReconcileQueue(ctx, transferQ)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	obj, err := f.mgr.load(ctx, transferQ)
	require.NoError(t, err)
	assert.Len(t, obj.Entries, 1)
}
