package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/catalogue"
	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/queue"
)

func TestAdmin_SubmitValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name string
		req  core.ArchiveRequest
		code string
	}{
		{"missing pool", core.ArchiveRequest{SrcURL: "root://eos/x", Size: 1}, core.ErrCodeValidation},
		{"relative url", core.ArchiveRequest{Pool: "tier1", SrcURL: "x", Size: 1}, core.ErrCodeValidation},
		{"zero size", core.ArchiveRequest{Pool: "tier1", SrcURL: "root://eos/x"}, core.ErrCodeValidation},
		{"unknown pool", core.ArchiveRequest{Pool: "nope", SrcURL: "root://eos/x", Size: 1}, core.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.admin.SubmitArchive(ctx, "alice", tt.req)
			if got := core.CodeOf(err); got != tt.code {
				t.Errorf("code = %q, want %q (err %v)", got, tt.code, err)
			}
		})
	}
	assert.Equal(t, uint64(0), f.stats(t, "tier1", core.QueueJobsToTransfer).Count)
}

func TestAdmin_SubmitRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := core.ArchiveRequest{Pool: "small", SrcURL: "root://eos/dup", Size: 1}

	first, err := f.admin.SubmitArchive(ctx, "alice", req)
	require.NoError(t, err)
	_, err = f.admin.SubmitArchive(ctx, "alice", req)
	require.True(t, core.HasCode(err, core.ErrCodeDuplicate), "got %v", err)
	assert.Contains(t, err.Error(), first.ID)

	// Once the job leaves the system the same transfer may be submitted again.
	failed := core.PoolQueue(core.DirectionArchive, "small", core.QueueFailedJobs)
	transfer := core.PoolQueue(core.DirectionArchive, "small", core.QueueJobsToTransfer)
	_, err = f.queues.Move(ctx, first.ID, transfer, failed, queue.MoveOptions{})
	require.NoError(t, err)
	require.NoError(t, f.admin.DeleteFailed(ctx, first.ID))
	_, err = f.admin.SubmitArchive(ctx, "alice", req)
	require.NoError(t, err)
}

func TestAdmin_SubmitRetrieve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, err := f.admin.SubmitRetrieve(ctx, "alice", core.RetrieveRequest{
		Pool: "tier1", VID: "V00002", FSeq: 4, DstURL: "root://eos/out", Size: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "V00002", job.VID())

	_, err = f.admin.SubmitRetrieve(ctx, "alice", core.RetrieveRequest{
		Pool: "tier1", VID: "bad vid", FSeq: 4, DstURL: "root://eos/out", Size: 100,
	})
	assert.True(t, core.HasCode(err, core.ErrCodeValidation))
}

func TestAdmin_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cat, err := catalogue.Parse([]byte(testCatalogue + "users:\n  alice: [tier1]\n"))
	require.NoError(t, err)
	deps := f.deps(nil)
	deps.Catalogue = cat
	admin := NewAdmin(deps)

	_, err = admin.SubmitArchive(ctx, "alice", core.ArchiveRequest{Pool: "tier1", SrcURL: "root://eos/a", Size: 1})
	require.NoError(t, err)
	_, err = admin.SubmitArchive(ctx, "alice", core.ArchiveRequest{Pool: "small", SrcURL: "root://eos/a", Size: 1})
	assert.True(t, core.HasCode(err, core.ErrCodeUnauthorized))
	_, err = admin.SubmitArchive(ctx, "mallory", core.ArchiveRequest{Pool: "tier1", SrcURL: "root://eos/b", Size: 1})
	assert.True(t, core.HasCode(err, core.ErrCodeUnauthorized))
}

func TestAdmin_QueuesAndFailedJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ids := f.submit(t, "tier1", 2)

	summaries, err := f.admin.Queues(ctx)
	require.NoError(t, err)
	// three pools, two directions, three queue types
	require.Len(t, summaries, 18)
	var found bool
	for _, s := range summaries {
		if s.Queue == core.PoolQueue(core.DirectionArchive, "tier1", core.QueueJobsToTransfer) {
			found = true
			assert.Equal(t, uint64(2), s.Stats.Count)
		}
	}
	assert.True(t, found)

	_, err = f.admin.RetryFailed(ctx, ids[0])
	assert.True(t, core.HasCode(err, core.ErrCodeInvalidState), "only failed jobs can be retried")
	assert.True(t, core.HasCode(f.admin.DeleteFailed(ctx, ids[0]), core.ErrCodeInvalidState))

	_, err = f.admin.QueueStats(ctx, core.PoolQueue(core.DirectionArchive, "nope", core.QueueJobsToTransfer))
	assert.True(t, core.HasCode(err, core.ErrCodeNotFound))
}

func TestAdmin_AbortFinishedMount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.admin.AbortMount(ctx, "missing", "")
	assert.True(t, core.HasCode(err, core.ErrCodeNotFound))
}

func TestAdmin_ReconcileReportsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submit(t, "tier1", 3)

	changed, err := f.admin.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestMaintenance_RejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultMaintenanceConfig()
	cfg.PruneSpec = "every now and then"
	_, err := NewMaintenance(f.admin, nil, cfg, nil)
	assert.Error(t, err)
}

func TestMaintenance_Jobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reloads := 0
	m, err := NewMaintenance(f.admin, func() error { reloads++; return nil }, DefaultMaintenanceConfig(), nil)
	require.NoError(t, err)
	m.Start()
	defer m.Stop()

	require.NoError(t, m.reconcile(ctx))
	require.NoError(t, m.prune(ctx))
	require.NoError(t, m.reloadCatalogue(ctx))
	assert.Equal(t, 1, reloads)
}
