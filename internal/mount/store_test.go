package mount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *core.ManualClock) {
	t.Helper()
	mem, err := kv.NewMemoryStore()
	require.NoError(t, err)
	clock := core.NewManualClock(t0)
	return NewStore(kv.NewObjects(mem), clock), clock
}

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateSelected, StateMounted},
		{StateSelected, StateFailed},
		{StateMounted, StateRunning},
		{StateMounted, StateUnmounting},
		{StateMounted, StateFailed},
		{StateRunning, StateUnmounting},
		{StateRunning, StateFailed},
		{StateUnmounting, StateCompleted},
	}
	for _, tr := range allowed {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tr[0], tr[1])
		}
	}

	forbidden := [][2]State{
		{StateSelected, StateRunning},
		{StateRunning, StateMounted},
		{StateUnmounting, StateFailed},
		{StateCompleted, StateSelected},
		{StateFailed, StateRunning},
		{StateCompleted, StateFailed},
	}
	for _, tr := range forbidden {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tr[0], tr[1])
		}
	}
}

func TestNew_TaggedVariant(t *testing.T) {
	a := New("m1", core.DirectionArchive, "p", "V1", "drv0", t0)
	assert.NotNil(t, a.Archival)
	assert.Nil(t, a.Retrieval)
	assert.Equal(t, StateSelected, a.State)

	r := New("m2", core.DirectionRetrieve, "p", "V1", "drv0", t0)
	assert.Nil(t, r.Archival)
	assert.NotNil(t, r.Retrieval)
}

func TestStore_TransitionLifecycle(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)
	require.NoError(t, s.Create(ctx, New("m1", core.DirectionArchive, "p", "V1", "drv0", t0)))

	for _, to := range []State{StateMounted, StateRunning, StateUnmounting} {
		m, err := s.Transition(ctx, "m1", nil, to, nil)
		require.NoError(t, err)
		assert.Equal(t, to, m.State)
	}
	clock.Advance(time.Minute)
	m, err := s.Transition(ctx, "m1", []State{StateUnmounting}, StateCompleted, func(m *Mount) {
		m.Counters.FilesTransferred = 3
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), m.FinishedAt)

	stored, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State)
	assert.Equal(t, uint64(3), stored.Counters.FilesTransferred)
}

func TestStore_TransitionRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Create(ctx, New("m1", core.DirectionRetrieve, "p", "V1", "drv0", t0)))

	_, err := s.Transition(ctx, "m1", nil, StateRunning, nil)
	assert.Equal(t, core.ErrCodeInvalidState, core.CodeOf(err))

	// Expected-state guard: only one of two racing reapers wins.
	_, err = s.Transition(ctx, "m1", []State{StateSelected}, StateFailed, nil)
	require.NoError(t, err)
	_, err = s.Transition(ctx, "m1", []State{StateSelected}, StateFailed, nil)
	assert.Equal(t, core.ErrCodeInvalidState, core.CodeOf(err))

	_, err = s.Transition(ctx, "missing", nil, StateFailed, nil)
	assert.Equal(t, core.ErrCodeNotFound, core.CodeOf(err))
}

func TestStore_UpdateCannotChangeState(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Create(ctx, New("m1", core.DirectionArchive, "p", "V1", "drv0", t0)))

	_, err := s.Update(ctx, "m1", func(m *Mount) error {
		m.State = StateCompleted
		return nil
	})
	assert.Error(t, err)

	m, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, StateSelected, m.State)
}

func TestStore_RequestAbort(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Create(ctx, New("m1", core.DirectionArchive, "p", "V1", "drv0", t0)))

	m, err := s.RequestAbort(ctx, "m1", "operator")
	require.NoError(t, err)
	assert.True(t, m.AbortRequested)
	assert.Equal(t, "operator", m.AbortReason)

	_, err = s.Transition(ctx, "m1", nil, StateFailed, nil)
	require.NoError(t, err)
	_, err = s.RequestAbort(ctx, "m1", "again")
	assert.Equal(t, core.ErrCodeInvalidState, core.CodeOf(err))
}

func TestStore_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)

	require.NoError(t, s.Create(ctx, New("old", core.DirectionArchive, "p", "V1", "drv0", t0)))
	require.NoError(t, s.Create(ctx, New("live", core.DirectionArchive, "p", "V2", "drv1", t0.Add(time.Second))))
	_, err := s.Transition(ctx, "old", nil, StateFailed, nil)
	require.NoError(t, err)

	mounts, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, "old", mounts[0].ID)

	clock.Advance(48 * time.Hour)
	n, err := s.Prune(ctx, clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mounts, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "live", mounts[0].ID)
}

func TestJobHandler(t *testing.T) {
	m := New("m1", core.DirectionArchive, "p", "V9", "drv0", t0)
	m.Archival.LastFSeq = 41
	job := &core.Job{ID: "j", Size: 10, Archive: &core.ArchiveSource{SrcURL: "root://x"}}

	m.Handler().OnJobComplete(m, job)
	assert.Equal(t, "V9", job.Archive.TapeVID)
	assert.Equal(t, uint64(42), job.Archive.TapeFSeq)
	assert.Equal(t, uint64(10), m.Counters.BytesTransferred)

	r := New("m2", core.DirectionRetrieve, "p", "V9", "drv0", t0)
	rj := &core.Job{ID: "k", Size: 5, Retrieve: &core.RetrieveSource{VID: "V9", FSeq: 7}}
	r.Handler().OnJobComplete(r, rj)
	r.Handler().OnJobFailed(r, rj, core.NewTransientJobError("crc", nil))
	assert.Equal(t, uint64(7), r.Retrieval.LastFSeqRead)
	assert.Equal(t, uint64(1), r.Counters.FilesFailed)
}

func TestTapePosition_AdvancesForwardOnly(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)

	last, err := s.LastFSeq(ctx, "V00001")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	require.NoError(t, s.AdvanceFSeq(ctx, "V00001", "m1", 3))
	clock.Advance(time.Second)
	require.NoError(t, s.AdvanceFSeq(ctx, "V00001", "m0", 2))

	last, err = s.LastFSeq(ctx, "V00001")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last, "a lower fseq never rewinds the tape")

	var pos TapePosition
	_, err = s.objs.Get(ctx, TapeKey("V00001"), &pos)
	require.NoError(t, err)
	assert.Equal(t, "m1", pos.MountID)
	assert.True(t, pos.UpdatedAt.Equal(t0))

	other, err := s.LastFSeq(ctx, "V00002")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), other)

	mounts, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, mounts, "tape positions are not mounts")
}
