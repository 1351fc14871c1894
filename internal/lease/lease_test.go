package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
	"github.com/openjobspec/ojs-tape-scheduler/internal/kv"
)

var t0 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts ...Option) (*Manager, *core.ManualClock) {
	t.Helper()
	store, err := kv.NewMemoryStore()
	require.NoError(t, err)
	objs := kv.NewObjects(store, kv.WithRetryPolicy(core.RetryPolicy{
		MaxAttempts:     32,
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Millisecond,
		Coefficient:     2,
		Jitter:          true,
	}))
	clock := core.NewManualClock(t0)
	return NewManager(objs, append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestAcquire_Fresh(t *testing.T) {
	m, _ := newManager(t)

	l, err := m.Acquire(context.Background(), DriveResource("drv0"), "sched-a", time.Minute, Attributes{Drive: "drv0"})
	require.NoError(t, err)
	assert.Equal(t, "sched-a", l.Owner)
	assert.Equal(t, t0.Add(time.Minute), l.Expiry)
	assert.Equal(t, uint64(1), l.Generation)
	assert.NotZero(t, l.Version)
}

func TestAcquire_HeldByOther(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	_, err := m.Acquire(ctx, TapeResource("V1"), "a", time.Minute, Attributes{})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, TapeResource("V1"), "b", time.Minute, Attributes{})
	assert.ErrorIs(t, err, ErrHeld)
	assert.Equal(t, core.ErrCodeLeaseHeld, core.CodeOf(err))
}

func TestAcquire_SameOwnerRefreshes(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t)

	first, err := m.Acquire(ctx, TapeResource("V1"), "a", time.Minute, Attributes{})
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	again, err := m.Acquire(ctx, TapeResource("V1"), "a", time.Minute, Attributes{})
	require.NoError(t, err)
	assert.Equal(t, first.Generation, again.Generation)
	assert.Equal(t, t0.Add(90*time.Second), again.Expiry)
}

func TestAcquire_TakesOverExpiredLease(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t)

	a, err := m.Acquire(ctx, DriveResource("drv0"), "sched-a", 60*time.Second, Attributes{})
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = m.Acquire(ctx, DriveResource("drv0"), "sched-b", 60*time.Second, Attributes{})
	require.ErrorIs(t, err, ErrHeld)

	clock.Advance(time.Second)
	b, err := m.Acquire(ctx, DriveResource("drv0"), "sched-b", 60*time.Second, Attributes{})
	require.NoError(t, err)
	assert.Equal(t, a.Generation+1, b.Generation)

	_, err = m.Renew(ctx, a, 60*time.Second)
	assert.ErrorIs(t, err, ErrLost)
}

func TestAcquire_SkewTolerance(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t, WithSkewTolerance(5*time.Second))

	_, err := m.Acquire(ctx, DriveResource("drv0"), "a", 10*time.Second, Attributes{})
	require.NoError(t, err)

	clock.Advance(12 * time.Second)
	_, err = m.Acquire(ctx, DriveResource("drv0"), "b", 10*time.Second, Attributes{})
	assert.ErrorIs(t, err, ErrHeld)

	clock.Advance(3 * time.Second)
	_, err = m.Acquire(ctx, DriveResource("drv0"), "b", 10*time.Second, Attributes{})
	assert.NoError(t, err)
}

func TestAcquire_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t)

	// Start from an expired lease so racers contend on the update path too.
	_, err := m.Acquire(ctx, DriveResource("drv0"), "old", time.Second, Attributes{})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	const racers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("sched-%d", i)
			_, err := m.Acquire(ctx, DriveResource("drv0"), owner, time.Minute, Attributes{})
			if err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrHeld)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	cur, err := m.Get(ctx, DriveResource("drv0"))
	require.NoError(t, err)
	assert.Equal(t, winners[0], cur.Owner)
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t)

	l, err := m.Acquire(ctx, DriveResource("drv0"), "a", time.Minute, Attributes{})
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	l, err = m.Renew(ctx, l, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(100*time.Second), l.Expiry)

	clock.Advance(2 * time.Minute)
	_, err = m.Renew(ctx, l, time.Minute)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(t)

	a, err := m.Acquire(ctx, DriveResource("drv0"), "a", time.Hour, Attributes{})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, a))

	b, err := m.Acquire(ctx, DriveResource("drv0"), "b", time.Hour, Attributes{})
	require.NoError(t, err)

	// A late duplicate release by the previous holder must not free b's lease.
	require.NoError(t, m.Release(ctx, a))
	live, err := m.IsLive(ctx, b)
	require.NoError(t, err)
	assert.True(t, live)

	_, err = m.Renew(ctx, a, time.Hour)
	assert.ErrorIs(t, err, ErrLost)
}

func TestLive_CountsSlots(t *testing.T) {
	ctx := context.Background()
	m, clock := newManager(t)
	prefix := SlotPrefix(core.DirectionArchive, "tier1")

	for n := 0; n < 3; n++ {
		_, err := m.Acquire(ctx, SlotResource(core.DirectionArchive, "tier1", n), fmt.Sprintf("m%d", n), time.Duration(n+1)*time.Minute, Attributes{Pool: "tier1"})
		require.NoError(t, err)
	}
	_, err := m.Acquire(ctx, SlotResource(core.DirectionRetrieve, "tier1", 0), "r", time.Hour, Attributes{})
	require.NoError(t, err)

	live, err := m.Live(ctx, prefix)
	require.NoError(t, err)
	assert.Len(t, live, 3)

	clock.Advance(90 * time.Second)
	live, err = m.Live(ctx, prefix)
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestIsLive_Missing(t *testing.T) {
	m, _ := newManager(t)

	live, err := m.IsLive(context.Background(), &Lease{Resource: "drive.none", Owner: "a", Generation: 1})
	require.NoError(t, err)
	assert.False(t, live)
}
