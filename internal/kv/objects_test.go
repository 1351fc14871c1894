package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

type counter struct {
	N     int      `json:"n"`
	Names []string `json:"names"`
}

func fastPolicy(attempts int) core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Microsecond,
		MaxInterval:     time.Millisecond,
		Coefficient:     2,
		Jitter:          true,
	}
}

func TestMutate_CreatesWhenAbsent(t *testing.T) {
	ctx := context.Background()
	objs := NewObjects(newMemoryStore(t))

	got, version, err := Mutate(ctx, objs, "c", func(cur *counter, exists bool) error {
		assert.False(t, exists)
		cur.N = 1
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.N)

	var stored counter
	v, err := objs.Get(ctx, "c", &stored)
	require.NoError(t, err)
	assert.Equal(t, version, v)
	assert.Equal(t, 1, stored.N)
}

func TestMutate_ConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	var conflicts atomic.Int64
	objs := NewObjects(newMemoryStore(t),
		WithRetryPolicy(fastPolicy(200)),
		WithConflictHook(func(string) { conflicts.Add(1) }),
	)

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := Mutate(ctx, objs, "c", func(cur *counter, _ bool) error {
				cur.N++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var final counter
	_, err := objs.Get(ctx, "c", &final)
	require.NoError(t, err)
	assert.Equal(t, workers, final.N)
	t.Logf("conflicts observed: %d", conflicts.Load())
}

type flakyStore struct {
	Store
	updates int
}

func (f *flakyStore) Update(ctx context.Context, key string, value []byte, version uint64) (uint64, error) {
	f.updates++
	return 0, ErrConflict
}

func TestMutate_BoundedRetries(t *testing.T) {
	ctx := context.Background()
	mem := newMemoryStore(t)
	_, err := mem.Create(ctx, "c", []byte(`{"n":0}`))
	require.NoError(t, err)

	flaky := &flakyStore{Store: mem}
	objs := NewObjects(flaky, WithRetryPolicy(fastPolicy(8)))

	_, _, err = Mutate(ctx, objs, "c", func(cur *counter, _ bool) error {
		cur.N++
		return nil
	})
	assert.ErrorIs(t, err, ErrTooManyConflicts)
	assert.Equal(t, core.ErrCodeConflict, core.CodeOf(err))
	assert.Equal(t, 8, flaky.updates)
}

func TestMutate_SkipAndAbort(t *testing.T) {
	ctx := context.Background()
	objs := NewObjects(newMemoryStore(t))
	_, err := objs.Create(ctx, "c", &counter{N: 5})
	require.NoError(t, err)

	got, _, err := Mutate(ctx, objs, "c", func(cur *counter, _ bool) error {
		cur.N = 100
		return ErrSkip
	})
	require.NoError(t, err)
	assert.Equal(t, 100, got.N, "skip returns the value as mutated but unwritten")

	boom := errors.New("boom")
	_, _, err = Mutate(ctx, objs, "c", func(cur *counter, _ bool) error { return boom })
	assert.ErrorIs(t, err, boom)

	var stored counter
	_, err = objs.Get(ctx, "c", &stored)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.N)
}

func TestDeleteIf(t *testing.T) {
	ctx := context.Background()
	objs := NewObjects(newMemoryStore(t))
	_, err := objs.Create(ctx, "c", &counter{N: 1})
	require.NoError(t, err)

	deleted, err := DeleteIf(ctx, objs, "c", func(cur *counter) bool { return cur.N == 2 })
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = DeleteIf(ctx, objs, "c", func(cur *counter) bool { return cur.N == 1 })
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = DeleteIf(ctx, objs, "c", func(*counter) bool { return true })
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestUniqueStore(t *testing.T) {
	ctx := context.Background()
	u := NewUniqueStore(newMemoryStore(t))

	job := &core.Job{Direction: core.DirectionArchive, Pool: "p", Archive: &core.ArchiveSource{SrcURL: "root://f"}}
	fp := ComputeFingerprint(job)

	existing, err := u.CheckAndSet(ctx, fp, "job-1")
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = u.CheckAndSet(ctx, fp, "job-2")
	require.NoError(t, err)
	assert.Equal(t, "job-1", existing)

	require.NoError(t, u.Release(ctx, fp))
	existing, err = u.CheckAndSet(ctx, fp, "job-3")
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestComputeFingerprint_DistinguishesTransfers(t *testing.T) {
	a := &core.Job{Direction: core.DirectionArchive, Pool: "p", Archive: &core.ArchiveSource{SrcURL: "root://f1"}}
	b := &core.Job{Direction: core.DirectionArchive, Pool: "p", Archive: &core.ArchiveSource{SrcURL: "root://f2"}}
	c := &core.Job{Direction: core.DirectionArchive, Pool: "q", Archive: &core.ArchiveSource{SrcURL: "root://f1"}}

	assert.NotEqual(t, ComputeFingerprint(a), ComputeFingerprint(b))
	assert.NotEqual(t, ComputeFingerprint(a), ComputeFingerprint(c))
	assert.Equal(t, ComputeFingerprint(a), ComputeFingerprint(&core.Job{Direction: core.DirectionArchive, Pool: "p", Archive: &core.ArchiveSource{SrcURL: "root://f1"}}))
}
