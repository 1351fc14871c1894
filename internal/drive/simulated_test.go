package drive

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

type fakeChanger struct {
	mounts, dismounts []string
	fail              error
}

func (f *fakeChanger) Mount(_ context.Context, drive uint16, vid string, _ bool) error {
	f.mounts = append(f.mounts, vid)
	return f.fail
}

func (f *fakeChanger) Dismount(_ context.Context, drive uint16, vid string, _ bool) error {
	f.dismounts = append(f.dismounts, vid)
	return f.fail
}

func TestSimulated_LoadTransferUnload(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChanger{}
	d := NewSimulated("drv0", "lib1", WithChanger(ch, 2))

	err := d.Transfer(ctx, &core.Job{ID: "j0"})
	assert.Equal(t, core.ErrCodeDriveFault, core.CodeOf(err), "transfer without a tape")

	require.NoError(t, d.Mount(ctx, "V1", false))
	assert.Equal(t, "V1", d.Loaded())
	require.NoError(t, d.Transfer(ctx, &core.Job{ID: "j1", Direction: core.DirectionArchive, Size: 3*BlockSize + 1}))
	st, err := d.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), st.BlocksDone)
	assert.Equal(t, uint64(1), st.FSeq)
	require.NoError(t, d.Unmount(ctx))

	assert.Equal(t, []string{"j1"}, d.Transfers())
	assert.Equal(t, []string{"V1"}, ch.mounts)
	assert.Equal(t, []string{"V1"}, ch.dismounts)
	assert.Empty(t, d.Loaded())
}

func TestSimulated_ChangerFailureIsDriveFault(t *testing.T) {
	d := NewSimulated("drv0", "lib1", WithChanger(&fakeChanger{fail: errors.New("door open")}, 0))

	err := d.Mount(context.Background(), "V1", true)
	assert.Equal(t, core.ErrCodeDriveFault, core.CodeOf(err))
	assert.Empty(t, d.Loaded())
}

func TestSimulated_TransferHook(t *testing.T) {
	ctx := context.Background()
	d := NewSimulated("drv0", "lib1")
	d.TransferHook = func(job *core.Job) error {
		if job.ID == "bad" {
			return core.NewPermanentJobError("checksum mismatch", nil)
		}
		return nil
	}
	require.NoError(t, d.Mount(ctx, "V1", false))

	assert.NoError(t, d.Transfer(ctx, &core.Job{ID: "good"}))
	assert.Equal(t, core.ErrCodePermanentJob, Classify(d.Transfer(ctx, &core.Job{ID: "bad"})))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, core.ErrCodeDriveFault, Classify(core.NewDriveFault("d", "x", nil)))
	assert.Equal(t, core.ErrCodePermanentJob, Classify(core.NewPermanentJobError("x", nil)))
	assert.Equal(t, core.ErrCodeTransientJob, Classify(core.NewTransientJobError("x", nil)))
	assert.Equal(t, core.ErrCodeTransientJob, Classify(errors.New("eio")))
}

func TestSimulated_WriteProtected(t *testing.T) {
	ctx := context.Background()
	d := NewSimulated("drv0", "lib1")
	require.NoError(t, d.Mount(ctx, "V1", true))

	err := d.Transfer(ctx, &core.Job{ID: "a", Direction: core.DirectionArchive, Size: 1})
	assert.Equal(t, core.ErrCodePermanentJob, core.CodeOf(err))

	assert.NoError(t, d.Transfer(ctx, &core.Job{ID: "r", Direction: core.DirectionRetrieve, Size: 1}))
}

func TestSimulated_MountWhileLoaded(t *testing.T) {
	ctx := context.Background()
	d := NewSimulated("drv0", "lib1")
	require.NoError(t, d.Mount(ctx, "V1", false))

	err := d.Mount(ctx, "V2", false)
	assert.Equal(t, core.ErrCodeDriveFault, core.CodeOf(err))
	assert.Equal(t, "V1", d.Loaded())
}
