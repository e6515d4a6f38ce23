package results_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/imaging"
	"pdxseg/internal/jobs"
	"pdxseg/internal/results"
	"pdxseg/internal/services"
	"pdxseg/internal/studies"
	"pdxseg/internal/testsupport"
	"pdxseg/internal/volume"
)

type fixture struct {
	registry  *jobs.Registry
	store     *artifacts.Store
	lib       *studies.Library
	assembler *results.Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	f := &fixture{
		registry: jobs.NewRegistry(),
		store:    artifacts.NewStore(cfg.Paths.StorageDir),
		lib:      testsupport.NewLibrary(t, cfg),
	}
	f.assembler = results.NewAssembler(f.registry, f.store, f.lib, nil)
	return f
}

func squareMask(size, side int) *imaging.Mask {
	m := imaging.NewMask(size, size)
	for y := range side {
		for x := range side {
			m.Pix[y*size+x] = 1
		}
	}
	return m
}

func TestAssembleUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.assembler.Assemble(context.Background(), "nope")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestAssembleNotReady(t *testing.T) {
	f := newFixture(t)
	id := f.registry.Create(jobs.Payload{StudyID: "s"})
	_, err := f.assembler.Assemble(context.Background(), id)
	assert.ErrorIs(t, err, services.ErrNotReady)
	assert.ErrorIs(t, err, services.ErrNotFound)

	f.registry.SetRunning(id)
	f.registry.SetError(id, "boom")
	_, err = f.assembler.Assemble(context.Background(), id)
	assert.ErrorIs(t, err, services.ErrNotReady)
}

func TestAssembleWithoutMasks(t *testing.T) {
	f := newFixture(t)
	info := testsupport.IngestStack(t, f.lib, 8, []bool{false})
	id := f.registry.Create(jobs.Payload{StudyID: info.ID})
	f.registry.SetDone(id, jobs.Result{StudyID: info.ID})

	_, err := f.assembler.Assemble(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.NotErrorIs(t, err, services.ErrNotReady)
}

func TestAssembleComputesVolume(t *testing.T) {
	f := newFixture(t)
	info := testsupport.IngestStack(t, f.lib, 8, []bool{false, true, true})
	require.NoError(t, f.store.PutMask(info.ID, 1, imaging.NewMask(8, 8)))
	require.NoError(t, f.store.PutMask(info.ID, 2, squareMask(8, 2)))
	require.NoError(t, f.store.PutMask(info.ID, 3, squareMask(8, 3)))

	id := f.registry.Create(jobs.Payload{StudyID: info.ID})
	f.registry.SetDone(id, jobs.Result{StudyID: info.ID, ClassificationFlags: []bool{false, true, true}})

	res, err := f.assembler.Assemble(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, info.ID, res.StudyID)
	assert.Equal(t, []int{0, 4, 9}, res.RawAreas)
	assert.Equal(t, []int{1, 2, 3}, res.SliceIndices)
	assert.Equal(t, []bool{false, true, true}, res.ClassificationFlags)
	assert.Equal(t, [2]float64{1, 1}, res.PixelSpacingMM)
	assert.Equal(t, 1.0, res.SliceThicknessMM)
	assert.InDelta(t, 0.013, res.TotalVolumeCC, 1e-12)
	assert.InDelta(t, volume.TotalVolumeCC(res.SliceAreasCC), res.TotalVolumeCC, 1e-12)
	require.NotNil(t, res.Study)
	assert.Equal(t, 3, res.Study.SliceCount)
}

func TestAssembleAllNegativeIsZeroVolume(t *testing.T) {
	f := newFixture(t)
	info := testsupport.IngestStack(t, f.lib, 8, []bool{false, false})
	for idx := 1; idx <= 2; idx++ {
		require.NoError(t, f.store.PutMask(info.ID, idx, imaging.NewMask(8, 8)))
	}
	id := f.registry.Create(jobs.Payload{StudyID: info.ID})
	f.registry.SetDone(id, jobs.Result{StudyID: info.ID, ClassificationFlags: []bool{false, false}})

	res, err := f.assembler.Assemble(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, res.TotalVolumeCC)
	assert.Equal(t, []float64{0, 0}, res.SliceAreasCC)
}

func TestAssembleFallsBackOnFlagLengthMismatch(t *testing.T) {
	f := newFixture(t)
	info := testsupport.IngestStack(t, f.lib, 8, []bool{true, false, true})
	require.NoError(t, f.store.PutMask(info.ID, 1, squareMask(8, 1)))
	require.NoError(t, f.store.PutMask(info.ID, 2, imaging.NewMask(8, 8)))
	require.NoError(t, f.store.PutMask(info.ID, 3, squareMask(8, 2)))

	id := f.registry.Create(jobs.Payload{StudyID: info.ID})
	f.registry.SetDone(id, jobs.Result{StudyID: info.ID, ClassificationFlags: []bool{true}})

	res, err := f.assembler.Assemble(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, res.ClassificationFlags)
}

func TestFlags(t *testing.T) {
	assert.Equal(t, []bool{false, true}, results.Flags([]bool{false, true}, []int{5, 0}),
		"stored flags win when lengths match")
	assert.Equal(t, []bool{true, false}, results.Flags(nil, []int{5, 0}))
	assert.Equal(t, []bool{true, false}, results.Flags([]bool{true, true, true}, []int{5, 0}))
	assert.Empty(t, results.Flags(nil, nil))
}
