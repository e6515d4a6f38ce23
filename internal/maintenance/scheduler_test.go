package maintenance_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdxseg/internal/artifacts"
	"pdxseg/internal/imaging"
	"pdxseg/internal/maintenance"
	"pdxseg/internal/testsupport"
)

func TestRunOnceRemovesStaleDerivedArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Maintenance.DerivedRetentionDays = 1
	store := artifacts.NewStore(cfg.Paths.StorageDir)

	require.NoError(t, store.PutMask("s1", 1, imaging.NewMask(2, 2)))
	require.NoError(t, store.Put("s1", 1, artifacts.KindRender, []byte("old")))
	require.NoError(t, store.Put("s1", 2, artifacts.KindOverlay, []byte("fresh")))

	old := time.Now().Add(-72 * time.Hour)
	for _, target := range []struct {
		idx  int
		kind artifacts.Kind
	}{{1, artifacts.KindRender}, {1, artifacts.KindMask}} {
		path, err := store.Path("s1", target.idx, target.kind)
		require.NoError(t, err)
		require.NoError(t, os.Chtimes(path, old, old))
	}

	result := maintenance.NewScheduler(cfg, store, nil).RunOnce(context.Background())
	assert.Len(t, result.Removed, 1)
	assert.Empty(t, result.Errors)

	_, err := store.Get("s1", 1, artifacts.KindRender)
	assert.Error(t, err)
	_, err = store.Get("s1", 2, artifacts.KindOverlay)
	assert.NoError(t, err)
	_, err = store.GetMask("s1", 1)
	assert.NoError(t, err, "masks are never pruned")
}

func TestStartHonoursSchedule(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := artifacts.NewStore(cfg.Paths.StorageDir)

	cfg.Maintenance.PruneSchedule = ""
	started, err := maintenance.NewScheduler(cfg, store, nil).Start()
	require.NoError(t, err)
	assert.False(t, started)

	cfg.Maintenance.PruneSchedule = "not a schedule"
	_, err = maintenance.NewScheduler(cfg, store, nil).Start()
	assert.Error(t, err)

	cfg.Maintenance.PruneSchedule = "@every 1h"
	s := maintenance.NewScheduler(cfg, store, nil)
	started, err = s.Start()
	require.NoError(t, err)
	assert.True(t, started)
	s.Stop()
	s.Stop()
}
