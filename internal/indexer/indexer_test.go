package indexer

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

type indexerFixture struct {
	ix     *index.Index
	handle *index.Handle
	list   *jobs.List
	cfg    *config.Config
	clock  *clockwork.FakeClock
	dir    string
}

func newIndexerFixture(t *testing.T) *indexerFixture {
	t.Helper()
	dir := t.TempDir()

	gormDB, err := db.New(db.Config{
		DSN:    filepath.Join(dir, "index.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	ix := index.New(gormDB, zap.NewNop())
	h, err := ix.Open()
	require.NoError(t, err)
	t.Cleanup(h.Close)

	cfg, err := config.Load(filepath.Join(dir, "barkeep.yaml"))
	require.NoError(t, err)

	return &indexerFixture{
		ix:     ix,
		handle: h,
		list:   jobs.NewList(),
		cfg:    cfg,
		clock:  clockwork.NewFakeClockAt(time.Now()),
		dir:    dir,
	}
}

// writeArchive drops a minimal tar-format .bar file with an old mtime.
func writeArchive(t *testing.T, path string, age time.Duration) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "x", Size: 0, Mode: 0644}))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestAutoWorkerEnrollsFoundArchives(t *testing.T) {
	f := newIndexerFixture(t)

	storageDir := filepath.Join(f.dir, "archives")
	require.NoError(t, os.MkdirAll(storageDir, 0750))
	writeArchive(t, filepath.Join(storageDir, "old.bar"), time.Hour)
	writeArchive(t, filepath.Join(storageDir, "fresh.bar"), time.Minute)
	require.NoError(t, os.WriteFile(filepath.Join(storageDir, "notes.txt"), []byte("x"), 0644))

	j := jobs.NewJob("auto")
	j.ArchiveURI = filepath.Join(storageDir, "%name-%type.bar")
	f.list.Append(j)

	w := NewAutoWorker(f.list, f.cfg, f.ix, storage.NewRegistry(), &jobs.PauseFlags{}, f.clock, zap.NewNop())
	require.NoError(t, w.sweep(f.handle, &trigger.QuitFlag{}))

	storages, err := f.handle.ListStorages(context.Background(), index.StorageFilter{})
	require.NoError(t, err)
	// Only the old archive qualifies: fresh files may still be written by a
	// running backup, and non-.bar files are ignored.
	require.Len(t, storages, 1)
	assert.Contains(t, storages[0].Name, "old.bar")
	assert.Equal(t, db.StorageStateUpdateRequested, storages[0].State)
	assert.Equal(t, db.StorageModeAuto, storages[0].Mode)
}

func TestUpdateWorkerRefreshesStorage(t *testing.T) {
	f := newIndexerFixture(t)

	storageDir := filepath.Join(f.dir, "archives")
	require.NoError(t, os.MkdirAll(storageDir, 0750))
	path := filepath.Join(storageDir, "run.bar")
	writeArchive(t, path, time.Hour)

	s := &db.Storage{Name: path, State: db.StorageStateUpdateRequested, Mode: db.StorageModeManual}
	require.NoError(t, f.handle.CreateStorage(context.Background(), s))

	reg := storage.NewRegistry()
	w := NewUpdateWorker(f.list, f.cfg, f.ix, reg, &storage.TarArchiver{Registry: reg},
		&jobs.PauseFlags{}, metrics.New(prometheus.NewRegistry()), f.clock, zap.NewNop())

	worked, err := w.updateOne(f.handle, &trigger.QuitFlag{})
	require.NoError(t, err)
	assert.True(t, worked)

	refreshed, err := f.handle.GetStorage(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StorageStateOk, refreshed.State)
	require.NotNil(t, refreshed.LastChecked)
}

func TestUpdateWorkerMarksUnreadableStorage(t *testing.T) {
	f := newIndexerFixture(t)

	s := &db.Storage{Name: filepath.Join(f.dir, "missing.bar"), State: db.StorageStateUpdateRequested}
	require.NoError(t, f.handle.CreateStorage(context.Background(), s))

	reg := storage.NewRegistry()
	w := NewUpdateWorker(f.list, f.cfg, f.ix, reg, &storage.TarArchiver{Registry: reg},
		&jobs.PauseFlags{}, metrics.New(prometheus.NewRegistry()), f.clock, zap.NewNop())

	worked, err := w.updateOne(f.handle, &trigger.QuitFlag{})
	require.NoError(t, err)
	assert.True(t, worked)

	refreshed, err := f.handle.GetStorage(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StorageStateError, refreshed.State)
}

func TestAutoCleanPurgesStaleAutoRows(t *testing.T) {
	f := newIndexerFixture(t)
	ctx := context.Background()

	stale := &db.Storage{Name: "/gone/a.bar", State: db.StorageStateOk, Mode: db.StorageModeAuto}
	require.NoError(t, f.handle.CreateStorage(ctx, stale))
	manual := &db.Storage{Name: "/gone/b.bar", State: db.StorageStateOk, Mode: db.StorageModeManual}
	require.NoError(t, f.handle.CreateStorage(ctx, manual))

	n, err := f.handle.AutoCleanStorages(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = f.handle.GetStorage(ctx, manual.ID)
	assert.NoError(t, err, "manual rows survive auto-clean")
}

func TestStripMacros(t *testing.T) {
	assert.Equal(t, "/backups/-.bar", stripMacros("/backups/%name-%type.bar"))
	assert.Equal(t, "/plain/path.bar", stripMacros("/plain/path.bar"))
}
