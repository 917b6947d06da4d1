package runner

import (
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
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

type runnerFixture struct {
	runner *Runner
	list   *jobs.List
	quit   *trigger.QuitFlag
	dir    string
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "barkeep.yaml"))
	require.NoError(t, err)

	list := jobs.NewList()
	hub := events.NewHub()
	done := make(chan struct{})
	go hub.Run(done)
	t.Cleanup(func() { close(done) })

	reg := storage.NewRegistry()
	quit := &trigger.QuitFlag{}
	t.Cleanup(quit.Set)

	r := New(Deps{
		List:     list,
		Store:    config.NewStore(filepath.Join(dir, "jobs"), zap.NewNop()),
		Config:   cfg,
		Index:    nil,
		Agg:      index.NewAggregateCache(),
		Archiver: &storage.TarArchiver{Registry: reg},
		Mounter:  storage.NopMounter{},
		Pause:    &jobs.PauseFlags{},
		Hub:      hub,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Clock:    clockwork.NewRealClock(),
		Logger:   zap.NewNop(),
	})
	return &runnerFixture{runner: r, list: list, quit: quit, dir: dir}
}

// waitForState polls the job until it leaves the active states.
func waitForState(t *testing.T, list *jobs.List, j *jobs.Job, timeout time.Duration) jobs.State {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		require.True(t, list.RLock(jobs.LockTimeout))
		state := j.Running.State
		list.RUnlock()
		if !state.IsActive() {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return jobs.StateNone
}

func TestRunnerExecutesLocalCreate(t *testing.T) {
	f := newRunnerFixture(t)

	srcDir := filepath.Join(f.dir, "data")
	require.NoError(t, os.MkdirAll(srcDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "file.txt"), []byte("payload"), 0644))

	archiveDir := filepath.Join(f.dir, "archives")
	j := jobs.NewJob("local-run")
	j.ArchiveURI = filepath.Join(archiveDir, "%name-%type.bar")
	j.AddInclude(jobs.EntryTypeFile, srcDir)

	require.True(t, f.list.Lock(jobs.LockTimeout))
	f.list.Append(j)
	require.True(t, j.Trigger(jobs.ArchiveTypeFull, j.UUID, "", false, false, false, time.Now(), "tester"))
	f.list.Unlock()

	go f.runner.Run(f.quit)

	state := waitForState(t, f.list, j, 10*time.Second)
	assert.Equal(t, jobs.StateDone, state)
	assert.FileExists(t, filepath.Join(archiveDir, "local-run-FULL.bar"))

	require.True(t, f.list.RLock(jobs.LockTimeout))
	assert.False(t, j.Running.LastExecutedAt.IsZero())
	assert.Zero(t, j.Running.LastErrorCode)
	f.list.RUnlock()
}

func TestRunnerFailsOnPreScript(t *testing.T) {
	f := newRunnerFixture(t)

	j := jobs.NewJob("bad-pre")
	j.ArchiveURI = filepath.Join(f.dir, "a.bar")
	j.Options.PreCommand = "exit 3"

	require.True(t, f.list.Lock(jobs.LockTimeout))
	f.list.Append(j)
	require.True(t, j.Trigger(jobs.ArchiveTypeFull, j.UUID, "", false, false, false, time.Now(), "tester"))
	f.list.Unlock()

	go f.runner.Run(f.quit)

	state := waitForState(t, f.list, j, 10*time.Second)
	assert.Equal(t, jobs.StateError, state)

	require.True(t, f.list.RLock(jobs.LockTimeout))
	assert.Contains(t, j.Running.LastErrorText, "pre-script")
	f.list.RUnlock()
}

func TestRunnerDryRunWritesNoArchive(t *testing.T) {
	f := newRunnerFixture(t)

	srcDir := filepath.Join(f.dir, "data")
	require.NoError(t, os.MkdirAll(srcDir, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "file.txt"), []byte("x"), 0644))

	archiveDir := filepath.Join(f.dir, "archives")
	j := jobs.NewJob("dry")
	j.ArchiveURI = filepath.Join(archiveDir, "dry.bar")
	j.AddInclude(jobs.EntryTypeFile, srcDir)

	require.True(t, f.list.Lock(jobs.LockTimeout))
	f.list.Append(j)
	require.True(t, j.Trigger(jobs.ArchiveTypeFull, j.UUID, "", false, false, true, time.Now(), "tester"))
	f.list.Unlock()

	go f.runner.Run(f.quit)

	state := waitForState(t, f.list, j, 10*time.Second)
	assert.Equal(t, jobs.StateDone, state)
	assert.NoFileExists(t, filepath.Join(archiveDir, "dry.bar"))
}

func TestExpandArchiveName(t *testing.T) {
	snap := &snapshot{jobName: "nightly", archiveType: jobs.ArchiveTypeFull}
	now := time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC)
	out := expandArchiveName("/backups/%name-%type-%Y%m%d.bar", snap, now)
	assert.Equal(t, "/backups/nightly-FULL-20240601.bar", out)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "01:02:03", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "00:00:00", formatDuration(0))
}
