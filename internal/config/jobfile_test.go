package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/jobs"
)

func sampleJob() *jobs.Job {
	j := jobs.NewJob("nightly")
	j.ArchiveURI = "sftp://backup@host/backups/%name-%type.bar"
	j.AddInclude(jobs.EntryTypeFile, "/home")
	j.AddInclude(jobs.EntryTypeImage, "/dev/sda1")
	j.AddExclude("*.tmp")
	j.AddCompressExclude("*.gz")
	j.AddMount("/mnt/backup", "/dev/sdb1")
	j.AddDeltaSource("full", "/backups/full-*.bar")
	j.Options.CompressAlgorithm = "zstd-9"
	j.Options.PreCommand = "pg_dump mydb > /tmp/db.sql"
	j.Options.SkipUnreadable = true
	j.SlaveHost = jobs.SlaveHost{Name: "slave1", Port: 39523, TLSMode: jobs.TLSModeTry}

	j.AddSchedule(&jobs.Schedule{
		Date:        jobs.ScheduleDate{Year: jobs.Any, Month: jobs.Any, Day: jobs.Any},
		WeekDays:    jobs.WeekDayAny,
		Time:        jobs.ScheduleTime{Hour: 3, Minute: 30},
		ArchiveType: jobs.ArchiveTypeFull,
		CustomText:  "nightly",
		Enabled:     true,
	})
	j.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull,
		MinKeep:     2,
		MaxKeep:     4,
		MaxAge:      jobs.Unlimited,
		MoveTo:      "file:///archive",
	}, time.Time{})
	return j
}

func TestJobFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly")

	orig := sampleJob()
	require.NoError(t, WriteJobFile(orig, path))

	loaded, warnings, err := ReadJobFile(path, "nightly")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, orig.UUID, loaded.UUID)
	assert.Equal(t, orig.ArchiveURI, loaded.ArchiveURI)
	require.Len(t, loaded.IncludeList, 2)
	assert.Equal(t, jobs.EntryTypeImage, loaded.IncludeList[1].Type)
	require.Len(t, loaded.ExcludeList, 1)
	assert.Equal(t, "*.tmp", loaded.ExcludeList[0].Pattern)
	require.Len(t, loaded.MountList, 1)
	assert.Equal(t, "/dev/sdb1", loaded.MountList[0].Device)
	require.Len(t, loaded.DeltaSourceList, 1)
	assert.Equal(t, "zstd-9", loaded.Options.CompressAlgorithm)
	assert.True(t, loaded.Options.SkipUnreadable)
	assert.Equal(t, "slave1", loaded.SlaveHost.Name)
	assert.Equal(t, jobs.TLSModeTry, loaded.SlaveHost.TLSMode)

	require.Len(t, loaded.ScheduleList, 1)
	s := loaded.ScheduleList[0]
	assert.Equal(t, orig.ScheduleList[0].UUID, s.UUID)
	assert.Equal(t, "03:30", s.Time.String())
	assert.Equal(t, jobs.ArchiveTypeFull, s.ArchiveType)
	assert.True(t, s.Enabled)

	require.Len(t, loaded.Persistence.Rules, 1)
	r := loaded.Persistence.Rules[0]
	assert.Equal(t, 2, r.MinKeep)
	assert.Equal(t, 4, r.MaxKeep)
	assert.Equal(t, jobs.Unlimited, r.MaxAge)
	assert.Equal(t, "file:///archive", r.MoveTo)

	assert.False(t, loaded.Modified)
}

func TestJobStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	jobPath := filepath.Join(dir, "nightly")

	j := sampleJob()
	j.LastScheduleCheck = time.Unix(1717230000, 0)
	j.ScheduleList[0].LastExecutedAt = time.Unix(1717200600, 0)

	statePath := StateFilePath(jobPath)
	require.NoError(t, WriteJobState(j, statePath))

	fresh := sampleJob()
	fresh.ScheduleList[0].UUID = j.ScheduleList[0].UUID
	require.NoError(t, ReadJobState(fresh, statePath))

	assert.Equal(t, j.LastScheduleCheck.Unix(), fresh.LastScheduleCheck.Unix())
	assert.Equal(t, j.ScheduleList[0].LastExecutedAt.Unix(), fresh.ScheduleList[0].LastExecutedAt.Unix())
}

func TestStateFilePathIsHidden(t *testing.T) {
	assert.Equal(t, "/etc/barkeep/jobs/.nightly", StateFilePath("/etc/barkeep/jobs/nightly"))
}

func TestStoreRescanLoadsAndDrops(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, zap.NewNop())
	list := jobs.NewList()

	require.NoError(t, WriteJobFile(sampleJob(), filepath.Join(dir, "nightly")))

	require.NoError(t, store.Rescan(list))
	require.Equal(t, 1, list.Count())
	j := list.FindByName("nightly")
	require.NotNil(t, j)

	// Deleting the file drops the job on the next rescan.
	require.NoError(t, os.Remove(filepath.Join(dir, "nightly")))
	require.NoError(t, store.Rescan(list))
	assert.Zero(t, list.Count())
}

func TestUnknownKeysAreReportedNotFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "odd")
	require.NoError(t, os.WriteFile(path, []byte("archive-name = /tmp/a.bar\nfrobnicate = yes\n"), 0644))

	j, warnings, err := ReadJobFile(path, "odd")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.bar", j.ArchiveURI)
	assert.Len(t, warnings, 1)
}
