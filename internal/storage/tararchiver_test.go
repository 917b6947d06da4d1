package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0750))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("bravo"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("junk"), 0644))
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	archiveDir := t.TempDir()
	restoreDir := t.TempDir()
	writeTree(t, src)

	a := &TarArchiver{Registry: NewRegistry()}
	archiveName, err := Parse(filepath.Join(archiveDir, "run1.bar"))
	require.NoError(t, err)

	var progressCalls int
	summary, err := a.Create(context.Background(), CreateRequest{
		ArchiveName: archiveName,
		IncludeList: []string{src},
		ExcludeList: []string{"*.tmp"},
	}, CreateCallbacks{
		Progress: func(Progress) { progressCalls++ },
	})
	require.NoError(t, err)

	assert.Positive(t, progressCalls)
	assert.Positive(t, summary.StorageTotalSize)
	assert.EqualValues(t, 1, summary.SkippedEntryCount)
	require.FileExists(t, filepath.Join(archiveDir, "run1.bar"))

	// Validate readability the way the index update worker does.
	require.NoError(t, a.UpdateIndex(context.Background(), archiveName.String(), "", nil))

	rsummary, err := a.Restore(context.Background(), RestoreRequest{
		StorageNames:   []string{archiveName.String()},
		DestinationDir: restoreDir,
		Overwrite:      true,
	}, RestoreCallbacks{})
	require.NoError(t, err)
	assert.Positive(t, rsummary.TotalEntryCount)

	restored, err := os.ReadFile(filepath.Join(restoreDir, src, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(restored))
	assert.NoFileExists(t, filepath.Join(restoreDir, src, "skip.tmp"))
}

func TestCreateAbortsCooperatively(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	archiveDir := t.TempDir()

	a := &TarArchiver{Registry: NewRegistry()}
	archiveName, err := Parse(filepath.Join(archiveDir, "run1.bar"))
	require.NoError(t, err)

	_, err = a.Create(context.Background(), CreateRequest{
		ArchiveName: archiveName,
		IncludeList: []string{src},
	}, CreateCallbacks{
		IsAborted: func() bool { return true },
	})
	assert.True(t, barerr.Is(err, barerr.CodeAborted))
	assert.NoFileExists(t, filepath.Join(archiveDir, "run1.bar"))
}

func TestDryRunWritesNothing(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)
	archiveDir := t.TempDir()

	a := &TarArchiver{Registry: NewRegistry()}
	archiveName, err := Parse(filepath.Join(archiveDir, "run1.bar"))
	require.NoError(t, err)

	summary, err := a.Create(context.Background(), CreateRequest{
		ArchiveName: archiveName,
		IncludeList: []string{src},
		DryRun:      true,
	}, CreateCallbacks{})
	require.NoError(t, err)
	assert.Positive(t, summary.TotalEntryCount)
	assert.Zero(t, summary.StorageTotalSize)
	assert.NoFileExists(t, filepath.Join(archiveDir, "run1.bar"))
}

func TestFileStorageBackend(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry()
	ctx := context.Background()

	spec, err := Parse(dir)
	require.NoError(t, err)
	backend, err := reg.Open(ctx, spec, Credentials{})
	require.NoError(t, err)
	defer backend.Close()

	w, err := backend.Create(ctx, "x.bar")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ok, err := backend.Exists(ctx, "x.bar")
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := backend.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "x.bar", infos[0].Name)
	assert.EqualValues(t, 7, infos[0].Size)

	require.NoError(t, backend.Delete(ctx, "x.bar"))
	ok, err = backend.Exists(ctx, "x.bar")
	require.NoError(t, err)
	assert.False(t, ok)
}
