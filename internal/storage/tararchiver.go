package storage

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

// TarArchiver is the built-in plain archiver: it packs the include list
// into a single uncompressed tar-format artifact per run. The production
// codec (compression, encryption, deduplication, multi-part archives)
// implements the same Archiver interface; this implementation keeps the
// server usable without it. It drives the progress, pause, abort and
// restore-error callbacks; it does not call GetCryptPassword,
// RequestVolume, IsPauseStorage or GetNamePassword.
type TarArchiver struct {
	Registry *Registry
}

// pausePoll is the sleep between pause-predicate polls.
const pausePoll = time.Second

// Create implements Archiver.
func (a *TarArchiver) Create(ctx context.Context, req CreateRequest, cb CreateCallbacks) (CreateSummary, error) {
	var summary CreateSummary

	type entry struct {
		path string
		info os.FileInfo
	}
	var entries []entry

	for _, root := range append(append([]string(nil), req.IncludeList...), req.ImageList...) {
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				summary.ErrorEntryCount++
				return nil
			}
			if cb.IsAborted != nil && cb.IsAborted() {
				return io.EOF
			}
			if excluded(path, req.ExcludeList) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				summary.SkippedEntryCount++
				summary.SkippedEntrySize += info.Size()
				return nil
			}
			entries = append(entries, entry{path: path, info: info})
			if info.Mode().IsRegular() {
				summary.TotalEntrySize += info.Size()
			}
			return nil
		})
	}
	summary.TotalEntryCount = int64(len(entries))

	if cb.IsAborted != nil && cb.IsAborted() {
		return summary, barerr.New(barerr.CodeAborted, "aborted")
	}

	var (
		w   io.WriteCloser
		dst Storage
	)
	if !req.DryRun && !req.NoStorage {
		var err error
		dst, err = a.Registry.Open(ctx, req.ArchiveName.Directory(), Credentials{})
		if err != nil {
			return summary, err
		}
		defer dst.Close()
		w, err = dst.Create(ctx, req.ArchiveName.FileName())
		if err != nil {
			return summary, err
		}
	}

	var tw *tar.Writer
	var counted *countingWriter
	if w != nil {
		counted = &countingWriter{w: w}
		tw = tar.NewWriter(counted)
	}

	progress := Progress{
		TotalEntryCount: summary.TotalEntryCount,
		TotalEntrySize:  summary.TotalEntrySize,
		StorageName:     req.ArchiveName.String(),
	}

	fail := func(err error) (CreateSummary, error) {
		if tw != nil {
			tw.Close()
			w.Close()
			dst.Delete(ctx, req.ArchiveName.FileName())
		}
		return summary, err
	}

	for _, e := range entries {
		if cb.IsAborted != nil && cb.IsAborted() {
			return fail(barerr.New(barerr.CodeAborted, "aborted"))
		}
		for cb.IsPauseCreate != nil && cb.IsPauseCreate() {
			if cb.IsAborted != nil && cb.IsAborted() {
				return fail(barerr.New(barerr.CodeAborted, "aborted"))
			}
			time.Sleep(pausePoll)
		}

		progress.EntryName = e.path
		progress.EntryTotalSize = e.info.Size()
		progress.EntryDoneSize = 0
		if cb.Progress != nil {
			cb.Progress(progress)
		}

		if tw != nil {
			if err := writeTarEntry(tw, e.path, e.info); err != nil {
				summary.ErrorEntryCount++
				if e.info.Mode().IsRegular() {
					summary.ErrorEntrySize += e.info.Size()
				}
				continue
			}
		}

		progress.DoneCount++
		if e.info.Mode().IsRegular() {
			progress.DoneSize += e.info.Size()
			progress.EntryDoneSize = e.info.Size()
		}
		if counted != nil {
			progress.StorageDoneSize = counted.n
			progress.ArchiveSize = counted.n
		}
		if cb.Progress != nil {
			cb.Progress(progress)
		}
	}

	if tw != nil {
		if err := tw.Close(); err != nil {
			return fail(fmt.Errorf("storage: finalize archive: %w", err))
		}
		if err := w.Close(); err != nil {
			return fail(fmt.Errorf("storage: close archive: %w", err))
		}
		summary.StorageTotalSize = counted.n
		summary.StorageNames = []string{req.ArchiveName.String()}
	}

	summary.TotalEntryCount = progress.DoneCount
	return summary, nil
}

// Restore implements Archiver.
func (a *TarArchiver) Restore(ctx context.Context, req RestoreRequest, cb RestoreCallbacks) (RestoreSummary, error) {
	var summary RestoreSummary

	for _, name := range req.StorageNames {
		if cb.IsAborted != nil && cb.IsAborted() {
			return summary, barerr.New(barerr.CodeAborted, "aborted")
		}

		spec, err := Parse(name)
		if err != nil {
			return summary, err
		}
		src, err := a.Registry.Open(ctx, spec.Directory(), Credentials{})
		if err != nil {
			return summary, err
		}
		r, err := src.Open(ctx, spec.FileName())
		if err != nil {
			src.Close()
			return summary, err
		}

		err = a.restoreArchive(r, req, cb, &summary)
		r.Close()
		src.Close()
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (a *TarArchiver) restoreArchive(r io.Reader, req RestoreRequest, cb RestoreCallbacks, summary *RestoreSummary) error {
	tr := tar.NewReader(r)
	for {
		if cb.IsAborted != nil && cb.IsAborted() {
			return barerr.New(barerr.CodeAborted, "aborted")
		}
		for cb.IsPauseRestore != nil && cb.IsPauseRestore() {
			if cb.IsAborted != nil && cb.IsAborted() {
				return barerr.New(barerr.CodeAborted, "aborted")
			}
			time.Sleep(pausePoll)
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: read archive: %w", err)
		}
		if len(req.IncludeList) > 0 && !matchesAny(hdr.Name, req.IncludeList) {
			continue
		}

		target := filepath.Join(req.DestinationDir, filepath.FromSlash(strings.TrimPrefix(hdr.Name, "/")))
		if cb.Progress != nil {
			cb.Progress(Progress{
				EntryName:      hdr.Name,
				EntryTotalSize: hdr.Size,
			})
		}

		if err := restoreEntry(tr, hdr, target, req.Overwrite); err != nil {
			summary.ErrorEntryCount++
			if cb.RestoreErrorHandler != nil &&
				!cb.RestoreErrorHandler(RestoreError{EntryName: hdr.Name, Err: err}) {
				return err
			}
			continue
		}
		summary.TotalEntryCount++
		summary.TotalEntrySize += hdr.Size
	}
}

func restoreEntry(tr *tar.Reader, hdr *tar.Header, target string, overwrite bool) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)&os.ModePerm)
	case tar.TypeSymlink:
		os.Remove(target)
		return os.Symlink(hdr.Linkname, target)
	default:
		if !overwrite {
			if _, err := os.Stat(target); err == nil {
				return fmt.Errorf("exists and overwrite not requested")
			}
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode)&os.ModePerm)
		if err != nil {
			return err
		}
		_, err = io.Copy(f, tr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func writeTarEntry(tw *tar.Writer, path string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(path)

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// UpdateIndex implements IndexUpdater by scanning the tar artifact.
// This implementation only validates readability: cryptPassword is
// ignored and no entries are reported to the caller.
func (a *TarArchiver) UpdateIndex(ctx context.Context, storageName, cryptPassword string, isAborted func() bool) error {
	spec, err := Parse(storageName)
	if err != nil {
		return err
	}
	src, err := a.Registry.Open(ctx, spec.Directory(), Credentials{})
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := src.Open(ctx, spec.FileName())
	if err != nil {
		return err
	}
	defer r.Close()

	tr := tar.NewReader(r)
	for {
		if isAborted != nil && isAborted() {
			return barerr.New(barerr.CodeInterrupted, "interrupted")
		}
		_, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage: unreadable archive %s: %w", storageName, err)
		}
	}
}

// countingWriter tracks how many bytes reached the storage.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func excluded(path string, patterns []string) bool {
	return matchesAny(path, patterns)
}

func matchesAny(path string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, filepath.Base(path)); ok {
			return true
		}
		if strings.HasPrefix(path, strings.TrimSuffix(pat, "/")+"/") || path == pat {
			return true
		}
	}
	return false
}
