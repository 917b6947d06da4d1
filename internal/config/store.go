package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/jobs"
)

// Store loads and flushes the per-job config files in the jobs directory.
// It does not own the job list; callers hold the list's write lock across
// Rescan and FlushModified.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore creates a job-file store over the given directory.
func NewStore(dir string, logger *zap.Logger) *Store {
	return &Store{dir: dir, log: logger.Named("jobstore")}
}

// Dir returns the jobs directory.
func (s *Store) Dir() string {
	return s.dir
}

// JobFilePath returns the config path for a job name.
func (s *Store) JobFilePath(name string) string {
	return filepath.Join(s.dir, name)
}

// Rescan synchronizes the job list with the jobs directory: new files are
// loaded, known files re-read when their job is not active, and jobs whose
// file vanished are dropped unless active. Caller holds the write lock.
func (s *Store) Rescan(list *jobs.List) error {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("config: create jobs directory: %w", err)
	}
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("config: read jobs directory: %w", err)
	}

	seen := make(map[string]bool)
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		seen[name] = true

		path := s.JobFilePath(name)
		existing := list.FindByName(name)
		if existing != nil && existing.IsActive() {
			// Never reload under a running job.
			continue
		}

		loaded, warnings, err := ReadJobFile(path, name)
		if err != nil {
			s.log.Error("failed to load job file", zap.String("file", path), zap.Error(err))
			continue
		}
		for _, w := range warnings {
			s.log.Warn("job file", zap.String("detail", w))
		}
		if err := ReadJobState(loaded, StateFilePath(path)); err != nil {
			s.log.Warn("failed to load job state file", zap.String("file", path), zap.Error(err))
		}

		if existing == nil {
			list.Append(loaded)
			s.log.Info("job loaded", zap.String("job", name), zap.String("uuid", loaded.UUID.String()))
			continue
		}
		if existing.Modified {
			// In-memory changes win; they are flushed on the next cycle.
			continue
		}
		// Carry the transient state over to the re-read job. Schedule
		// timestamps in memory are newer than the state file until the next
		// run flushes them.
		loaded.Running = existing.Running
		loaded.SlaveState = existing.SlaveState
		loaded.LastScheduleCheck = existing.LastScheduleCheck
		for _, s := range loaded.ScheduleList {
			if prev := existing.FindSchedule(s.UUID); prev != nil &&
				prev.LastExecutedAt.After(s.LastExecutedAt) {
				s.LastExecutedAt = prev.LastExecutedAt
			}
		}
		list.Remove(existing.UUID)
		list.Append(loaded)
	}

	for _, j := range append([]*jobs.Job(nil), list.All()...) {
		if !seen[j.Name] && !j.IsActive() && j.FileName != "" {
			list.Remove(j.UUID)
			s.log.Info("job removed (file deleted)", zap.String("job", j.Name))
		}
	}
	return nil
}

// FlushModified writes every modified job back to its config file. Caller
// holds the write lock.
func (s *Store) FlushModified(list *jobs.List) {
	for _, j := range list.All() {
		if !j.Modified {
			continue
		}
		if j.FileName == "" {
			j.FileName = s.JobFilePath(j.Name)
		}
		if err := WriteJobFile(j, j.FileName); err != nil {
			s.log.Error("failed to flush job file", zap.String("job", j.Name), zap.Error(err))
			continue
		}
		j.Modified = false
		s.log.Debug("job flushed", zap.String("job", j.Name))
	}
}

// FlushState writes the sibling state file of one job.
func (s *Store) FlushState(j *jobs.Job) error {
	path := j.FileName
	if path == "" {
		path = s.JobFilePath(j.Name)
	}
	return WriteJobState(j, StateFilePath(path))
}

// Delete removes the config and state files of a job.
func (s *Store) Delete(j *jobs.Job) error {
	path := j.FileName
	if path == "" {
		path = s.JobFilePath(j.Name)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: delete job file: %w", err)
	}
	os.Remove(StateFilePath(path))
	return nil
}

// Rename moves a job's config and state files to a new name.
func (s *Store) Rename(j *jobs.Job, newName string) error {
	oldPath := j.FileName
	if oldPath == "" {
		oldPath = s.JobFilePath(j.Name)
	}
	newPath := s.JobFilePath(newName)
	if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("config: rename job file: %w", err)
	}
	os.Rename(StateFilePath(oldPath), StateFilePath(newPath))
	j.FileName = newPath
	return nil
}
