package indexer

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

const (
	// autoInterval is the period between auto-index sweeps.
	autoInterval = 10 * time.Minute

	// minFileAge skips archives created recently so the sweep does not race
	// a running backup still writing its parts.
	minFileAge = 30 * time.Minute

	// autoKeep is how long auto-mode rows survive without being seen.
	autoKeep = 7 * 24 * time.Hour

	// archiveSuffix selects archive files in storage directories.
	archiveSuffix = ".bar"
)

// AutoWorker discovers archive files in the storage directories referenced
// by any job and enrolls them into the index.
type AutoWorker struct {
	list  *jobs.List
	cfg   *config.Config
	ix    *index.Index
	reg   *storage.Registry
	pause *jobs.PauseFlags
	clock clockwork.Clock
	log   *zap.Logger

	// Trigger wakes the sweep early.
	Trigger *trigger.Trigger
}

// NewAutoWorker creates the auto worker.
func NewAutoWorker(list *jobs.List, cfg *config.Config, ix *index.Index, reg *storage.Registry, pause *jobs.PauseFlags, clock clockwork.Clock, logger *zap.Logger) *AutoWorker {
	return &AutoWorker{
		list:    list,
		cfg:     cfg,
		ix:      ix,
		reg:     reg,
		pause:   pause,
		clock:   clock,
		log:     logger.Named("indexer.auto"),
		Trigger: trigger.New(),
	}
}

// Run is the auto-index loop. Blocks until quit is set.
func (w *AutoWorker) Run(quit *trigger.QuitFlag) {
	if !w.ix.Initialized() {
		w.log.Info("no index configured, auto indexer not started")
		return
	}
	h, err := w.ix.Open()
	if err != nil {
		w.log.Error("index open failed, auto indexer terminated", zap.Error(err))
		return
	}
	defer h.Close()

	w.log.Info("auto indexer started")
	for !quit.IsSet() {
		if w.cfg.IsMaintenanceTime(w.clock.Now()) && !w.pause.IsIndexMaintenancePaused() {
			if err := w.sweep(h, quit); err != nil {
				w.log.Warn("auto-index sweep failed", zap.Error(err))
			}
			if n, err := h.AutoCleanStorages(context.Background(), w.clock.Now().Add(-autoKeep)); err != nil {
				w.log.Warn("auto-clean failed", zap.Error(err))
			} else if n > 0 {
				w.log.Named("index").Info("Auto-cleaned storage rows", zap.Int64("count", n))
			}
		}
		trigger.Delay(autoInterval, w.Trigger, quit)
	}
	w.log.Info("auto indexer stopped")
}

// storageDirectories collects the distinct directory URIs referenced by any
// job's storage template or persistence move target, with name macros
// expanded away.
func (w *AutoWorker) storageDirectories() []storage.Specifier {
	if !w.list.RLock(jobs.LockTimeout) {
		return nil
	}
	var uris []string
	for _, j := range w.list.All() {
		uris = append(uris, j.ArchiveURI)
		for _, r := range j.Persistence.Rules {
			if r.MoveTo != "" {
				uris = append(uris, r.MoveTo)
			}
		}
	}
	w.list.RUnlock()

	seen := make(map[string]bool)
	var out []storage.Specifier
	for _, uri := range uris {
		spec, err := storage.Parse(stripMacros(uri))
		if err != nil {
			continue
		}
		dir := spec.Directory()
		// A template whose directory part was all macros expands to nothing
		// useful; skip it.
		if dir.Path == "" || dir.Path == "." {
			continue
		}
		if key := dir.String(); !seen[key] {
			seen[key] = true
			out = append(out, dir)
		}
	}
	return out
}

// stripMacros removes %-macros from a storage template, leaving the fixed
// directory part.
func stripMacros(uri string) string {
	var b strings.Builder
	for i := 0; i < len(uri); i++ {
		if uri[i] != '%' {
			b.WriteByte(uri[i])
			continue
		}
		// Skip the macro word.
		i++
		for i < len(uri) && (isWordByte(uri[i])) {
			i++
		}
		i--
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// sweep enumerates every reachable storage directory and reconciles the
// found archive files with the index.
func (w *AutoWorker) sweep(h *index.Handle, quit *trigger.QuitFlag) error {
	ctx := context.Background()
	now := w.clock.Now()

	for _, dir := range w.storageDirectories() {
		if quit.IsSet() || w.pause.IsIndexMaintenancePaused() {
			return nil
		}

		backend, err := w.reg.Open(ctx, dir, storage.Credentials{})
		if err != nil {
			w.log.Debug("storage directory not reachable",
				zap.String("directory", dir.String()), zap.Error(err))
			continue
		}
		files, err := backend.List(ctx)
		backend.Close()
		if err != nil {
			w.log.Debug("storage directory listing failed",
				zap.String("directory", dir.String()), zap.Error(err))
			continue
		}

		for _, f := range files {
			if !strings.HasSuffix(f.Name, archiveSuffix) {
				continue
			}
			if now.Sub(f.Modified) < minFileAge {
				continue
			}

			uri := dir
			uri.Path = path.Join(dir.Path, f.Name)
			name := uri.String()

			row, err := h.FindStorageByName(ctx, name)
			if err != nil {
				return err
			}
			if row == nil {
				s := &db.Storage{
					Name:  name,
					Size:  f.Size,
					State: db.StorageStateUpdateRequested,
					Mode:  db.StorageModeAuto,
				}
				if err := h.CreateStorage(ctx, s); err != nil {
					return err
				}
				w.log.Named("index").Info("Auto-added storage", zap.String("storage", name))
				continue
			}

			if row.LastChecked == nil || f.Modified.After(*row.LastChecked) {
				if row.State != db.StorageStateUpdate {
					if err := h.SetStorageState(ctx, row.ID, db.StorageStateUpdateRequested, "", time.Time{}); err != nil {
						return err
					}
				}
			} else {
				if err := h.TouchStorage(ctx, row.ID, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
