// Package indexer contains the two background loops that keep the storage
// index aligned with back-end reality: the update worker refreshes storages
// whose index state is UpdateRequested, and the auto worker discovers
// archive files in job storage directories and enrolls them.
//
// Both loops run only inside maintenance windows, observe the pause flags,
// and abort on quit.
package indexer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

const (
	// updateIdle is the sleep when no storage waits for an update.
	updateIdle = 30 * time.Second
	// errorBackoff delays the retry after a transient failure.
	errorBackoff = 30 * time.Second
)

// UpdateWorker refreshes storages in state UpdateRequested.
type UpdateWorker struct {
	list    *jobs.List
	cfg     *config.Config
	ix      *index.Index
	reg     *storage.Registry
	updater storage.IndexUpdater
	pause   *jobs.PauseFlags
	met     *metrics.Metrics
	clock   clockwork.Clock
	log     *zap.Logger

	// Trigger wakes the loop, e.g. after indexRefresh commands.
	Trigger *trigger.Trigger
}

// NewUpdateWorker creates the update worker.
func NewUpdateWorker(list *jobs.List, cfg *config.Config, ix *index.Index, reg *storage.Registry, updater storage.IndexUpdater, pause *jobs.PauseFlags, met *metrics.Metrics, clock clockwork.Clock, logger *zap.Logger) *UpdateWorker {
	return &UpdateWorker{
		list:    list,
		cfg:     cfg,
		ix:      ix,
		reg:     reg,
		updater: updater,
		pause:   pause,
		met:     met,
		clock:   clock,
		log:     logger.Named("indexer.update"),
		Trigger: trigger.New(),
	}
}

// Run is the update loop. Blocks until quit is set. Index-open failure at
// thread start is terminal for the thread.
func (w *UpdateWorker) Run(quit *trigger.QuitFlag) {
	if !w.ix.Initialized() {
		w.log.Info("no index configured, update worker not started")
		return
	}
	h, err := w.ix.Open()
	if err != nil {
		w.log.Error("index open failed, update worker terminated", zap.Error(err))
		return
	}
	defer h.Close()

	w.log.Info("index update worker started")
	for !quit.IsSet() {
		if !w.cfg.IsMaintenanceTime(w.clock.Now()) ||
			w.pause.IsIndexUpdatePaused() || w.pause.IsIndexMaintenancePaused() {
			trigger.Delay(updateIdle, w.Trigger, quit)
			continue
		}

		worked, err := w.updateOne(h, quit)
		switch {
		case err != nil:
			// ConnectFail is routine for unreachable back-ends; keep it quiet.
			if barerr.Is(err, barerr.CodeConnectFail) {
				w.log.Debug("storage update failed", zap.Error(err))
			} else {
				w.log.Warn("storage update failed", zap.Error(err))
			}
			trigger.Delay(errorBackoff, w.Trigger, quit)
		case !worked:
			trigger.Delay(updateIdle, w.Trigger, quit)
		}
	}
	w.log.Info("index update worker stopped")
}

// updateOne refreshes the next pending storage. Returns whether any work
// was attempted.
func (w *UpdateWorker) updateOne(h *index.Handle, quit *trigger.QuitFlag) (bool, error) {
	ctx := context.Background()

	s, err := h.NextUpdateRequested(ctx)
	if err != nil || s == nil {
		return false, err
	}

	spec, err := storage.Parse(s.Name)
	if err != nil {
		return true, h.SetStorageState(ctx, s.ID, db.StorageStateError,
			"unparsable storage name", w.clock.Now())
	}

	creds := w.credentialCandidates(spec)
	passwords := w.cryptPasswordCandidates()

	// Make sure the storage is reachable with any credential candidate
	// before switching to Update.
	var opened storage.Storage
	for _, c := range creds {
		backend, err := w.reg.Open(ctx, spec.Directory(), c)
		if err != nil {
			continue
		}
		if ok, err := backend.Exists(ctx, spec.FileName()); err == nil && ok {
			opened = backend
			break
		}
		backend.Close()
	}
	if opened == nil {
		return true, h.SetStorageState(ctx, s.ID, db.StorageStateError,
			"storage not accessible", w.clock.Now())
	}
	opened.Close()

	if err := h.SetStorageState(ctx, s.ID, db.StorageStateUpdate, "", time.Time{}); err != nil {
		return true, err
	}

	isAborted := func() bool {
		return quit.IsSet() || w.pause.IsIndexMaintenancePaused()
	}

	var lastErr error
	for _, pw := range passwords {
		if isAborted() {
			// Interrupted: leave the request pending for the next window.
			return true, h.SetStorageState(ctx, s.ID, db.StorageStateUpdateRequested, "", time.Time{})
		}
		lastErr = w.updater.UpdateIndex(ctx, s.Name, pw, isAborted)
		if lastErr == nil {
			w.met.StoragesIndexed.Inc()
			return true, h.SetStorageState(ctx, s.ID, db.StorageStateOk, "", w.clock.Now())
		}
		if barerr.Is(lastErr, barerr.CodeInterrupted) || barerr.Is(lastErr, barerr.CodeAborted) {
			return true, h.SetStorageState(ctx, s.ID, db.StorageStateUpdateRequested, "", time.Time{})
		}
		if !barerr.Is(lastErr, barerr.CodeInvalidCryptPassword) {
			break
		}
	}
	return true, h.SetStorageState(ctx, s.ID, db.StorageStateError, lastErr.Error(), w.clock.Now())
}

// credentialCandidates builds the (userName, password) pairs tried against
// a back-end: accounts of jobs targeting the same (type, host), the global
// per-protocol password, and the anonymous pair.
func (w *UpdateWorker) credentialCandidates(spec storage.Specifier) []storage.Credentials {
	opts := w.cfg.Get()

	var globalPassword string
	switch spec.Type {
	case storage.TypeFTP:
		globalPassword = string(opts.FtpPassword)
	case storage.TypeSFTP:
		globalPassword = string(opts.SshPassword)
	case storage.TypeWebdav:
		globalPassword = string(opts.WebdavPassword)
	}

	seen := make(map[storage.Credentials]bool)
	var out []storage.Credentials
	add := func(c storage.Credentials) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	if w.list.RLock(jobs.LockTimeout) {
		for _, j := range w.list.All() {
			jspec, err := storage.Parse(j.ArchiveURI)
			if err != nil || jspec.Type != spec.Type || jspec.HostName != spec.HostName {
				continue
			}
			add(storage.Credentials{UserName: jspec.UserName, Password: globalPassword})
		}
		w.list.RUnlock()
	}

	add(storage.Credentials{UserName: spec.UserName, Password: globalPassword})
	add(storage.Credentials{})
	return out
}

// cryptPasswordCandidates is the union of the global crypt password and the
// empty password.
func (w *UpdateWorker) cryptPasswordCandidates() []string {
	var out []string
	if pw := string(w.cfg.Get().CryptPassword); pw != "" {
		out = append(out, pw)
	}
	out = append(out, "")
	return out
}
