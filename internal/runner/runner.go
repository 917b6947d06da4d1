// Package runner executes backup jobs: it picks the next runnable job off
// the job list, drives pre-script → create → post-script, feeds the
// progress filters, answers volume requests, and writes the history row.
// A single runner goroutine exists; a job runs at most once at any moment.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/hooks"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/scheduler"
	"github.com/barkeep-io/barkeep/internal/slaves"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// idleWait bounds how long the runner sleeps on the job-list condition
// before re-checking the quit flag.
const idleWait = 10 * time.Second

// Runner is the single job execution thread.
type Runner struct {
	list     *jobs.List
	store    *config.Store
	cfg      *config.Config
	ix       *index.Index
	agg      *index.AggregateCache
	archiver storage.Archiver
	mounter  storage.Mounter
	slaves   *slaves.Registry
	scripts  *hooks.Runner
	pause    *jobs.PauseFlags
	hub      *events.Hub
	met      *metrics.Metrics
	clock    clockwork.Clock
	log      *zap.Logger
	expireNow func(uuid.UUID)
}

// Deps bundles the runner's collaborators.
type Deps struct {
	List     *jobs.List
	Store    *config.Store
	Config   *config.Config
	Index    *index.Index
	Agg      *index.AggregateCache
	Archiver storage.Archiver
	Mounter  storage.Mounter
	Slaves   *slaves.Registry
	Scripts  *hooks.Runner
	Pause    *jobs.PauseFlags
	Hub      *events.Hub
	Metrics  *metrics.Metrics
	Clock    clockwork.Clock
	Logger   *zap.Logger

	// ExpireNow asks the persistence engine for immediate expiration of a
	// job's entities just before a new archive is created.
	ExpireNow func(uuid.UUID)
}

// New creates the runner.
func New(d Deps) *Runner {
	if d.Mounter == nil {
		d.Mounter = storage.ExecMounter{}
	}
	if d.Scripts == nil {
		d.Scripts = &hooks.Runner{}
	}
	return &Runner{
		list:     d.List,
		store:    d.Store,
		cfg:      d.Config,
		ix:       d.Index,
		agg:      d.Agg,
		archiver: d.Archiver,
		mounter:  d.Mounter,
		slaves:   d.Slaves,
		scripts:  d.Scripts,
		pause:    d.Pause,
		hub:      d.Hub,
		met:      d.Metrics,
		clock:    d.Clock,
		log:      d.Logger.Named("runner"),
		expireNow: d.ExpireNow,
	}
}

// snapshot is the copy of a job's inputs taken under the lock before the
// run; the lock is never held while calling into storage or index.
type snapshot struct {
	jobUUID      uuid.UUID
	jobName      string
	archiveURI   string
	archiveType  jobs.ArchiveType
	scheduleUUID uuid.UUID
	customText   string
	testCreated  bool
	noStorage    bool
	dryRun       bool
	startedAt    time.Time
	startedBy    string
	remote       bool

	includeFiles  []string
	includeImages []string
	excludes      []string
	mounts        []jobs.Mount

	options jobs.Options

	nextJobName      string
	nextJobUUID      string
	nextScheduleUUID string
	nextSchedule     string
	nextScheduleAt   time.Time
}

// Run is the runner loop. Blocks until quit is set.
func (r *Runner) Run(quit *trigger.QuitFlag) {
	r.log.Info("job runner started")
	for !quit.IsSet() {
		if !r.list.Lock(jobs.LockTimeout) {
			continue
		}
		j := r.list.NextWaiting()
		if j == nil {
			r.list.WaitModified(idleWait)
			r.list.Unlock()
			continue
		}

		snap := r.buildSnapshot(j)
		j.Running.State = jobs.StateRunning
		j.Running.Message = jobs.Message{}
		r.list.NotifyModified()
		r.list.Unlock()

		r.publishState(snap.jobUUID, snap.jobName, jobs.StateRunning)
		r.execute(snap, quit)
	}
	r.log.Info("job runner stopped")
}

// buildSnapshot copies the job's inputs and resolves the next-schedule
// macros. Caller holds the write lock.
func (r *Runner) buildSnapshot(j *jobs.Job) *snapshot {
	s := &snapshot{
		jobUUID:      j.UUID,
		jobName:      j.Name,
		archiveURI:   j.ArchiveURI,
		archiveType:  j.ArchiveType,
		scheduleUUID: j.ScheduleUUID,
		customText:   j.CustomText,
		testCreated:  j.TestCreated,
		noStorage:    j.NoStorage,
		dryRun:       j.DryRun,
		startedAt:    j.StartedAt,
		startedBy:    j.StartedBy,
		remote:       j.IsRemote(),
		options:      j.Options,
	}
	for _, e := range j.IncludeList {
		if e.Type == jobs.EntryTypeImage {
			s.includeImages = append(s.includeImages, e.Pattern)
		} else {
			s.includeFiles = append(s.includeFiles, e.Pattern)
		}
	}
	for _, p := range j.ExcludeList {
		s.excludes = append(s.excludes, p.Pattern)
	}
	for _, m := range j.MountList {
		s.mounts = append(s.mounts, *m)
	}

	if at, sched := scheduler.NextDueTime(j, r.clock.Now()); sched != nil {
		s.nextJobName = j.Name
		s.nextJobUUID = j.UUID.String()
		s.nextScheduleUUID = sched.UUID.String()
		s.nextSchedule = sched.CustomText
		s.nextScheduleAt = at
	}
	return s
}

// execute runs one job to completion and finalizes its state.
func (r *Runner) execute(snap *snapshot, quit *trigger.QuitFlag) {
	started := r.clock.Now()
	ctx := context.Background()

	var (
		runErr     error
		summary    storage.CreateSummary
		entityUUID uuid.UUID
	)

	// Remote jobs hold their connector for the whole run.
	var conn *slaves.Connector
	if snap.remote {
		var err error
		conn, err = r.acquireConnector(snap)
		if err != nil {
			r.finish(snap, started, storage.CreateSummary{}, uuid.UUID{}, err)
			return
		}
		defer r.releaseConnector(snap)
	}

	// Open the index best-effort; failure only disables history writes.
	var handle *index.Handle
	if h, err := r.ix.Open(); err == nil {
		handle = h
		defer handle.Close()
	} else {
		r.log.Warn("index unavailable, history disabled for this run",
			zap.String("job", snap.jobName), zap.Error(err))
	}

	spec, err := storage.Parse(expandArchiveName(snap.archiveURI, snap, r.clock.Now()))
	if err != nil {
		r.finish(snap, started, summary, entityUUID,
			barerr.New(barerr.CodeInvalidValue, "invalid storage %q: %v", snap.archiveURI, err))
		return
	}

	macros := r.scriptMacros(snap, spec)

	// Mount devices for the run; unmount on every exit path.
	var mounted []string
	for _, m := range snap.mounts {
		if err := r.mounter.Mount(ctx, m.Name, m.Device); err != nil {
			r.log.Warn("mount failed", zap.String("job", snap.jobName), zap.Error(err))
			continue
		}
		mounted = append(mounted, m.Name)
	}
	defer func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			if err := r.mounter.Unmount(ctx, mounted[i]); err != nil {
				r.log.Warn("unmount failed", zap.String("mount", mounted[i]), zap.Error(err))
			}
		}
	}()

	// Pre-script failure aborts the run.
	if res, err := r.scripts.Run(ctx, snap.options.PreCommand, macros); err != nil {
		r.log.Error("pre-script failed",
			zap.String("job", snap.jobName),
			zap.String("output", res.Output),
			zap.Error(err),
		)
		r.finish(snap, started, summary, entityUUID,
			barerr.New(barerr.CodeUnknown, "pre-script failed: %v", err))
		return
	}

	if snap.remote {
		summary, runErr = r.executeRemote(conn, snap, handle, quit)
	} else {
		summary, entityUUID, runErr = r.executeLocal(ctx, snap, spec, handle, quit)
	}

	// Post-script failure is recorded but does not undo finished work.
	if res, err := r.scripts.Run(ctx, snap.options.PostCommand, macros); err != nil {
		r.log.Error("post-script failed",
			zap.String("job", snap.jobName),
			zap.String("output", res.Output),
			zap.Error(err),
		)
		if runErr == nil {
			runErr = barerr.New(barerr.CodeUnknown, "post-script failed: %v", err)
		}
	}

	r.writeHistory(handle, snap, started, summary, entityUUID, runErr)
	r.finish(snap, started, summary, entityUUID, runErr)
	r.refreshAggregates(handle, snap)
}

// executeLocal mints the entity and drives the create collaborator.
func (r *Runner) executeLocal(ctx context.Context, snap *snapshot, spec storage.Specifier, handle *index.Handle, quit *trigger.QuitFlag) (storage.CreateSummary, uuid.UUID, error) {
	// A new archive of this type is about to be created; let the
	// persistence engine expire immediately instead of waiting out the
	// modification grace.
	if r.expireNow != nil {
		r.expireNow(snap.jobUUID)
	}

	var entityUUID uuid.UUID
	if handle != nil && !snap.dryRun {
		entity, err := handle.CreateEntity(ctx, snap.jobUUID, snap.scheduleUUID,
			snap.archiveType.String(), snap.startedAt)
		if err != nil {
			r.log.Warn("failed to create index entity", zap.String("job", snap.jobName), zap.Error(err))
		} else {
			entityUUID = entity.ID
			// Keep the entity locked while the run writes into it.
			if err := handle.LockEntity(ctx, entityUUID); err == nil {
				defer handle.UnlockEntity(ctx, entityUUID)
			}
		}
	}

	req := storage.CreateRequest{
		JobUUID:      snap.jobUUID,
		EntityUUID:   entityUUID,
		ScheduleUUID: snap.scheduleUUID,
		ArchiveName:  spec,
		ArchiveType:  snap.archiveType.String(),
		IncludeList:  snap.includeFiles,
		ImageList:    snap.includeImages,
		ExcludeList:  snap.excludes,
		StartedAt:    snap.startedAt,
		DryRun:       snap.dryRun,
		NoStorage:    snap.noStorage,
	}

	summary, err := r.archiver.Create(ctx, req, r.createCallbacks(snap, quit))

	if handle != nil && entityUUID != (uuid.UUID{}) && err == nil {
		if uerr := handle.UpdateEntityTotals(ctx, entityUUID,
			summary.TotalEntryCount, summary.TotalEntrySize); uerr != nil {
			r.log.Warn("failed to update entity totals", zap.Error(uerr))
		}
	}
	return summary, entityUUID, err
}

// executeRemote initializes remote storage and runs create over the control
// channel, mapping streamed progress rows onto the running info.
func (r *Runner) executeRemote(conn *slaves.Connector, snap *snapshot, handle *index.Handle, quit *trigger.QuitFlag) (storage.CreateSummary, error) {
	var summary storage.CreateSummary

	if _, err := conn.Execute("storageInit", protocolArgs(map[string]string{
		"jobUUID": snap.jobUUID.String(),
		"archive": snap.archiveURI,
	}), time.Minute, nil); err != nil {
		return summary, err
	}

	args := map[string]string{
		"jobUUID":      snap.jobUUID.String(),
		"scheduleUUID": snap.scheduleUUID.String(),
		"archiveType":  snap.archiveType.String(),
		"customText":   snap.customText,
		"dryRun":       boolWord(snap.dryRun),
		"noStorage":    boolWord(snap.noStorage),
		"testCreated":  boolWord(snap.testCreated),
	}

	lastTick := r.clock.Now()
	_, err := conn.Execute("create", protocolArgs(args), 0, func(row resultRow) {
		if r.isAborted(snap.jobUUID) {
			conn.Execute("jobAbort", protocolArgs(map[string]string{
				"jobUUID": snap.jobUUID.String(),
			}), time.Minute, nil)
			return
		}
		r.applyRemoteProgress(snap, row, &summary, &lastTick)
	})
	if r.isAborted(snap.jobUUID) {
		return summary, barerr.New(barerr.CodeAborted, "aborted")
	}
	return summary, err
}

// finish transitions the job to its terminal state and persists the
// schedule timestamps and state file.
func (r *Runner) finish(snap *snapshot, started time.Time, summary storage.CreateSummary, entityUUID uuid.UUID, runErr error) {
	duration := r.clock.Since(started)
	state := jobs.StateDone
	var code barerr.Code
	var text string
	switch {
	case barerr.Is(runErr, barerr.CodeAborted):
		state = jobs.StateAborted
		code = barerr.CodeAborted
		text = runErr.Error()
	case runErr != nil:
		state = jobs.StateError
		code = barerr.CodeOf(runErr)
		text = runErr.Error()
	}

	if !r.list.Lock(jobs.LockTimeout) {
		r.log.Error("job list busy, dropping run result", zap.String("job", snap.jobName))
		return
	}
	j := r.list.Find(snap.jobUUID)
	var abortedBy string
	if j != nil {
		abortedBy = j.AbortedBy
		j.Running.State = state
		j.Running.LastErrorCode = code
		j.Running.LastErrorText = text
		j.Running.Message = jobs.Message{Code: code, Text: text}
		j.Running.LastExecutedAt = r.clock.Now()
		j.Running.CompressionRatio = compressionRatio(summary, snap.dryRun)
		j.RequestedAbort = false

		if sched := j.FindSchedule(snap.scheduleUUID); sched != nil {
			sched.LastExecutedAt = snap.startedAt
		}
		if !snap.dryRun {
			if err := r.store.FlushState(j); err != nil {
				r.log.Warn("failed to write schedule state file",
					zap.String("job", j.Name), zap.Error(err))
			}
		}
		r.list.NotifyModified()
	}
	r.list.Unlock()

	hms := formatDuration(duration)
	switch state {
	case jobs.StateAborted:
		r.log.Info("job aborted",
			zap.String("job", snap.jobName),
			zap.String("aborted_by", abortedBy),
			zap.String("duration", hms),
		)
		r.met.JobRunsTotal.WithLabelValues("aborted").Inc()
	case jobs.StateError:
		r.log.Warn("job done with error",
			zap.String("job", snap.jobName),
			zap.String("duration", hms),
			zap.String("error", text),
		)
		r.met.JobRunsTotal.WithLabelValues("error").Inc()
	default:
		r.log.Info("job done",
			zap.String("job", snap.jobName),
			zap.String("duration", hms),
		)
		r.met.JobRunsTotal.WithLabelValues("done").Inc()
	}
	r.met.JobRunDuration.Observe(duration.Seconds())

	if !snap.nextScheduleAt.IsZero() {
		r.log.Info("next scheduled run",
			zap.String("job", snap.jobName),
			zap.Time("at", snap.nextScheduleAt),
		)
	}

	r.publishState(snap.jobUUID, snap.jobName, state)
}

// writeHistory records the run outcome in the index.
func (r *Runner) writeHistory(handle *index.Handle, snap *snapshot, started time.Time, summary storage.CreateSummary, entityUUID uuid.UUID, runErr error) {
	if handle == nil || snap.dryRun {
		return
	}
	row := &db.History{
		JobUUID:           snap.jobUUID,
		ScheduleUUID:      snap.scheduleUUID,
		EntityID:          entityUUID,
		ArchiveType:       snap.archiveType.String(),
		Kind:              "created",
		ErrorCode:         int(barerr.CodeOf(runErr)),
		Duration:          int64(r.clock.Since(started).Seconds()),
		TotalEntryCount:   summary.TotalEntryCount,
		TotalEntrySize:    summary.TotalEntrySize,
		SkippedEntryCount: summary.SkippedEntryCount,
		SkippedEntrySize:  summary.SkippedEntrySize,
		ErrorEntryCount:   summary.ErrorEntryCount,
		ErrorEntrySize:    summary.ErrorEntrySize,
	}
	if runErr != nil {
		row.ErrorText = runErr.Error()
	}
	if err := handle.AddHistory(context.Background(), row); err != nil {
		r.log.Warn("failed to write history row", zap.String("job", snap.jobName), zap.Error(err))
	}
}

// refreshAggregates reloads the cached statistics of the job and its
// schedules.
func (r *Runner) refreshAggregates(handle *index.Handle, snap *snapshot) {
	if handle == nil {
		return
	}
	var scheduleUUIDs []uuid.UUID
	if r.list.RLock(jobs.LockTimeout) {
		if j := r.list.Find(snap.jobUUID); j != nil {
			for _, s := range j.ScheduleList {
				scheduleUUIDs = append(scheduleUUIDs, s.UUID)
			}
		}
		r.list.RUnlock()
	}
	if err := r.agg.RefreshJob(context.Background(), handle, snap.jobUUID, scheduleUUIDs); err != nil {
		r.log.Debug("aggregate refresh failed", zap.String("job", snap.jobName), zap.Error(err))
	}
}

func (r *Runner) acquireConnector(snap *snapshot) (*slaves.Connector, error) {
	if !r.list.Lock(jobs.LockTimeout) {
		return nil, barerr.New(barerr.CodeConnectFail, "job list busy")
	}
	j := r.list.Find(snap.jobUUID)
	r.list.Unlock()
	if j == nil {
		return nil, barerr.New(barerr.CodeJobNotFound, "job %s vanished", snap.jobName)
	}
	return r.slaves.Acquire(j)
}

func (r *Runner) releaseConnector(snap *snapshot) {
	if !r.list.Lock(jobs.LockTimeout) {
		return
	}
	j := r.list.Find(snap.jobUUID)
	r.list.Unlock()
	if j != nil {
		r.slaves.Release(j)
	}
}

// publishState broadcasts a job state transition.
func (r *Runner) publishState(jobUUID uuid.UUID, jobName string, state jobs.State) {
	payload := map[string]string{"job": jobName, "state": state.String()}
	r.hub.Publish("jobs", events.Message{Type: events.MsgJobState, Payload: payload})
	r.hub.Publish("job:"+jobUUID.String(), events.Message{Type: events.MsgJobState, Payload: payload})
}

// scriptMacros builds the macro set for pre/post scripts.
func (r *Runner) scriptMacros(snap *snapshot, spec storage.Specifier) hooks.Macros {
	m := hooks.Macros{
		"name":      snap.jobName,
		"archive":   spec.String(),
		"type":      snap.archiveType.String(),
		"T":         snap.archiveType.String()[:1],
		"directory": spec.Directory().Path,
		"file":      spec.FileName(),

		"nextJobName":      snap.nextJobName,
		"nextJobUUID":      snap.nextJobUUID,
		"nextScheduleUUID": snap.nextScheduleUUID,
		"nextSchedule":     snap.nextSchedule,
	}
	if !snap.nextScheduleAt.IsZero() {
		m["nextScheduleDateTime"] = snap.nextScheduleAt.Format("2006-01-02 15:04:05")
	} else {
		m["nextScheduleDateTime"] = ""
	}
	return m
}

// compressionRatio is 1 − storageSize/entrySize when both are known.
func compressionRatio(s storage.CreateSummary, dryRun bool) float64 {
	if dryRun || s.TotalEntrySize <= 0 {
		return 0
	}
	return 1 - float64(s.StorageTotalSize)/float64(s.TotalEntrySize)
}

// formatDuration renders hh:mm:ss for run-outcome log lines.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
