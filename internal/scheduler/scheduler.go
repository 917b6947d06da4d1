// Package scheduler evaluates all job schedules once per minute and
// triggers due jobs. Due-time computation walks backwards minute-by-minute
// from "now" (rounded down to the minute) to the year of the job's last
// schedule-check, so a missed due time in the past still fires: it means
// "this should have run at that minute; run it now".
package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// rereadJobsInterval is how often modified jobs are flushed and the jobs
// directory is rescanned.
const rereadJobsInterval = time.Minute

// lookaheadLimit bounds the forward walk of NextDueTime.
const lookaheadLimit = 7 * 24 * time.Hour

// Never marks "no due time found".
var Never = time.Time{}

// Scheduler drives the per-minute schedule evaluation.
type Scheduler struct {
	list  *jobs.List
	store *config.Store
	cont  storage.ContinuousLog
	clock clockwork.Clock
	log   *zap.Logger

	// Trigger wakes the loop early, e.g. after jobStart or config changes.
	Trigger *trigger.Trigger

	lastReread time.Time
}

// New creates a Scheduler. cont may be nil when no continuous change log is
// available; continuous schedules then never fire.
func New(list *jobs.List, store *config.Store, cont storage.ContinuousLog, clock clockwork.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		list:    list,
		store:   store,
		cont:    cont,
		clock:   clock,
		log:     logger.Named("scheduler"),
		Trigger: trigger.New(),
	}
}

// scheduleSnapshot decouples evaluation from the job-list lock.
type scheduleSnapshot struct {
	jobUUID           uuid.UUID
	jobName           string
	schedule          jobs.Schedule
	lastScheduleCheck time.Time
}

// Run is the scheduler loop. Blocks until quit is set.
func (s *Scheduler) Run(quit *trigger.QuitFlag) {
	s.log.Info("scheduler started")
	for !quit.IsSet() {
		s.Tick()

		// Sleep until the next minute boundary or the trigger fires.
		now := s.clock.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		trigger.Delay(next.Sub(now), s.Trigger, quit)
	}
	s.log.Info("scheduler stopped")
}

// Tick performs one evaluation pass. Exported for tests.
func (s *Scheduler) Tick() {
	now := s.clock.Now().Truncate(time.Minute)

	if !s.list.Lock(jobs.LockTimeout) {
		s.log.Warn("job list busy, skipping scheduler tick")
		return
	}

	if s.clock.Since(s.lastReread) >= rereadJobsInterval {
		s.store.FlushModified(s.list)
		if err := s.store.Rescan(s.list); err != nil {
			s.log.Error("jobs directory rescan failed", zap.Error(err))
		}
		s.lastReread = s.clock.Now()
	}

	// Snapshot enabled schedules so due-time evaluation runs without the
	// lock.
	var snapshots []scheduleSnapshot
	for _, j := range s.list.All() {
		for _, sched := range j.ScheduleList {
			if !sched.Enabled {
				continue
			}
			snapshots = append(snapshots, scheduleSnapshot{
				jobUUID:           j.UUID,
				jobName:           j.Name,
				schedule:          *sched,
				lastScheduleCheck: j.LastScheduleCheck,
			})
		}
	}
	s.list.Unlock()

	type due struct {
		snap  scheduleSnapshot
		dueAt time.Time
	}
	var dues []due
	for i := range snapshots {
		dueAt := s.dueTime(now, &snapshots[i])
		if dueAt != Never {
			dues = append(dues, due{snap: snapshots[i], dueAt: dueAt})
		}
	}

	if !s.list.Lock(jobs.LockTimeout) {
		s.log.Warn("job list busy, deferring schedule triggers")
		return
	}
	defer s.list.Unlock()

	triggered := make(map[uuid.UUID]bool)
	for _, d := range dues {
		j := s.list.Find(d.snap.jobUUID)
		if j == nil || j.IsActive() || triggered[j.UUID] {
			continue
		}
		sched := j.FindSchedule(d.snap.schedule.UUID)
		if sched == nil || !sched.Enabled {
			continue
		}
		if j.Trigger(sched.ArchiveType, sched.UUID, sched.CustomText,
			sched.TestCreated, sched.NoStorage, false, d.dueAt, "scheduler") {
			triggered[j.UUID] = true
			s.log.Info("job triggered by schedule",
				zap.String("job", j.Name),
				zap.String("schedule", sched.UUID.String()),
				zap.String("archive_type", sched.ArchiveType.String()),
				zap.Time("due_at", d.dueAt),
			)
		}
	}

	for _, j := range s.list.All() {
		j.LastScheduleCheck = now
	}
	if len(triggered) > 0 {
		s.list.NotifyModified()
	}
}

// dueTime walks backwards from now minute-by-minute to the year of the last
// schedule-check and returns the most recent matching minute, or Never.
func (s *Scheduler) dueTime(now time.Time, snap *scheduleSnapshot) time.Time {
	sched := &snap.schedule

	// The walk never goes further back than the start of the year of the
	// last schedule-check (or the current year on first evaluation).
	limitYear := now.Year()
	if !snap.lastScheduleCheck.IsZero() {
		limitYear = snap.lastScheduleCheck.Year()
	}
	limit := time.Date(limitYear, 1, 1, 0, 0, 0, 0, now.Location())

	for t := now; !t.Before(limit); t = t.Add(-time.Minute) {
		if !t.After(sched.LastExecutedAt) {
			break
		}
		if !sched.Matches(t) {
			continue
		}
		if sched.ArchiveType == jobs.ArchiveTypeContinuous {
			if sched.Interval > 0 &&
				t.Before(sched.LastExecutedAt.Add(time.Duration(sched.Interval)*time.Minute)) {
				continue
			}
			if s.cont == nil || !s.cont.HasPending(snap.jobUUID, sched.UUID) {
				return Never
			}
		}
		return t
	}
	return Never
}

// NextDueTime walks forward from now for up to 7 days and returns the next
// future due time of any enabled non-continuous schedule of the job, plus
// that schedule. Informational only; no execution decision depends on it.
func NextDueTime(j *jobs.Job, now time.Time) (time.Time, *jobs.Schedule) {
	start := now.Truncate(time.Minute).Add(time.Minute)
	end := start.Add(lookaheadLimit)

	var (
		best      time.Time
		bestSched *jobs.Schedule
	)
	for _, sched := range j.ScheduleList {
		if !sched.Enabled || sched.ArchiveType == jobs.ArchiveTypeContinuous {
			continue
		}
		for t := start; t.Before(end); t = t.Add(time.Minute) {
			if sched.Matches(t) {
				if best.IsZero() || t.Before(best) {
					best = t
					bestSched = sched
				}
				break
			}
		}
	}
	return best, bestSched
}
