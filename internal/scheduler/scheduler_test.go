package scheduler

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/jobs"
)

type fakeContinuousLog struct {
	pending map[uuid.UUID]bool
}

func (f *fakeContinuousLog) HasPending(jobUUID, scheduleUUID uuid.UUID) bool {
	return f.pending[scheduleUUID]
}

func newTestScheduler(t *testing.T, clock clockwork.Clock, cont *fakeContinuousLog) (*Scheduler, *jobs.List) {
	t.Helper()
	list := jobs.NewList()
	store := config.NewStore(t.TempDir(), zap.NewNop())
	var s *Scheduler
	if cont != nil {
		s = New(list, store, cont, clock, zap.NewNop())
	} else {
		s = New(list, store, nil, clock, zap.NewNop())
	}
	return s, list
}

func addJobWithSchedule(list *jobs.List, sched *jobs.Schedule) *jobs.Job {
	j := jobs.NewJob("nightly")
	j.AddSchedule(sched)
	list.Append(j)
	return j
}

// currentJob re-finds the job after a tick; the directory rescan may have
// replaced the in-memory instance with a re-read one.
func currentJob(t *testing.T, list *jobs.List) *jobs.Job {
	t.Helper()
	require.True(t, list.RLock(jobs.LockTimeout))
	defer list.RUnlock()
	j := list.FindByName("nightly")
	require.NotNil(t, j)
	return j
}

func fullSchedule() *jobs.Schedule {
	return &jobs.Schedule{
		Date:        jobs.ScheduleDate{Year: jobs.Any, Month: jobs.Any, Day: jobs.Any},
		WeekDays:    jobs.WeekDayAny,
		Time:        jobs.ScheduleTime{Hour: 3, Minute: 30},
		ArchiveType: jobs.ArchiveTypeFull,
		Enabled:     true,
	}
}

func TestScheduledFullBackupFiresOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC))
	s, list := newTestScheduler(t, clock, nil)
	j := addJobWithSchedule(list, fullSchedule())

	s.Tick()

	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateWaiting, j.Running.State)
	assert.Equal(t, jobs.ArchiveTypeFull, j.ArchiveType)
	assert.Equal(t, "scheduler", j.StartedBy)
	assert.Equal(t, time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC), j.StartedAt)
	list.RUnlock()

	// The run completes; the runner records the due time as last-executed.
	require.True(t, list.Lock(jobs.LockTimeout))
	j.Running.State = jobs.StateDone
	j.ScheduleList[0].LastExecutedAt = j.StartedAt
	list.Unlock()

	// One minute later no new trigger fires.
	clock.Advance(time.Minute)
	s.Tick()

	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateDone, j.Running.State)
	list.RUnlock()
}

func TestMissedDueTimeStillFires(t *testing.T) {
	// Returning a past due time is intended: "should have run then; run it
	// now". The daemon was down over 03:30; at 07:12 the job still fires
	// with the 03:30 due time.
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 7, 12, 0, 0, time.UTC))
	s, list := newTestScheduler(t, clock, nil)
	j := addJobWithSchedule(list, fullSchedule())

	s.Tick()

	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateWaiting, j.Running.State)
	assert.Equal(t, time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC), j.StartedAt)
	list.RUnlock()
}

func TestDisabledScheduleNeverFires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC))
	s, list := newTestScheduler(t, clock, nil)
	sched := fullSchedule()
	sched.Enabled = false
	j := addJobWithSchedule(list, sched)

	s.Tick()

	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateNone, j.Running.State)
	list.RUnlock()
}

func TestContinuousNeedsPendingChanges(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	cont := &fakeContinuousLog{pending: map[uuid.UUID]bool{}}
	s, list := newTestScheduler(t, clock, cont)

	sched := &jobs.Schedule{
		Date:        jobs.ScheduleDate{Year: jobs.Any, Month: jobs.Any, Day: jobs.Any},
		WeekDays:    jobs.WeekDayAny,
		Time:        jobs.ScheduleTime{Hour: jobs.Any, Minute: jobs.Any},
		ArchiveType: jobs.ArchiveTypeContinuous,
		Interval:    10,
		Enabled:     true,
	}
	j := addJobWithSchedule(list, sched)

	// No pending change-log entries: no trigger.
	s.Tick()
	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateNone, j.Running.State)
	list.RUnlock()

	// With pending entries the schedule fires.
	cont.pending[sched.UUID] = true
	clock.Advance(time.Minute)
	s.Tick()
	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateWaiting, j.Running.State)
	list.RUnlock()
}

func TestContinuousHonorsInterval(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	cont := &fakeContinuousLog{pending: map[uuid.UUID]bool{}}
	s, list := newTestScheduler(t, clock, cont)

	sched := &jobs.Schedule{
		Date:           jobs.ScheduleDate{Year: jobs.Any, Month: jobs.Any, Day: jobs.Any},
		WeekDays:       jobs.WeekDayAny,
		Time:           jobs.ScheduleTime{Hour: jobs.Any, Minute: jobs.Any},
		ArchiveType:    jobs.ArchiveTypeContinuous,
		Interval:       30,
		Enabled:        true,
		LastExecutedAt: now.Add(-5 * time.Minute),
	}
	j := addJobWithSchedule(list, sched)
	cont.pending[sched.UUID] = true

	// Only 5 of the 30 interval minutes have passed.
	s.Tick()
	j = currentJob(t, list)
	require.True(t, list.RLock(jobs.LockTimeout))
	assert.Equal(t, jobs.StateNone, j.Running.State)
	list.RUnlock()
}

func TestNextDueTimeLooksForward(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	j := jobs.NewJob("nightly")
	j.AddSchedule(fullSchedule())

	at, sched := NextDueTime(j, now)
	require.NotNil(t, sched)
	assert.Equal(t, time.Date(2024, 6, 2, 3, 30, 0, 0, time.UTC), at)
}
