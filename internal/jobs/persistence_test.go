package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistenceAddDuplicateIsNoOp(t *testing.T) {
	var l PersistenceList
	now := time.Now()

	rule := PersistenceRule{ArchiveType: ArchiveTypeFull, MinKeep: 2, MaxKeep: 3, MaxAge: Unlimited}
	id1 := l.Add(rule, now)
	id2 := l.Add(rule, now)
	assert.Equal(t, id1, id2)
	assert.Len(t, l.Rules, 1)
}

func TestPersistenceOrdering(t *testing.T) {
	var l PersistenceList
	now := time.Now()

	l.Add(PersistenceRule{ArchiveType: ArchiveTypeFull, MaxAge: Unlimited}, now)
	l.Add(PersistenceRule{ArchiveType: ArchiveTypeFull, MaxAge: 7}, now)
	l.Add(PersistenceRule{ArchiveType: ArchiveTypeIncremental, MaxAge: 3}, now)
	l.Add(PersistenceRule{ArchiveType: ArchiveTypeFull, MaxAge: 30}, now)

	// Ordered by archive type, then ascending maxAge with forever last.
	require.Len(t, l.Rules, 4)
	assert.Equal(t, 7, l.Rules[0].MaxAge)
	assert.Equal(t, 30, l.Rules[1].MaxAge)
	assert.Equal(t, Unlimited, l.Rules[2].MaxAge)
	assert.Equal(t, ArchiveTypeIncremental, l.Rules[3].ArchiveType)
}

func TestAssignRule(t *testing.T) {
	var l PersistenceList
	now := time.Now()
	l.Add(PersistenceRule{ArchiveType: ArchiveTypeFull, MaxAge: 7}, now)
	l.Add(PersistenceRule{ArchiveType: ArchiveTypeFull, MaxAge: 30}, now)

	// Invariant: an assigned rule always covers the entity's archive type.
	assert.Equal(t, 7, l.AssignRule(ArchiveTypeFull, 1).MaxAge)
	assert.Equal(t, 30, l.AssignRule(ArchiveTypeFull, 10).MaxAge)
	// Past every window: the last rule of the type still applies so the
	// entity is never orphaned.
	assert.Equal(t, 30, l.AssignRule(ArchiveTypeFull, 99).MaxAge)
	assert.Nil(t, l.AssignRule(ArchiveTypeIncremental, 1))
}

func TestParseKeepAndAge(t *testing.T) {
	n, ok := ParseKeep("unlimited")
	require.True(t, ok)
	assert.Equal(t, Unlimited, n)

	n, ok = ParseKeep("5")
	require.True(t, ok)
	assert.Equal(t, 5, n)

	_, ok = ParseKeep("-1")
	assert.False(t, ok)

	n, ok = ParseAge("forever")
	require.True(t, ok)
	assert.Equal(t, Unlimited, n)

	assert.Equal(t, "unlimited", FormatKeep(Unlimited))
	assert.Equal(t, "forever", FormatAge(Unlimited))
	assert.Equal(t, "3", FormatKeep(3))
}

func TestAverageFilter(t *testing.T) {
	var f AverageFilter
	assert.Zero(t, f.Average())

	f.Append(10)
	f.Append(20)
	assert.InDelta(t, 15, f.Average(), 0.001)

	// Window eviction: fill past capacity with a constant, the early
	// samples fall out.
	for i := 0; i < 100; i++ {
		f.Append(5)
	}
	assert.InDelta(t, 5, f.Average(), 0.001)
}

func TestJobTriggerAndAbort(t *testing.T) {
	j := NewJob("test")
	require.True(t, j.Trigger(ArchiveTypeFull, j.UUID, "", false, false, false, time.Now(), "tester"))
	assert.Equal(t, StateWaiting, j.Running.State)
	// Double trigger is refused while active.
	assert.False(t, j.Trigger(ArchiveTypeFull, j.UUID, "", false, false, false, time.Now(), "tester"))

	// Abort before the runner picks it up finishes it immediately.
	j.Abort("tester")
	assert.Equal(t, StateAborted, j.Running.State)
	assert.True(t, j.Reset())
	assert.Equal(t, StateNone, j.Running.State)
}

func TestListNextWaitingPrefersContinuous(t *testing.T) {
	l := NewList()
	a := NewJob("a")
	b := NewJob("b")
	l.Append(a)
	l.Append(b)

	a.Trigger(ArchiveTypeFull, a.UUID, "", false, false, false, time.Now(), "t")
	b.Trigger(ArchiveTypeContinuous, b.UUID, "", false, false, false, time.Now(), "t")

	assert.Equal(t, b, l.NextWaiting(), "continuous jobs run first")

	b.Running.State = StateRunning
	assert.Equal(t, a, l.NextWaiting())
}

func TestListRemoteNeedsPairedSlave(t *testing.T) {
	l := NewList()
	j := NewJob("remote")
	j.SlaveHost = SlaveHost{Name: "backup1", Port: 38523}
	l.Append(j)

	j.Trigger(ArchiveTypeFull, j.UUID, "", false, false, false, time.Now(), "t")
	assert.Nil(t, l.NextWaiting(), "remote job must wait for pairing")

	j.SlaveState = SlaveStatePaired
	assert.Equal(t, j, l.NextWaiting())
}
