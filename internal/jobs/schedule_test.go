package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleDateRoundTrip(t *testing.T) {
	// Parsing then formatting any date string yields the same string.
	for _, s := range []string{"*-*-*", "2024-06-01", "*-12-24", "2024-*-*"} {
		d, err := ParseScheduleDate(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, d.String())
	}
}

func TestScheduleTimeRoundTrip(t *testing.T) {
	for _, s := range []string{"*:*", "03:30", "*:15", "23:*"} {
		st, err := ParseScheduleTime(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, st.String())
	}
}

func TestParseScheduleDateRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "2024-13-01", "2024-06", "x-y-z", "2024-06-32"} {
		_, err := ParseScheduleDate(s)
		assert.Error(t, err, s)
	}
}

func TestWeekDaySet(t *testing.T) {
	set, err := ParseWeekDaySet("Mon,Wed,Fri")
	require.NoError(t, err)
	assert.True(t, set.Contains(time.Monday))
	assert.False(t, set.Contains(time.Tuesday))
	assert.Equal(t, "Mon,Wed,Fri", set.String())

	all, err := ParseWeekDaySet("*")
	require.NoError(t, err)
	for d := time.Sunday; d <= time.Saturday; d++ {
		assert.True(t, all.Contains(d))
	}
	assert.Equal(t, "*", all.String())

	_, err = ParseWeekDaySet("Mon,Funday")
	assert.Error(t, err)
}

func TestScheduleMatches(t *testing.T) {
	s := &Schedule{
		Date:        ScheduleDate{Year: Any, Month: Any, Day: Any},
		WeekDays:    WeekDayAny,
		Time:        ScheduleTime{Hour: 3, Minute: 30},
		ArchiveType: ArchiveTypeFull,
	}
	assert.True(t, s.Matches(time.Date(2024, 6, 1, 3, 30, 0, 0, time.UTC)))
	assert.False(t, s.Matches(time.Date(2024, 6, 1, 3, 31, 0, 0, time.UTC)))

	// Continuous ignores hour and minute.
	s.ArchiveType = ArchiveTypeContinuous
	assert.True(t, s.Matches(time.Date(2024, 6, 1, 17, 5, 0, 0, time.UTC)))
}

func TestParseArchiveType(t *testing.T) {
	for in, want := range map[string]ArchiveType{
		"FULL": ArchiveTypeFull, "full": ArchiveTypeFull, "F": ArchiveTypeFull,
		"incremental": ArchiveTypeIncremental, "CONTINUOUS": ArchiveTypeContinuous,
	} {
		got, err := ParseArchiveType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseArchiveType("weekly")
	assert.Error(t, err)
}
