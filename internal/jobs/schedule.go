package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
)

// Any is the wildcard value for schedule date and time fields.
const Any = -1

// WeekDaySet is a bitmask of time.Weekday values. WeekDayAny matches every
// day.
type WeekDaySet uint8

// WeekDayAny is the wildcard weekday set.
const WeekDayAny WeekDaySet = 0x7F

// Contains reports whether the set includes d.
func (s WeekDaySet) Contains(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

var weekdayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday,
	"WED": time.Wednesday, "THU": time.Thursday, "FRI": time.Friday,
	"SAT": time.Saturday,
}

var weekdayOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// ParseWeekDaySet parses a comma-separated weekday list ("Mon,Wed,Fri") or
// "*".
func ParseWeekDaySet(s string) (WeekDaySet, error) {
	if s == "*" || s == "" {
		return WeekDayAny, nil
	}
	var set WeekDaySet
	for _, part := range strings.Split(s, ",") {
		d, ok := weekdayNames[strings.ToUpper(strings.TrimSpace(part))]
		if !ok {
			return 0, barerr.New(barerr.CodeParseWeekdays, "unknown weekday %q", part)
		}
		set |= 1 << uint(d)
	}
	return set, nil
}

// String formats the set in Mon..Sun order, or "*" for the wildcard.
func (s WeekDaySet) String() string {
	if s == WeekDayAny {
		return "*"
	}
	var names []string
	for _, d := range weekdayOrder {
		if s.Contains(d) {
			names = append(names, d.String()[:3])
		}
	}
	return strings.Join(names, ",")
}

// ScheduleDate is the date triple of a schedule; each field is a concrete
// value or Any.
type ScheduleDate struct {
	Year  int
	Month int
	Day   int
}

// ScheduleTime is the time pair of a schedule; each field is a concrete
// value or Any.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// Schedule is one recurrence rule owned by a job. The UUID is unique within
// the job; LastExecutedAt is persisted in the sibling job state file.
type Schedule struct {
	UUID           uuid.UUID
	Date           ScheduleDate
	WeekDays       WeekDaySet
	Time           ScheduleTime
	ArchiveType    ArchiveType
	Interval       int // minutes, continuous only
	CustomText     string
	TestCreated    bool
	NoStorage      bool
	Enabled        bool
	LastExecutedAt time.Time
}

// parseDatePart parses one date component, accepting "*" as Any.
func parseDatePart(s string, min, max int, code barerr.Code) (int, error) {
	if s == "*" {
		return Any, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, barerr.New(code, "invalid value %q", s)
	}
	return n, nil
}

// ParseScheduleDate parses "yyyy-mm-dd" where every component may be "*".
func ParseScheduleDate(s string) (ScheduleDate, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return ScheduleDate{}, barerr.New(barerr.CodeParseDate, "invalid date %q", s)
	}
	year, err := parseDatePart(parts[0], 1970, 9999, barerr.CodeParseDate)
	if err != nil {
		return ScheduleDate{}, err
	}
	month, err := parseDatePart(parts[1], 1, 12, barerr.CodeParseDate)
	if err != nil {
		return ScheduleDate{}, err
	}
	day, err := parseDatePart(parts[2], 1, 31, barerr.CodeParseDate)
	if err != nil {
		return ScheduleDate{}, err
	}
	return ScheduleDate{Year: year, Month: month, Day: day}, nil
}

func formatPart(n int, width int) string {
	if n == Any {
		return "*"
	}
	return fmt.Sprintf("%0*d", width, n)
}

// String formats the date triple; parsing then formatting yields the same
// string.
func (d ScheduleDate) String() string {
	return fmt.Sprintf("%s-%s-%s", formatPart(d.Year, 4), formatPart(d.Month, 2), formatPart(d.Day, 2))
}

// ParseScheduleTime parses "hh:mm" where both components may be "*".
func ParseScheduleTime(s string) (ScheduleTime, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ScheduleTime{}, barerr.New(barerr.CodeParseTime, "invalid time %q", s)
	}
	hour, err := parseDatePart(parts[0], 0, 23, barerr.CodeParseTime)
	if err != nil {
		return ScheduleTime{}, err
	}
	minute, err := parseDatePart(parts[1], 0, 59, barerr.CodeParseTime)
	if err != nil {
		return ScheduleTime{}, err
	}
	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// String formats the time pair.
func (t ScheduleTime) String() string {
	return fmt.Sprintf("%s:%s", formatPart(t.Hour, 2), formatPart(t.Minute, 2))
}

// Matches reports whether minute t satisfies the schedule's calendar fields.
// Continuous schedules ignore hour and minute.
func (s *Schedule) Matches(t time.Time) bool {
	if s.Date.Year != Any && s.Date.Year != t.Year() {
		return false
	}
	if s.Date.Month != Any && s.Date.Month != int(t.Month()) {
		return false
	}
	if s.Date.Day != Any && s.Date.Day != t.Day() {
		return false
	}
	if !s.WeekDays.Contains(t.Weekday()) {
		return false
	}
	if s.ArchiveType != ArchiveTypeContinuous {
		if s.Time.Hour != Any && s.Time.Hour != t.Hour() {
			return false
		}
		if s.Time.Minute != Any && s.Time.Minute != t.Minute() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	return &c
}
