package config

import (
	"time"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/jobs"
)

// MaintenanceWindow is one calendar window during which index maintenance
// (storage update and auto-index runs) is allowed. An empty window list
// means maintenance is always allowed.
type MaintenanceWindow struct {
	ID       int    `yaml:"id"`
	Date     string `yaml:"date"`     // yyyy-mm-dd with * wildcards
	WeekDays string `yaml:"weekDays"` // Mon,...,Sun or *
	Begin    string `yaml:"begin"`    // hh:mm
	End      string `yaml:"end"`      // hh:mm
}

// parsedWindow is the decoded form used for matching.
type parsedWindow struct {
	date     jobs.ScheduleDate
	weekDays jobs.WeekDaySet
	begin    jobs.ScheduleTime
	end      jobs.ScheduleTime
}

// Parse validates the window fields.
func (w MaintenanceWindow) Parse() (parsedWindow, error) {
	var p parsedWindow
	var err error
	if p.date, err = jobs.ParseScheduleDate(w.Date); err != nil {
		return p, barerr.New(barerr.CodeParseMaintenance, "invalid maintenance date %q", w.Date)
	}
	if p.weekDays, err = jobs.ParseWeekDaySet(w.WeekDays); err != nil {
		return p, barerr.New(barerr.CodeParseMaintenance, "invalid maintenance weekdays %q", w.WeekDays)
	}
	if p.begin, err = jobs.ParseScheduleTime(w.Begin); err != nil {
		return p, barerr.New(barerr.CodeParseMaintenance, "invalid maintenance begin time %q", w.Begin)
	}
	if p.end, err = jobs.ParseScheduleTime(w.End); err != nil {
		return p, barerr.New(barerr.CodeParseMaintenance, "invalid maintenance end time %q", w.End)
	}
	return p, nil
}

// matches reports whether t falls inside the window.
func (p parsedWindow) matches(t time.Time) bool {
	if p.date.Year != jobs.Any && p.date.Year != t.Year() {
		return false
	}
	if p.date.Month != jobs.Any && p.date.Month != int(t.Month()) {
		return false
	}
	if p.date.Day != jobs.Any && p.date.Day != t.Day() {
		return false
	}
	if !p.weekDays.Contains(t.Weekday()) {
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	begin := minuteOf(p.begin, 0)
	end := minuteOf(p.end, 24*60-1)
	return minute >= begin && minute <= end
}

func minuteOf(st jobs.ScheduleTime, def int) int {
	if st.Hour == jobs.Any || st.Minute == jobs.Any {
		return def
	}
	return st.Hour*60 + st.Minute
}

// IsMaintenanceTime reports whether now falls inside any configured window.
// Windows that fail to parse are skipped; an empty list allows maintenance
// at any time.
func (c *Config) IsMaintenanceTime(now time.Time) bool {
	opts := c.Get()
	if len(opts.Maintenance) == 0 {
		return true
	}
	for _, w := range opts.Maintenance {
		p, err := w.Parse()
		if err != nil {
			continue
		}
		if p.matches(now) {
			return true
		}
	}
	return false
}

// FindMaintenance returns the window with the given id, or nil.
func (o *Options) FindMaintenance(id int) *MaintenanceWindow {
	for i := range o.Maintenance {
		if o.Maintenance[i].ID == id {
			return &o.Maintenance[i]
		}
	}
	return nil
}

// NextMaintenanceID mints the next free window id.
func (o *Options) NextMaintenanceID() int {
	max := 0
	for _, w := range o.Maintenance {
		if w.ID > max {
			max = w.ID
		}
	}
	return max + 1
}
