package server

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
)

func (d *dispatcher) registerSubLists() {
	d.register("includeList", maskAuthorized, d.cmdIncludeList)
	d.register("includeListClear", maskAuthorized, d.cmdIncludeListClear)
	d.register("includeListAdd", maskAuthorized, d.cmdIncludeListAdd)
	d.register("includeListUpdate", maskAuthorized, d.cmdIncludeListUpdate)
	d.register("includeListRemove", maskAuthorized, d.cmdIncludeListRemove)

	d.register("excludeList", maskAuthorized, d.cmdExcludeList)
	d.register("excludeListClear", maskAuthorized, d.cmdExcludeListClear)
	d.register("excludeListAdd", maskAuthorized, d.cmdExcludeListAdd)
	d.register("excludeListUpdate", maskAuthorized, d.cmdExcludeListUpdate)
	d.register("excludeListRemove", maskAuthorized, d.cmdExcludeListRemove)

	d.register("excludeCompressList", maskAuthorized, d.cmdExcludeCompressList)
	d.register("excludeCompressListClear", maskAuthorized, d.cmdExcludeCompressListClear)
	d.register("excludeCompressListAdd", maskAuthorized, d.cmdExcludeCompressListAdd)
	d.register("excludeCompressListUpdate", maskAuthorized, d.cmdExcludeCompressListUpdate)
	d.register("excludeCompressListRemove", maskAuthorized, d.cmdExcludeCompressListRemove)

	d.register("mountList", maskAuthorized, d.cmdMountList)
	d.register("mountListClear", maskAuthorized, d.cmdMountListClear)
	d.register("mountListAdd", maskAuthorized, d.cmdMountListAdd)
	d.register("mountListUpdate", maskAuthorized, d.cmdMountListUpdate)
	d.register("mountListRemove", maskAuthorized, d.cmdMountListRemove)

	d.register("sourceList", maskAuthorized, d.cmdSourceList)
	d.register("sourceListClear", maskAuthorized, d.cmdSourceListClear)
	d.register("sourceListAdd", maskAuthorized, d.cmdSourceListAdd)
	d.register("sourceListUpdate", maskAuthorized, d.cmdSourceListUpdate)
	d.register("sourceListRemove", maskAuthorized, d.cmdSourceListRemove)

	d.register("scheduleList", maskAuthorized, d.cmdScheduleList)
	d.register("scheduleListClear", maskAuthorized, d.cmdScheduleListClear)
	d.register("scheduleListAdd", maskAuthorized, d.cmdScheduleListAdd)
	d.register("scheduleListUpdate", maskAuthorized, d.cmdScheduleListUpdate)
	d.register("scheduleListRemove", maskAuthorized, d.cmdScheduleListRemove)
	d.register("scheduleTrigger", maskAuthorized, d.cmdScheduleTrigger)
	d.register("scheduleOptionGet", maskAuthorized, d.cmdScheduleOptionGet)
	d.register("scheduleOptionSet", maskAuthorized, d.cmdScheduleOptionSet)

	d.register("persistenceList", maskAuthorized, d.cmdPersistenceList)
	d.register("persistenceListClear", maskAuthorized, d.cmdPersistenceListClear)
	d.register("persistenceListAdd", maskAuthorized, d.cmdPersistenceListAdd)
	d.register("persistenceListUpdate", maskAuthorized, d.cmdPersistenceListUpdate)
	d.register("persistenceListRemove", maskAuthorized, d.cmdPersistenceListRemove)
}

// ---- include -----------------------------------------------------------------

func (d *dispatcher) cmdIncludeList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, e := range j.IncludeList {
			rows = append(rows, protocol.Fields{}.
				Add("id", e.ID).
				Add("entryType", e.Type.String()).
				Add("pattern", e.Pattern))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) cmdIncludeListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.IncludeList = nil
		j.Modified = true
		return nil
	})
}

func (d *dispatcher) cmdIncludeListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	pattern, err := cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	entryType, err := jobs.ParseEntryType(cmd.Args.StringDefault("entryType", "FILE"))
	if err != nil {
		return nil, barerr.New(barerr.CodeInvalidValue, "%v", err)
	}
	var id int
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = j.AddInclude(entryType, pattern)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("id", id), nil
}

func (d *dispatcher) cmdIncludeListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	pattern, err := cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, e := range j.IncludeList {
			if e.ID == id {
				e.Pattern = pattern
				if v, ok := cmd.Args["entryType"]; ok {
					t, err := jobs.ParseEntryType(v)
					if err != nil {
						return barerr.New(barerr.CodeInvalidValue, "%v", err)
					}
					e.Type = t
				}
				j.Modified = true
				return nil
			}
		}
		return barerr.New(barerr.CodePatternIdNotFound, "include entry %d not found", id)
	})
}

func (d *dispatcher) cmdIncludeListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.RemoveInclude(id) {
			return barerr.New(barerr.CodePatternIdNotFound, "include entry %d not found", id)
		}
		return nil
	})
}

// ---- exclude (plain and compress) -------------------------------------------

// patternListOps generalizes the two pattern lists.
type patternListOps struct {
	list   func(*jobs.Job) []*jobs.Pattern
	clear  func(*jobs.Job)
	add    func(*jobs.Job, string) int
	remove func(*jobs.Job, int) bool
}

var excludeOps = patternListOps{
	list:   func(j *jobs.Job) []*jobs.Pattern { return j.ExcludeList },
	clear:  func(j *jobs.Job) { j.ExcludeList = nil; j.Modified = true },
	add:    (*jobs.Job).AddExclude,
	remove: (*jobs.Job).RemoveExclude,
}

var excludeCompressOps = patternListOps{
	list:   func(j *jobs.Job) []*jobs.Pattern { return j.CompressExcludeList },
	clear:  func(j *jobs.Job) { j.CompressExcludeList = nil; j.Modified = true },
	add:    (*jobs.Job).AddCompressExclude,
	remove: (*jobs.Job).RemoveCompressExclude,
}

func (d *dispatcher) patternList(sess *Session, cmd *protocol.Command, ops patternListOps) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, p := range ops.list(j) {
			rows = append(rows, protocol.Fields{}.Add("id", p.ID).Add("pattern", p.Pattern))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) patternListClear(cmd *protocol.Command, ops patternListOps) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		ops.clear(j)
		return nil
	})
}

func (d *dispatcher) patternListAdd(cmd *protocol.Command, ops patternListOps) (protocol.Fields, error) {
	pattern, err := cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	var id int
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = ops.add(j, pattern)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("id", id), nil
}

func (d *dispatcher) patternListUpdate(cmd *protocol.Command, ops patternListOps) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	pattern, err := cmd.Args.String("pattern")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, p := range ops.list(j) {
			if p.ID == id {
				p.Pattern = pattern
				j.Modified = true
				return nil
			}
		}
		return barerr.New(barerr.CodePatternIdNotFound, "pattern %d not found", id)
	})
}

func (d *dispatcher) patternListRemove(cmd *protocol.Command, ops patternListOps) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !ops.remove(j, id) {
			return barerr.New(barerr.CodePatternIdNotFound, "pattern %d not found", id)
		}
		return nil
	})
}

func (d *dispatcher) cmdExcludeList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternList(sess, cmd, excludeOps)
}
func (d *dispatcher) cmdExcludeListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListClear(cmd, excludeOps)
}
func (d *dispatcher) cmdExcludeListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListAdd(cmd, excludeOps)
}
func (d *dispatcher) cmdExcludeListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListUpdate(cmd, excludeOps)
}
func (d *dispatcher) cmdExcludeListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListRemove(cmd, excludeOps)
}

func (d *dispatcher) cmdExcludeCompressList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternList(sess, cmd, excludeCompressOps)
}
func (d *dispatcher) cmdExcludeCompressListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListClear(cmd, excludeCompressOps)
}
func (d *dispatcher) cmdExcludeCompressListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListAdd(cmd, excludeCompressOps)
}
func (d *dispatcher) cmdExcludeCompressListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListUpdate(cmd, excludeCompressOps)
}
func (d *dispatcher) cmdExcludeCompressListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return d.patternListRemove(cmd, excludeCompressOps)
}

// ---- mounts -----------------------------------------------------------------

func (d *dispatcher) cmdMountList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, m := range j.MountList {
			rows = append(rows, protocol.Fields{}.
				Add("id", m.ID).
				Add("name", m.Name).
				Add("device", m.Device))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) cmdMountListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.MountList = nil
		j.Modified = true
		return nil
	})
}

func (d *dispatcher) cmdMountListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var id int
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = j.AddMount(name, cmd.Args.StringDefault("device", ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("id", id), nil
}

func (d *dispatcher) cmdMountListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, m := range j.MountList {
			if m.ID == id {
				if v, ok := cmd.Args["name"]; ok {
					m.Name = v
				}
				if v, ok := cmd.Args["device"]; ok {
					m.Device = v
				}
				j.Modified = true
				return nil
			}
		}
		return barerr.New(barerr.CodeMountIdNotFound, "mount %d not found", id)
	})
}

func (d *dispatcher) cmdMountListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.RemoveMount(id) {
			return barerr.New(barerr.CodeMountIdNotFound, "mount %d not found", id)
		}
		return nil
	})
}

// ---- delta sources ----------------------------------------------------------

func (d *dispatcher) cmdSourceList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, ds := range j.DeltaSourceList {
			rows = append(rows, protocol.Fields{}.
				Add("id", ds.ID).
				Add("name", ds.Name).
				Add("pattern", ds.Pattern))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) cmdSourceListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.DeltaSourceList = nil
		j.Modified = true
		return nil
	})
}

func (d *dispatcher) cmdSourceListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var id int
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = j.AddDeltaSource(name, cmd.Args.StringDefault("pattern", ""))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("id", id), nil
}

func (d *dispatcher) cmdSourceListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, ds := range j.DeltaSourceList {
			if ds.ID == id {
				if v, ok := cmd.Args["name"]; ok {
					ds.Name = v
				}
				if v, ok := cmd.Args["pattern"]; ok {
					ds.Pattern = v
				}
				j.Modified = true
				return nil
			}
		}
		return barerr.New(barerr.CodeDeltaSourceIdNotFound, "delta source %d not found", id)
	})
}

func (d *dispatcher) cmdSourceListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.RemoveDeltaSource(id) {
			return barerr.New(barerr.CodeDeltaSourceIdNotFound, "delta source %d not found", id)
		}
		return nil
	})
}

// ---- schedules --------------------------------------------------------------

func scheduleFields(s *jobs.Schedule, agg protocol.Fields) protocol.Fields {
	f := protocol.Fields{}.
		Add("scheduleUUID", s.UUID.String()).
		Add("date", s.Date.String()).
		Add("weekDays", s.WeekDays.String()).
		Add("time", s.Time.String()).
		Add("archiveType", s.ArchiveType.String()).
		Add("interval", s.Interval).
		Add("customText", s.CustomText).
		Add("testCreatedArchives", boolWord(s.TestCreated)).
		Add("noStorage", boolWord(s.NoStorage)).
		Add("enabled", boolWord(s.Enabled)).
		Add("lastExecutedDateTime", s.LastExecutedAt.Unix())
	return append(f, agg...)
}

func (d *dispatcher) cmdScheduleList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, s := range j.ScheduleList {
			var agg protocol.Fields
			if info, ok := d.srv.Agg.Get(s.UUID); ok {
				agg = protocol.Fields{}.
					Add("totalEntityCount", info.TotalEntityCount).
					Add("totalEntryCount", info.TotalEntryCount).
					Add("totalEntrySize", info.TotalEntrySize)
			}
			rows = append(rows, scheduleFields(s, agg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) cmdScheduleListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.ScheduleList = nil
		j.Modified = true
		return nil
	})
}

// scheduleFromArgs parses the calendar fields of scheduleListAdd/Update.
func scheduleFromArgs(args protocol.Args, s *jobs.Schedule) error {
	var err error
	if s.Date, err = jobs.ParseScheduleDate(args.StringDefault("date", "*-*-*")); err != nil {
		return err
	}
	if s.WeekDays, err = jobs.ParseWeekDaySet(args.StringDefault("weekDays", "*")); err != nil {
		return err
	}
	if s.Time, err = jobs.ParseScheduleTime(args.StringDefault("time", "*:*")); err != nil {
		return err
	}
	if s.ArchiveType, err = jobs.ParseArchiveType(args.StringDefault("archiveType", "NORMAL")); err != nil {
		return barerr.New(barerr.CodeParseSchedule, "%v", err)
	}
	s.Interval = args.IntDefault("interval", 0)
	s.CustomText = args.StringDefault("customText", "")
	s.TestCreated = args.Bool("testCreatedArchives", false)
	s.NoStorage = args.Bool("noStorage", false)
	s.Enabled = args.Bool("enabled", true)
	return nil
}

func (d *dispatcher) cmdScheduleListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var s jobs.Schedule
	if err := scheduleFromArgs(cmd.Args, &s); err != nil {
		return nil, err
	}
	var id uuid.UUID
	err := d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = j.AddSchedule(&s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.srv.Scheduler.Trigger.Signal()
	return protocol.Fields{}.Add("scheduleUUID", id.String()), nil
}

func (d *dispatcher) cmdScheduleListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	scheduleUUID, err := cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		s := j.FindSchedule(scheduleUUID)
		if s == nil {
			return barerr.New(barerr.CodeScheduleNotFound, "schedule %s not found", scheduleUUID)
		}
		updated := *s
		if err := scheduleFromArgs(cmd.Args, &updated); err != nil {
			return err
		}
		updated.UUID = s.UUID
		updated.LastExecutedAt = s.LastExecutedAt
		*s = updated
		j.Modified = true
		return nil
	})
}

func (d *dispatcher) cmdScheduleListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	scheduleUUID, err := cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.RemoveSchedule(scheduleUUID) {
			return barerr.New(barerr.CodeScheduleNotFound, "schedule %s not found", scheduleUUID)
		}
		return nil
	})
}

// cmdScheduleTrigger starts a job exactly as its schedule would.
func (d *dispatcher) cmdScheduleTrigger(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	scheduleUUID, err := cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		s := j.FindSchedule(scheduleUUID)
		if s == nil {
			return barerr.New(barerr.CodeScheduleNotFound, "schedule %s not found", scheduleUUID)
		}
		if !j.Trigger(s.ArchiveType, s.UUID, s.CustomText, s.TestCreated, s.NoStorage,
			false, d.srv.Clock.Now(), sess.Name()) {
			return barerr.New(barerr.CodeJobRunning, "job %q is already active", j.Name)
		}
		d.srv.List.NotifyModified()
		return nil
	})
	return nil, err
}

// scheduleOptionGet/Set address single schedule fields by name.
func (d *dispatcher) cmdScheduleOptionGet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	scheduleUUID, err := cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	var f protocol.Fields
	err = d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		s := j.FindSchedule(scheduleUUID)
		if s == nil {
			return barerr.New(barerr.CodeScheduleNotFound, "schedule %s not found", scheduleUUID)
		}
		var value string
		switch name {
		case "date":
			value = s.Date.String()
		case "weekdays":
			value = s.WeekDays.String()
		case "time":
			value = s.Time.String()
		case "archive-type":
			value = s.ArchiveType.String()
		case "interval":
			value = itoa(s.Interval)
		case "text":
			value = s.CustomText
		case "enabled":
			value = boolWord(s.Enabled)
		default:
			return barerr.New(barerr.CodeUnknownValue, "unknown schedule option %q", name)
		}
		f = protocol.Fields{}.Add("value", value)
		return nil
	})
	return f, err
}

func (d *dispatcher) cmdScheduleOptionSet(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	scheduleUUID, err := cmd.Args.UUID("scheduleUUID")
	if err != nil {
		return nil, err
	}
	name, err := cmd.Args.String("name")
	if err != nil {
		return nil, err
	}
	value, err := cmd.Args.String("value")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		s := j.FindSchedule(scheduleUUID)
		if s == nil {
			return barerr.New(barerr.CodeScheduleNotFound, "schedule %s not found", scheduleUUID)
		}
		switch name {
		case "date":
			d, err := jobs.ParseScheduleDate(value)
			if err != nil {
				return err
			}
			s.Date = d
		case "weekdays":
			w, err := jobs.ParseWeekDaySet(value)
			if err != nil {
				return err
			}
			s.WeekDays = w
		case "time":
			t, err := jobs.ParseScheduleTime(value)
			if err != nil {
				return err
			}
			s.Time = t
		case "archive-type":
			t, err := jobs.ParseArchiveType(value)
			if err != nil {
				return barerr.New(barerr.CodeParseSchedule, "%v", err)
			}
			s.ArchiveType = t
		case "interval":
			n, err := atoi(value)
			if err != nil {
				return barerr.New(barerr.CodeInvalidValue, "invalid interval %q", value)
			}
			s.Interval = n
		case "text":
			s.CustomText = value
		case "enabled":
			s.Enabled = value == "yes"
		default:
			return barerr.New(barerr.CodeUnknownValue, "unknown schedule option %q", name)
		}
		j.Modified = true
		return nil
	})
}

// ---- persistence ------------------------------------------------------------

func (d *dispatcher) cmdPersistenceList(sess *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	var rows []protocol.Fields
	err := d.withJobsRead(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		for _, r := range j.Persistence.Rules {
			rows = append(rows, protocol.Fields{}.
				Add("id", r.ID).
				Add("archiveType", r.ArchiveType.String()).
				Add("minKeep", jobs.FormatKeep(r.MinKeep)).
				Add("maxKeep", jobs.FormatKeep(r.MaxKeep)).
				Add("maxAge", jobs.FormatAge(r.MaxAge)).
				Add("moveTo", r.MoveTo))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		sess.sendRow(cmd.ID, r)
	}
	return nil, nil
}

func (d *dispatcher) cmdPersistenceListClear(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		j.Persistence.Clear(d.srv.Clock.Now())
		j.Modified = true
		return nil
	})
}

// persistenceFromArgs parses a rule from command arguments.
func persistenceFromArgs(args protocol.Args) (jobs.PersistenceRule, error) {
	var r jobs.PersistenceRule
	t, err := jobs.ParseArchiveType(args.StringDefault("archiveType", "NORMAL"))
	if err != nil {
		return r, barerr.New(barerr.CodeInvalidValue, "%v", err)
	}
	r.ArchiveType = t

	var ok bool
	if r.MinKeep, ok = jobs.ParseKeep(args.StringDefault("minKeep", "unlimited")); !ok {
		return r, barerr.New(barerr.CodeInvalidValue, "invalid minKeep")
	}
	if r.MaxKeep, ok = jobs.ParseKeep(args.StringDefault("maxKeep", "unlimited")); !ok {
		return r, barerr.New(barerr.CodeInvalidValue, "invalid maxKeep")
	}
	if r.MaxAge, ok = jobs.ParseAge(args.StringDefault("maxAge", "forever")); !ok {
		return r, barerr.New(barerr.CodeInvalidValue, "invalid maxAge")
	}
	r.MoveTo = args.StringDefault("moveTo", "")
	return r, nil
}

func (d *dispatcher) cmdPersistenceListAdd(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	rule, err := persistenceFromArgs(cmd.Args)
	if err != nil {
		return nil, err
	}
	var id int
	err = d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		id = j.Persistence.Add(rule, d.srv.Clock.Now())
		j.Modified = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Fields{}.Add("id", id), nil
}

func (d *dispatcher) cmdPersistenceListUpdate(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	rule, err := persistenceFromArgs(cmd.Args)
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.Persistence.Update(id, rule, d.srv.Clock.Now()) {
			return barerr.New(barerr.CodePersistenceIdNotFound, "persistence rule %d not found", id)
		}
		j.Modified = true
		return nil
	})
}

func (d *dispatcher) cmdPersistenceListRemove(_ *Session, _ *index.Handle, cmd *protocol.Command) (protocol.Fields, error) {
	id, err := cmd.Args.Int("id")
	if err != nil {
		return nil, err
	}
	return nil, d.withJobs(func() error {
		j, err := jobByArg(d.srv.List, cmd.Args)
		if err != nil {
			return err
		}
		if !j.Persistence.Remove(id, d.srv.Clock.Now()) {
			return barerr.New(barerr.CodePersistenceIdNotFound, "persistence rule %d not found", id)
		}
		j.Modified = true
		return nil
	})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func atoi(s string) (int, error) {
	return strconv.Atoi(s)
}
