package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/barkeep-io/barkeep/internal/jobs"
)

// Per-job config files are human-readable key=value lines with section
// headers for schedule and persistence entries:
//
//	uuid = 0190f2...
//	archive-name = sftp://host/backup/%name-%type-%T.bar
//	include-file = /home
//	exclude = *.tmp
//
//	[schedule 0190f3...]
//	date = *-*-*
//	time = 03:30
//	archive-type = FULL
//	enabled = yes
//	[end]
//
//	[persistence]
//	archive-type = FULL
//	min-keep = 2
//	max-keep = 3
//	max-age = forever
//	[end]
//
// The sibling state file ".<jobName>" stores the per-schedule last-executed
// timestamps and the job's last schedule-check time.

func boolWord(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func parseBoolWord(s string) bool {
	switch strings.ToLower(s) {
	case "yes", "true", "1", "on":
		return true
	}
	return false
}

// WriteJobFile persists a job config atomically. The caller holds the job
// list lock; the running state and the schedule timestamps are not part of
// the config file.
func WriteJobFile(j *jobs.Job, path string) error {
	var b strings.Builder

	fmt.Fprintf(&b, "uuid = %s\n", j.UUID)
	fmt.Fprintf(&b, "archive-name = %s\n", j.ArchiveURI)
	for _, e := range j.IncludeList {
		switch e.Type {
		case jobs.EntryTypeImage:
			fmt.Fprintf(&b, "include-image = %s\n", e.Pattern)
		default:
			fmt.Fprintf(&b, "include-file = %s\n", e.Pattern)
		}
	}
	for _, p := range j.ExcludeList {
		fmt.Fprintf(&b, "exclude = %s\n", p.Pattern)
	}
	for _, p := range j.CompressExcludeList {
		fmt.Fprintf(&b, "exclude-compress = %s\n", p.Pattern)
	}
	for _, m := range j.MountList {
		fmt.Fprintf(&b, "mount = %s,%s\n", m.Name, m.Device)
	}
	for _, d := range j.DeltaSourceList {
		fmt.Fprintf(&b, "delta-source = %s,%s\n", d.Name, d.Pattern)
	}
	if j.SlaveHost.IsRemote() {
		fmt.Fprintf(&b, "slave-host-name = %s\n", j.SlaveHost.Name)
		fmt.Fprintf(&b, "slave-host-port = %d\n", j.SlaveHost.Port)
		fmt.Fprintf(&b, "slave-host-tls-mode = %s\n", j.SlaveHost.TLSMode)
	}

	writeOptions(&b, &j.Options)

	for _, s := range j.ScheduleList {
		fmt.Fprintf(&b, "\n[schedule %s]\n", s.UUID)
		fmt.Fprintf(&b, "date = %s\n", s.Date)
		fmt.Fprintf(&b, "weekdays = %s\n", s.WeekDays)
		fmt.Fprintf(&b, "time = %s\n", s.Time)
		fmt.Fprintf(&b, "archive-type = %s\n", s.ArchiveType)
		if s.ArchiveType == jobs.ArchiveTypeContinuous {
			fmt.Fprintf(&b, "interval = %d\n", s.Interval)
		}
		if s.CustomText != "" {
			fmt.Fprintf(&b, "text = %s\n", s.CustomText)
		}
		fmt.Fprintf(&b, "test-created = %s\n", boolWord(s.TestCreated))
		fmt.Fprintf(&b, "no-storage = %s\n", boolWord(s.NoStorage))
		fmt.Fprintf(&b, "enabled = %s\n", boolWord(s.Enabled))
		b.WriteString("[end]\n")
	}

	for _, r := range j.Persistence.Rules {
		b.WriteString("\n[persistence]\n")
		fmt.Fprintf(&b, "archive-type = %s\n", r.ArchiveType)
		fmt.Fprintf(&b, "min-keep = %s\n", jobs.FormatKeep(r.MinKeep))
		fmt.Fprintf(&b, "max-keep = %s\n", jobs.FormatKeep(r.MaxKeep))
		fmt.Fprintf(&b, "max-age = %s\n", jobs.FormatAge(r.MaxAge))
		if r.MoveTo != "" {
			fmt.Fprintf(&b, "move-to = %s\n", r.MoveTo)
		}
		b.WriteString("[end]\n")
	}

	return writeFileAtomic(path, []byte(b.String()), 0644)
}

// writeOptions emits the non-default job options.
func writeOptions(b *strings.Builder, o *jobs.Options) {
	if o.ArchivePartSize != 0 {
		fmt.Fprintf(b, "archive-part-size = %d\n", o.ArchivePartSize)
	}
	if o.CompressAlgorithm != "" {
		fmt.Fprintf(b, "compress-algorithm = %s\n", o.CompressAlgorithm)
	}
	if o.CryptAlgorithm != "" {
		fmt.Fprintf(b, "crypt-algorithm = %s\n", o.CryptAlgorithm)
	}
	if o.CryptPasswordMode != "" {
		fmt.Fprintf(b, "crypt-password-mode = %s\n", o.CryptPasswordMode)
	}
	if o.CryptPublicKey != "" {
		fmt.Fprintf(b, "crypt-public-key = %s\n", o.CryptPublicKey)
	}
	if o.PreCommand != "" {
		fmt.Fprintf(b, "pre-command = %s\n", o.PreCommand)
	}
	if o.PostCommand != "" {
		fmt.Fprintf(b, "post-command = %s\n", o.PostCommand)
	}
	if o.SlavePreCommand != "" {
		fmt.Fprintf(b, "slave-pre-command = %s\n", o.SlavePreCommand)
	}
	if o.SlavePostCommand != "" {
		fmt.Fprintf(b, "slave-post-command = %s\n", o.SlavePostCommand)
	}
	if o.MaxStorageSize != 0 {
		fmt.Fprintf(b, "max-storage-size = %d\n", o.MaxStorageSize)
	}
	if o.VolumeSize != 0 {
		fmt.Fprintf(b, "volume-size = %d\n", o.VolumeSize)
	}
	if o.ECC {
		fmt.Fprintf(b, "ecc = yes\n")
	}
	if o.Blank {
		fmt.Fprintf(b, "blank = yes\n")
	}
	if o.RawImages {
		fmt.Fprintf(b, "raw-images = yes\n")
	}
	if o.NoFragmentsCheck {
		fmt.Fprintf(b, "no-fragments-check = yes\n")
	}
	if o.SkipUnreadable {
		fmt.Fprintf(b, "skip-unreadable = yes\n")
	}
	if o.WaitFirstVolume {
		fmt.Fprintf(b, "wait-first-volume = yes\n")
	}
	if o.Comment != "" {
		fmt.Fprintf(b, "comment = %s\n", o.Comment)
	}
}

// ReadJobFile parses a job config file. The job name is the file's base
// name; unknown keys are collected and reported so callers can log them
// without failing the load.
func ReadJobFile(path, name string) (*jobs.Job, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open job file %s: %w", path, err)
	}
	defer f.Close()

	j := jobs.NewJob(name)
	j.FileName = path

	var (
		unknown  []string
		schedule *jobs.Schedule
		rule     *jobs.PersistenceRule
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			header := strings.Trim(line, "[]")
			switch {
			case header == "end":
				if schedule != nil {
					j.ScheduleList = append(j.ScheduleList, schedule)
					schedule = nil
				}
				if rule != nil {
					j.Persistence.Add(*rule, time.Time{})
					rule = nil
				}
			case strings.HasPrefix(header, "schedule"):
				schedule = &jobs.Schedule{
					Date:     jobs.ScheduleDate{Year: jobs.Any, Month: jobs.Any, Day: jobs.Any},
					WeekDays: jobs.WeekDayAny,
					Time:     jobs.ScheduleTime{Hour: jobs.Any, Minute: jobs.Any},
					Enabled:  true,
				}
				if rest := strings.TrimSpace(strings.TrimPrefix(header, "schedule")); rest != "" {
					if id, err := uuid.Parse(rest); err == nil {
						schedule.UUID = id
					}
				}
			case strings.HasPrefix(header, "persistence"):
				rule = &jobs.PersistenceRule{
					MinKeep: jobs.Unlimited,
					MaxKeep: jobs.Unlimited,
					MaxAge:  jobs.Unlimited,
				}
			default:
				unknown = append(unknown, fmt.Sprintf("%s:%d: unknown section %q", path, lineNo, header))
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			unknown = append(unknown, fmt.Sprintf("%s:%d: malformed line", path, lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case schedule != nil:
			if err := scheduleKey(schedule, key, value); err != nil {
				unknown = append(unknown, fmt.Sprintf("%s:%d: %v", path, lineNo, err))
			}
		case rule != nil:
			if err := persistenceKey(rule, key, value); err != nil {
				unknown = append(unknown, fmt.Sprintf("%s:%d: %v", path, lineNo, err))
			}
		default:
			if err := jobKey(j, key, value); err != nil {
				unknown = append(unknown, fmt.Sprintf("%s:%d: %v", path, lineNo, err))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("config: read job file %s: %w", path, err)
	}
	// Unterminated trailing section.
	if schedule != nil {
		j.ScheduleList = append(j.ScheduleList, schedule)
	}
	if rule != nil {
		j.Persistence.Add(*rule, time.Time{})
	}

	j.Modified = false
	return j, unknown, nil
}

func jobKey(j *jobs.Job, key, value string) error {
	switch key {
	case "uuid":
		id, err := uuid.Parse(value)
		if err != nil {
			return fmt.Errorf("invalid uuid %q", value)
		}
		j.UUID = id
	case "archive-name":
		j.ArchiveURI = value
	case "include-file":
		j.AddInclude(jobs.EntryTypeFile, value)
	case "include-image":
		j.AddInclude(jobs.EntryTypeImage, value)
	case "exclude":
		j.AddExclude(value)
	case "exclude-compress":
		j.AddCompressExclude(value)
	case "mount":
		name, device, _ := strings.Cut(value, ",")
		j.AddMount(strings.TrimSpace(name), strings.TrimSpace(device))
	case "delta-source":
		name, pattern, _ := strings.Cut(value, ",")
		j.AddDeltaSource(strings.TrimSpace(name), strings.TrimSpace(pattern))
	case "slave-host-name":
		j.SlaveHost.Name = value
	case "slave-host-port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid slave port %q", value)
		}
		j.SlaveHost.Port = n
	case "slave-host-tls-mode":
		m, err := jobs.ParseTLSMode(value)
		if err != nil {
			return err
		}
		j.SlaveHost.TLSMode = m
	default:
		return optionKey(&j.Options, key, value)
	}
	return nil
}

func optionKey(o *jobs.Options, key, value string) error {
	switch key {
	case "archive-part-size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid archive-part-size %q", value)
		}
		o.ArchivePartSize = n
	case "compress-algorithm":
		o.CompressAlgorithm = value
	case "crypt-algorithm":
		o.CryptAlgorithm = value
	case "crypt-password-mode":
		o.CryptPasswordMode = value
	case "crypt-public-key":
		o.CryptPublicKey = value
	case "pre-command":
		o.PreCommand = value
	case "post-command":
		o.PostCommand = value
	case "slave-pre-command":
		o.SlavePreCommand = value
	case "slave-post-command":
		o.SlavePostCommand = value
	case "max-storage-size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max-storage-size %q", value)
		}
		o.MaxStorageSize = n
	case "volume-size":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid volume-size %q", value)
		}
		o.VolumeSize = n
	case "ecc":
		o.ECC = parseBoolWord(value)
	case "blank":
		o.Blank = parseBoolWord(value)
	case "raw-images":
		o.RawImages = parseBoolWord(value)
	case "no-fragments-check":
		o.NoFragmentsCheck = parseBoolWord(value)
	case "skip-unreadable":
		o.SkipUnreadable = parseBoolWord(value)
	case "wait-first-volume":
		o.WaitFirstVolume = parseBoolWord(value)
	case "comment":
		o.Comment = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

func scheduleKey(s *jobs.Schedule, key, value string) error {
	switch key {
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
			return err
		}
		s.ArchiveType = t
	case "interval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid interval %q", value)
		}
		s.Interval = n
	case "text":
		s.CustomText = value
	case "test-created":
		s.TestCreated = parseBoolWord(value)
	case "no-storage":
		s.NoStorage = parseBoolWord(value)
	case "enabled":
		s.Enabled = parseBoolWord(value)
	default:
		return fmt.Errorf("unknown schedule key %q", key)
	}
	return nil
}

func persistenceKey(r *jobs.PersistenceRule, key, value string) error {
	switch key {
	case "archive-type":
		t, err := jobs.ParseArchiveType(value)
		if err != nil {
			return err
		}
		r.ArchiveType = t
	case "min-keep":
		n, ok := jobs.ParseKeep(value)
		if !ok {
			return fmt.Errorf("invalid min-keep %q", value)
		}
		r.MinKeep = n
	case "max-keep":
		n, ok := jobs.ParseKeep(value)
		if !ok {
			return fmt.Errorf("invalid max-keep %q", value)
		}
		r.MaxKeep = n
	case "max-age":
		n, ok := jobs.ParseAge(value)
		if !ok {
			return fmt.Errorf("invalid max-age %q", value)
		}
		r.MaxAge = n
	case "move-to":
		r.MoveTo = value
	default:
		return fmt.Errorf("unknown persistence key %q", key)
	}
	return nil
}

// ReadJobState loads the sibling state file of a job: per-schedule
// last-executed timestamps plus the last schedule-check time. Missing files
// are fine.
func ReadJobState(j *jobs.Job, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: open state file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		if key == "last-schedule-check" {
			j.LastScheduleCheck = time.Unix(ts, 0)
			continue
		}
		if id, err := uuid.Parse(key); err == nil {
			if s := j.FindSchedule(id); s != nil {
				s.LastExecutedAt = time.Unix(ts, 0)
			}
		}
	}
	return scanner.Err()
}

// WriteJobState persists the sibling state file atomically.
func WriteJobState(j *jobs.Job, path string) error {
	var b strings.Builder
	if !j.LastScheduleCheck.IsZero() {
		fmt.Fprintf(&b, "last-schedule-check = %d\n", j.LastScheduleCheck.Unix())
	}
	for _, s := range j.ScheduleList {
		if !s.LastExecutedAt.IsZero() {
			fmt.Fprintf(&b, "%s = %d\n", s.UUID, s.LastExecutedAt.Unix())
		}
	}
	return writeFileAtomic(path, []byte(b.String()), 0644)
}

// StateFilePath returns the sibling state file path for a job config file.
func StateFilePath(jobFile string) string {
	dir, name := splitPath(jobFile)
	return dir + "." + name
}

func splitPath(p string) (dir, name string) {
	i := strings.LastIndexByte(p, os.PathSeparator)
	if i < 0 {
		return "", p
	}
	return p[:i+1], p[i+1:]
}
