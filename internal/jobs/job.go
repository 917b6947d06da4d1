package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Options is the bag of per-job settings addressable by jobOptionGet/Set.
// Keys follow the config-file spelling; values are stored canonicalized.
type Options struct {
	ArchivePartSize    int64
	CompressAlgorithm  string
	CryptAlgorithm     string
	CryptPasswordMode  string
	CryptPublicKey     string
	PreCommand         string
	PostCommand        string
	SlavePreCommand    string
	SlavePostCommand   string
	MaxStorageSize     int64
	VolumeSize         int64
	ECC                bool
	Blank              bool
	RawImages          bool
	NoFragmentsCheck   bool
	SkipUnreadable     bool
	WaitFirstVolume    bool
	Comment            string
}

// Job is one user-defined backup specification. All mutable fields are
// protected by the owning List's lock; the runner takes a snapshot before
// calling into storage or index collaborators.
type Job struct {
	UUID       uuid.UUID
	Name       string
	ArchiveURI string // storage destination template

	IncludeList        []*Entry
	ExcludeList        []*Pattern
	CompressExcludeList []*Pattern
	MountList          []*Mount
	DeltaSourceList    []*DeltaSource
	ScheduleList       []*Schedule
	Persistence        PersistenceList
	Options            Options

	SlaveHost  SlaveHost
	SlaveState SlaveState

	// Trigger fields, set when the scheduler or a client starts the job and
	// consumed by the runner when it picks the job up.
	ArchiveType   ArchiveType
	CustomText    string
	TestCreated   bool
	NoStorage     bool
	DryRun        bool
	StartedAt     time.Time
	StartedBy     string // "scheduler" or the client name
	ScheduleUUID  uuid.UUID

	RequestedAbort   bool
	AbortedBy        string
	RequestedVolumeNumber int

	Running RunningInfo

	// FileName is the per-job config file this job was loaded from; empty for
	// jobs not yet flushed to disk.
	FileName          string
	Modified          bool
	LastScheduleCheck time.Time

	nextEntryID int
}

// NewJob creates an empty job with a fresh UUID.
func NewJob(name string) *Job {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails when the random source does; fall back to v4 which
		// panics on the same condition and never returns an error otherwise.
		id = uuid.New()
	}
	return &Job{
		UUID:     id,
		Name:     name,
		SlaveHost: SlaveHost{},
	}
}

// IsActive reports whether the job is waiting or running.
func (j *Job) IsActive() bool {
	return j.Running.State.IsActive()
}

// IsRemote reports whether the job is bound to a slave host.
func (j *Job) IsRemote() bool {
	return j.SlaveHost.IsRemote()
}

// nextID mints the next sub-entity id, shared across the include, exclude,
// mount, and delta-source lists so ids are unique within the job.
func (j *Job) nextID() int {
	j.nextEntryID++
	return j.nextEntryID
}

// AddInclude appends an include entry and returns its id.
func (j *Job) AddInclude(t EntryType, pattern string) int {
	e := &Entry{ID: j.nextID(), Type: t, Pattern: pattern}
	j.IncludeList = append(j.IncludeList, e)
	j.Modified = true
	return e.ID
}

// RemoveInclude deletes the include entry with the given id.
func (j *Job) RemoveInclude(id int) bool {
	for i, e := range j.IncludeList {
		if e.ID == id {
			j.IncludeList = append(j.IncludeList[:i], j.IncludeList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// AddExclude appends an exclude pattern and returns its id.
func (j *Job) AddExclude(pattern string) int {
	p := &Pattern{ID: j.nextID(), Pattern: pattern}
	j.ExcludeList = append(j.ExcludeList, p)
	j.Modified = true
	return p.ID
}

// RemoveExclude deletes the exclude pattern with the given id.
func (j *Job) RemoveExclude(id int) bool {
	for i, p := range j.ExcludeList {
		if p.ID == id {
			j.ExcludeList = append(j.ExcludeList[:i], j.ExcludeList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// AddCompressExclude appends a compress-exclude pattern and returns its id.
func (j *Job) AddCompressExclude(pattern string) int {
	p := &Pattern{ID: j.nextID(), Pattern: pattern}
	j.CompressExcludeList = append(j.CompressExcludeList, p)
	j.Modified = true
	return p.ID
}

// RemoveCompressExclude deletes the compress-exclude pattern with the given
// id.
func (j *Job) RemoveCompressExclude(id int) bool {
	for i, p := range j.CompressExcludeList {
		if p.ID == id {
			j.CompressExcludeList = append(j.CompressExcludeList[:i], j.CompressExcludeList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// AddMount appends a mount entry and returns its id.
func (j *Job) AddMount(name, device string) int {
	m := &Mount{ID: j.nextID(), Name: name, Device: device}
	j.MountList = append(j.MountList, m)
	j.Modified = true
	return m.ID
}

// RemoveMount deletes the mount entry with the given id.
func (j *Job) RemoveMount(id int) bool {
	for i, m := range j.MountList {
		if m.ID == id {
			j.MountList = append(j.MountList[:i], j.MountList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// AddDeltaSource appends a delta-source entry and returns its id.
func (j *Job) AddDeltaSource(name, pattern string) int {
	d := &DeltaSource{ID: j.nextID(), Name: name, Pattern: pattern}
	j.DeltaSourceList = append(j.DeltaSourceList, d)
	j.Modified = true
	return d.ID
}

// RemoveDeltaSource deletes the delta-source entry with the given id.
func (j *Job) RemoveDeltaSource(id int) bool {
	for i, d := range j.DeltaSourceList {
		if d.ID == id {
			j.DeltaSourceList = append(j.DeltaSourceList[:i], j.DeltaSourceList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// FindSchedule returns the schedule with the given UUID, or nil.
func (j *Job) FindSchedule(id uuid.UUID) *Schedule {
	for _, s := range j.ScheduleList {
		if s.UUID == id {
			return s
		}
	}
	return nil
}

// AddSchedule appends a schedule; a zero UUID is replaced by a fresh one.
func (j *Job) AddSchedule(s *Schedule) uuid.UUID {
	if s.UUID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		s.UUID = id
	}
	j.ScheduleList = append(j.ScheduleList, s)
	j.Modified = true
	return s.UUID
}

// RemoveSchedule deletes the schedule with the given UUID.
func (j *Job) RemoveSchedule(id uuid.UUID) bool {
	for i, s := range j.ScheduleList {
		if s.UUID == id {
			j.ScheduleList = append(j.ScheduleList[:i], j.ScheduleList[i+1:]...)
			j.Modified = true
			return true
		}
	}
	return false
}

// Trigger marks the job for execution. The runner observes the Waiting state
// under the job-list lock. No-op when the job is already active.
func (j *Job) Trigger(archiveType ArchiveType, scheduleUUID uuid.UUID, customText string, testCreated, noStorage, dryRun bool, startedAt time.Time, by string) bool {
	if j.IsActive() {
		return false
	}
	j.ArchiveType = archiveType
	j.ScheduleUUID = scheduleUUID
	j.CustomText = customText
	j.TestCreated = testCreated
	j.NoStorage = noStorage
	j.DryRun = dryRun
	j.StartedAt = startedAt
	j.StartedBy = by
	j.RequestedAbort = false
	j.Running.Reset()
	j.Running.State = StateWaiting
	return true
}

// Abort requests cooperative cancellation of a waiting or running job.
func (j *Job) Abort(by string) {
	if !j.IsActive() {
		return
	}
	j.RequestedAbort = true
	j.AbortedBy = by
	if j.Running.State == StateWaiting {
		// Not yet picked up by the runner; abort immediately.
		j.Running.State = StateAborted
	}
}

// Reset clears the running info of a non-active job. History rows in the
// index are not touched.
func (j *Job) Reset() bool {
	if j.IsActive() {
		return false
	}
	j.Running.Reset()
	j.RequestedAbort = false
	return true
}

// Clone returns a deep copy used by jobClone. Schedules get fresh UUIDs; the
// clone starts unmodified state-wise but marked Modified so it is flushed.
func (j *Job) Clone(name string) *Job {
	c := NewJob(name)
	c.ArchiveURI = j.ArchiveURI
	c.Options = j.Options
	c.SlaveHost = j.SlaveHost

	for _, e := range j.IncludeList {
		c.AddInclude(e.Type, e.Pattern)
	}
	for _, p := range j.ExcludeList {
		c.AddExclude(p.Pattern)
	}
	for _, p := range j.CompressExcludeList {
		c.AddCompressExclude(p.Pattern)
	}
	for _, m := range j.MountList {
		c.AddMount(m.Name, m.Device)
	}
	for _, d := range j.DeltaSourceList {
		c.AddDeltaSource(d.Name, d.Pattern)
	}
	for _, s := range j.ScheduleList {
		sc := s.Clone()
		sc.UUID = uuid.UUID{}
		sc.LastExecutedAt = time.Time{}
		c.AddSchedule(sc)
	}
	for _, r := range j.Persistence.Rules {
		c.Persistence.Add(*r, time.Now())
	}
	c.Modified = true
	return c
}
