package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Progress is the callback payload fed to the runner on every archiver
// step. Counters are cumulative for the run.
type Progress struct {
	DoneCount       int64
	DoneSize        int64
	TotalEntryCount int64
	TotalEntrySize  int64

	EntryName      string
	EntryDoneSize  int64
	EntryTotalSize int64

	StorageName      string
	StorageDoneSize  int64
	StorageTotalSize int64

	SkippedEntryCount int64
	SkippedEntrySize  int64
	ErrorEntryCount   int64
	ErrorEntrySize    int64

	ArchiveSize int64
}

// VolumeRequest asks the operator to change media.
type VolumeRequest struct {
	// Kind is "load" or "unload".
	Kind         string
	VolumeNumber int
	Message      string
}

// VolumeAnswer is the runner's reply to a volume request.
type VolumeAnswer int

const (
	VolumeAnswerNone VolumeAnswer = iota
	VolumeAnswerOk
	VolumeAnswerUnload
	VolumeAnswerAborted
)

// CreateCallbacks is the capability bundle the runner hands to the create
// collaborator. Predicates are polled between entries; RequestVolume blocks
// until the operator answers or the run aborts.
type CreateCallbacks struct {
	GetCryptPassword func() (string, error)
	Progress         func(Progress)
	RequestVolume    func(VolumeRequest) VolumeAnswer
	IsPauseCreate    func() bool
	IsPauseStorage   func() bool
	IsAborted        func() bool
}

// RestoreError describes one failed entry during restore; the handler
// decides whether the restore continues.
type RestoreError struct {
	EntryName string
	Err       error
}

// RestoreCallbacks is the capability bundle for the restore collaborator.
type RestoreCallbacks struct {
	Progress            func(Progress)
	RestoreErrorHandler func(RestoreError) bool // true = continue
	GetNamePassword     func(name string) (string, error)
	IsPauseRestore      func() bool
	IsAborted           func() bool
}

// CreateRequest is the snapshot of job inputs the runner passes to the
// create collaborator.
type CreateRequest struct {
	JobUUID      uuid.UUID
	EntityUUID   uuid.UUID
	ScheduleUUID uuid.UUID
	ArchiveName  Specifier
	ArchiveType  string
	IncludeList  []string
	ImageList    []string
	ExcludeList  []string
	StartedAt    time.Time
	DryRun       bool
	NoStorage    bool
}

// CreateSummary is returned by a finished create run.
type CreateSummary struct {
	TotalEntryCount   int64
	TotalEntrySize    int64
	SkippedEntryCount int64
	SkippedEntrySize  int64
	ErrorEntryCount   int64
	ErrorEntrySize    int64
	StorageTotalSize  int64
	StorageNames      []string
}

// RestoreRequest is the snapshot of inputs for a restore run.
type RestoreRequest struct {
	StorageNames     []string
	IncludeList      []string
	ExcludeList      []string
	DestinationDir   string
	DirectoryContent bool
	Overwrite        bool
}

// RestoreSummary is returned by a finished restore run.
type RestoreSummary struct {
	TotalEntryCount int64
	TotalEntrySize  int64
	ErrorEntryCount int64
}

// Archiver is the create/restore collaborator. The archive codec and the
// deduplication/compression pipeline live behind this interface.
type Archiver interface {
	Create(ctx context.Context, req CreateRequest, cb CreateCallbacks) (CreateSummary, error)
	Restore(ctx context.Context, req RestoreRequest, cb RestoreCallbacks) (RestoreSummary, error)
}

// IndexUpdater reads an archive and refreshes its index rows. Used by the
// storage update worker; a wrong crypt password fails so the worker can try
// the next candidate.
type IndexUpdater interface {
	UpdateIndex(ctx context.Context, storageName string, cryptPassword string, isAborted func() bool) error
}

// ContinuousLog reports pending change-log entries for continuous
// schedules. The scheduler only fires a continuous schedule when at least
// one entry is pending for its (job, schedule) pair.
type ContinuousLog interface {
	HasPending(jobUUID, scheduleUUID uuid.UUID) bool
}
