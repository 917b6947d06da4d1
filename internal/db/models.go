// Package db manages the index database connection, migrations, and the
// persistent records of the archive index: entities (one executed backup
// run), storages (one archive artifact on a back-end), entries with their
// fragments, and the per-job history.
package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all index models. ID uses UUID
// v7 (time-ordered); chronological listings sort on the indexed CreatedAt.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Index states of a storage row.
const (
	StorageStateNone            = "none"
	StorageStateOk              = "ok"
	StorageStateUpdateRequested = "update_requested"
	StorageStateUpdate          = "update"
	StorageStateError           = "error"
)

// Index modes of a storage row.
const (
	StorageModeManual = "manual"
	StorageModeAuto   = "auto"
)

// Entity is one executed backup run. It owns N storage rows and M entry
// rows. Locked entities are never purged; the lock count is held while the
// runner writes into the entity and while the persistence engine deletes it.
type Entity struct {
	base
	JobUUID         uuid.UUID `gorm:"type:text;not null;index"`
	ScheduleUUID    uuid.UUID `gorm:"type:text;index"`
	ArchiveType     string    `gorm:"not null"` // jobs.ArchiveType canonical name
	TotalEntryCount int64     `gorm:"not null;default:0"`
	TotalEntrySize  int64     `gorm:"not null;default:0"`
	LockedCount     int       `gorm:"not null;default:0"`
}

// Locked reports whether the entity is currently protected.
func (e *Entity) Locked() bool {
	return e.LockedCount > 0
}

// Storage is one concrete archive artifact at a URI.
type Storage struct {
	base
	EntityID        uuid.UUID `gorm:"type:text;index"` // zero for orphaned auto-added rows
	Name            string    `gorm:"not null;index"`  // storage URI
	Size            int64     `gorm:"not null;default:0"`
	State           string    `gorm:"not null;default:'none';index"`
	Mode            string    `gorm:"not null;default:'manual'"`
	LastChecked     *time.Time
	ErrorMessage    string `gorm:"type:text;default:''"`
	TotalEntryCount int64  `gorm:"not null;default:0"`
	TotalEntrySize  int64  `gorm:"not null;default:0"`
}

// Entry is one archived file-system object inside an entity.
type Entry struct {
	base
	EntityID uuid.UUID `gorm:"type:text;not null;index"`
	Type     string    `gorm:"not null"` // "file", "image", "directory", "link", "hardlink", "special"
	Name     string    `gorm:"not null;index"`
	Size     int64     `gorm:"not null;default:0"`
	Mtime    time.Time
	UserID   int `gorm:"not null;default:0"`
	GroupID  int `gorm:"not null;default:0"`
	Mode     int `gorm:"not null;default:0"` // permission bits
}

// EntryFragment maps a byte range of an entry onto the storage that holds
// it. Large entries split across archive parts own several fragments.
type EntryFragment struct {
	base
	EntryID   uuid.UUID `gorm:"type:text;not null;index"`
	StorageID uuid.UUID `gorm:"type:text;not null;index"`
	Offset    int64     `gorm:"not null;default:0"`
	Size      int64     `gorm:"not null;default:0"`
}

// History is one finished job run, written by the runner after every
// execution regardless of outcome. jobReset does not delete history rows.
type History struct {
	base
	JobUUID           uuid.UUID `gorm:"type:text;not null;index"`
	ScheduleUUID      uuid.UUID `gorm:"type:text;index"`
	EntityID          uuid.UUID `gorm:"type:text;index"`
	ArchiveType       string    `gorm:"not null"`
	Kind              string    `gorm:"not null;default:'created'"` // "created" or "restored"
	ErrorCode         int       `gorm:"not null;default:0"`
	ErrorText         string    `gorm:"type:text;default:''"`
	Duration          int64     `gorm:"not null;default:0"` // seconds
	TotalEntryCount   int64     `gorm:"not null;default:0"`
	TotalEntrySize    int64     `gorm:"not null;default:0"`
	SkippedEntryCount int64     `gorm:"not null;default:0"`
	SkippedEntrySize  int64     `gorm:"not null;default:0"`
	ErrorEntryCount   int64     `gorm:"not null;default:0"`
	ErrorEntrySize    int64     `gorm:"not null;default:0"`
}
