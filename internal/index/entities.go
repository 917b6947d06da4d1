package index

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/db"
)

// CreateEntity inserts a fresh entity for a job run and returns it.
func (h *Handle) CreateEntity(ctx context.Context, jobUUID, scheduleUUID uuid.UUID, archiveType string, createdAt time.Time) (*db.Entity, error) {
	e := &db.Entity{
		JobUUID:      jobUUID,
		ScheduleUUID: scheduleUUID,
		ArchiveType:  archiveType,
	}
	err := h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return fmt.Errorf("index: create entity: %w", err)
		}
		if !createdAt.IsZero() {
			// Creation time is the job start, not the insert time.
			return tx.Model(e).Update("created_at", createdAt).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !createdAt.IsZero() {
		e.CreatedAt = createdAt
	}
	return e, nil
}

// GetEntity loads one entity by id.
func (h *Handle) GetEntity(ctx context.Context, id uuid.UUID) (*db.Entity, error) {
	var e db.Entity
	err := h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&e, "id = ?", id).Error; err != nil {
			return notFound(err, barerr.CodeDatabaseEntryNotFound, "entity %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntities returns all entities ordered descending by creation time,
// newest first, as the persistence engine expects. A zero jobUUID lists all
// jobs.
func (h *Handle) ListEntities(ctx context.Context, jobUUID uuid.UUID) ([]db.Entity, error) {
	var entities []db.Entity
	err := h.run(ctx, func(tx *gorm.DB) error {
		q := tx.Order("created_at DESC")
		if jobUUID != (uuid.UUID{}) {
			q = q.Where("job_uuid = ?", jobUUID)
		}
		if err := q.Find(&entities).Error; err != nil {
			return fmt.Errorf("index: list entities: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

// LockEntity increments the entity's lock count.
func (h *Handle) LockEntity(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&db.Entity{}).Where("id = ?", id).
			Update("locked_count", gorm.Expr("locked_count + 1"))
		if res.Error != nil {
			return fmt.Errorf("index: lock entity: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return barerr.New(barerr.CodeDatabaseEntryNotFound, "entity %s not found", id)
		}
		return nil
	})
}

// UnlockEntity decrements the entity's lock count, never below zero.
func (h *Handle) UnlockEntity(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&db.Entity{}).Where("id = ? AND locked_count > 0", id).
			Update("locked_count", gorm.Expr("locked_count - 1")).Error
	})
}

// UpdateEntityTotals sets the aggregate counters after a run completes.
func (h *Handle) UpdateEntityTotals(ctx context.Context, id uuid.UUID, count, size int64) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&db.Entity{}).Where("id = ?", id).Updates(map[string]any{
			"total_entry_count": count,
			"total_entry_size":  size,
		}).Error
	})
}

// DeleteEntity removes the entity row together with its entries and their
// fragments. Storage rows must already be deleted by the caller (they need
// back-end deletes first). Fails with DatabaseEntryNotFound when the entity
// is locked, mirroring the indexRemove contract.
func (h *Handle) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var e db.Entity
			if err := tx.First(&e, "id = ?", id).Error; err != nil {
				return notFound(err, barerr.CodeDatabaseEntryNotFound, "entity %s not found", id)
			}
			if e.LockedCount > 1 {
				// One lock is the deleter's own.
				return barerr.New(barerr.CodeDatabaseEntryNotFound, "entity %s is locked", id)
			}
			if err := tx.Where("entry_id IN (?)",
				tx.Model(&db.Entry{}).Select("id").Where("entity_id = ?", id),
			).Delete(&db.EntryFragment{}).Error; err != nil {
				return fmt.Errorf("index: delete entity fragments: %w", err)
			}
			if err := tx.Where("entity_id = ?", id).Delete(&db.Entry{}).Error; err != nil {
				return fmt.Errorf("index: delete entity entries: %w", err)
			}
			if err := tx.Delete(&db.Entity{}, "id = ?", id).Error; err != nil {
				return fmt.Errorf("index: delete entity: %w", err)
			}
			return nil
		})
	})
}

// AssignEntity moves all entries (and storages) of one entity to another
// entity, or re-homes a whole entity to another job. Used by indexAssign.
func (h *Handle) AssignEntity(ctx context.Context, from, to uuid.UUID, toJobUUID uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var src db.Entity
			if err := tx.First(&src, "id = ?", from).Error; err != nil {
				return notFound(err, barerr.CodeDatabaseEntryNotFound, "entity %s not found", from)
			}
			if to != (uuid.UUID{}) {
				var dst db.Entity
				if err := tx.First(&dst, "id = ?", to).Error; err != nil {
					return notFound(err, barerr.CodeDatabaseEntryNotFound, "entity %s not found", to)
				}
				if err := tx.Model(&db.Entry{}).Where("entity_id = ?", from).
					Update("entity_id", to).Error; err != nil {
					return fmt.Errorf("index: assign entries: %w", err)
				}
				if err := tx.Model(&db.Storage{}).Where("entity_id = ?", from).
					Update("entity_id", to).Error; err != nil {
					return fmt.Errorf("index: assign storages: %w", err)
				}
				return tx.Delete(&db.Entity{}, "id = ?", from).Error
			}
			if toJobUUID != (uuid.UUID{}) {
				return tx.Model(&db.Entity{}).Where("id = ?", from).
					Update("job_uuid", toJobUUID).Error
			}
			return barerr.New(barerr.CodeExpectedParameter, "missing assign target")
		})
	})
}

// JobUUIDInfo is one row of the indexUUIDList result: a job uuid present in
// the index with its aggregates.
type JobUUIDInfo struct {
	JobUUID         uuid.UUID
	LastCreatedAt   time.Time
	LastErrorText   string
	TotalEntityCount int64
	TotalEntryCount  int64
	TotalEntrySize   int64
}

// ListJobUUIDs returns the distinct job uuids in the index with aggregate
// counters, newest activity first.
func (h *Handle) ListJobUUIDs(ctx context.Context) ([]JobUUIDInfo, error) {
	var rows []JobUUIDInfo
	err := h.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&db.Entity{}).
			Select("job_uuid, MAX(created_at) AS last_created_at, COUNT(*) AS total_entity_count, SUM(total_entry_count) AS total_entry_count, SUM(total_entry_size) AS total_entry_size").
			Group("job_uuid").
			Order("last_created_at DESC").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
