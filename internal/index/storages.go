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

// CreateStorage inserts a storage row.
func (h *Handle) CreateStorage(ctx context.Context, s *db.Storage) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return fmt.Errorf("index: create storage: %w", err)
		}
		return nil
	})
}

// GetStorage loads one storage row by id.
func (h *Handle) GetStorage(ctx context.Context, id uuid.UUID) (*db.Storage, error) {
	var s db.Storage
	err := h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&s, "id = ?", id).Error; err != nil {
			return notFound(err, barerr.CodeDatabaseEntryNotFound, "storage %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindStorageByName loads the storage row with the given URI, or nil.
func (h *Handle) FindStorageByName(ctx context.Context, name string) (*db.Storage, error) {
	var storages []db.Storage
	err := h.run(ctx, func(tx *gorm.DB) error {
		return tx.Where("name = ?", name).Limit(1).Find(&storages).Error
	})
	if err != nil {
		return nil, err
	}
	if len(storages) == 0 {
		return nil, nil
	}
	return &storages[0], nil
}

// StorageFilter narrows ListStorages.
type StorageFilter struct {
	EntityID uuid.UUID
	JobUUID  uuid.UUID
	State    string
	Pattern  string // SQL LIKE pattern on the URI
}

// ListStorages returns storage rows newest first.
func (h *Handle) ListStorages(ctx context.Context, f StorageFilter) ([]db.Storage, error) {
	var storages []db.Storage
	err := h.run(ctx, func(tx *gorm.DB) error {
		q := tx.Order("created_at DESC")
		if f.EntityID != (uuid.UUID{}) {
			q = q.Where("entity_id = ?", f.EntityID)
		}
		if f.JobUUID != (uuid.UUID{}) {
			q = q.Where("entity_id IN (?)",
				tx.Model(&db.Entity{}).Select("id").Where("job_uuid = ?", f.JobUUID))
		}
		if f.State != "" {
			q = q.Where("state = ?", f.State)
		}
		if f.Pattern != "" {
			q = q.Where("name LIKE ?", f.Pattern)
		}
		if err := q.Find(&storages).Error; err != nil {
			return fmt.Errorf("index: list storages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storages, nil
}

// NextUpdateRequested returns the oldest storage in state UpdateRequested,
// or nil when none is pending.
func (h *Handle) NextUpdateRequested(ctx context.Context) (*db.Storage, error) {
	var storages []db.Storage
	err := h.run(ctx, func(tx *gorm.DB) error {
		return tx.Where("state = ?", db.StorageStateUpdateRequested).
			Order("created_at ASC").Limit(1).Find(&storages).Error
	})
	if err != nil {
		return nil, err
	}
	if len(storages) == 0 {
		return nil, nil
	}
	return &storages[0], nil
}

// SetStorageState transitions a storage row's index state. A non-empty
// message replaces the error text; lastChecked is updated when non-zero.
func (h *Handle) SetStorageState(ctx context.Context, id uuid.UUID, state, message string, lastChecked time.Time) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{
			"state":         state,
			"error_message": message,
		}
		if !lastChecked.IsZero() {
			updates["last_checked"] = lastChecked
		}
		res := tx.Model(&db.Storage{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("index: set storage state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return barerr.New(barerr.CodeDatabaseEntryNotFound, "storage %s not found", id)
		}
		return nil
	})
}

// TouchStorage bumps the last-checked timestamp without changing state.
func (h *Handle) TouchStorage(ctx context.Context, id uuid.UUID, lastChecked time.Time) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&db.Storage{}).Where("id = ?", id).
			Update("last_checked", lastChecked).Error
	})
}

// RenameStorage updates the URI of a storage row (persistence move).
func (h *Handle) RenameStorage(ctx context.Context, id uuid.UUID, name string) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&db.Storage{}).Where("id = ?", id).Update("name", name)
		if res.Error != nil {
			return fmt.Errorf("index: rename storage: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return barerr.New(barerr.CodeDatabaseEntryNotFound, "storage %s not found", id)
		}
		return nil
	})
}

// UpdateStorageTotals sets the size and aggregate counters of a storage row.
func (h *Handle) UpdateStorageTotals(ctx context.Context, id uuid.UUID, size, entryCount, entrySize int64) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Model(&db.Storage{}).Where("id = ?", id).Updates(map[string]any{
			"size":              size,
			"total_entry_count": entryCount,
			"total_entry_size":  entrySize,
		}).Error
	})
}

// DeleteStorage removes a storage row and the fragments referencing it.
func (h *Handle) DeleteStorage(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("storage_id = ?", id).Delete(&db.EntryFragment{}).Error; err != nil {
				return fmt.Errorf("index: delete storage fragments: %w", err)
			}
			res := tx.Delete(&db.Storage{}, "id = ?", id)
			if res.Error != nil {
				return fmt.Errorf("index: delete storage: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return barerr.New(barerr.CodeDatabaseEntryNotFound, "storage %s not found", id)
			}
			return nil
		})
	})
}

// AutoCleanStorages purges auto-mode rows whose created and last-checked
// timestamps both exceed the keep time. Returns the number of rows removed.
func (h *Handle) AutoCleanStorages(ctx context.Context, olderThan time.Time) (int64, error) {
	var n int64
	err := h.run(ctx, func(tx *gorm.DB) error {
		res := tx.Where("mode = ? AND created_at < ? AND (last_checked IS NULL OR last_checked < ?)",
			db.StorageModeAuto, olderThan, olderThan).
			Delete(&db.Storage{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}
