package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/db"
)

// AddEntry inserts an entry row.
func (h *Handle) AddEntry(ctx context.Context, e *db.Entry) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return fmt.Errorf("index: add entry: %w", err)
		}
		return nil
	})
}

// AddEntryFragment inserts a fragment row for an entry.
func (h *Handle) AddEntryFragment(ctx context.Context, f *db.EntryFragment) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(f).Error; err != nil {
			return fmt.Errorf("index: add entry fragment: %w", err)
		}
		return nil
	})
}

// GetEntry loads one entry by id.
func (h *Handle) GetEntry(ctx context.Context, id uuid.UUID) (*db.Entry, error) {
	var e db.Entry
	err := h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&e, "id = ?", id).Error; err != nil {
			return notFound(err, barerr.CodeEntryNotFound, "entry %s not found", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	EntityID uuid.UUID
	JobUUID  uuid.UUID
	Type     string
	Pattern  string // SQL LIKE pattern on the name
	Limit    int
	Offset   int
}

// ListEntries returns entry rows matching the filter, name order, together
// with the total match count for pagination.
func (h *Handle) ListEntries(ctx context.Context, f EntryFilter) ([]db.Entry, int64, error) {
	var (
		entries []db.Entry
		total   int64
	)
	err := h.run(ctx, func(tx *gorm.DB) error {
		q := tx.Model(&db.Entry{})
		if f.EntityID != (uuid.UUID{}) {
			q = q.Where("entity_id = ?", f.EntityID)
		}
		if f.JobUUID != (uuid.UUID{}) {
			q = q.Where("entity_id IN (?)",
				tx.Model(&db.Entity{}).Select("id").Where("job_uuid = ?", f.JobUUID))
		}
		if f.Type != "" {
			q = q.Where("type = ?", f.Type)
		}
		if f.Pattern != "" {
			q = q.Where("name LIKE ?", f.Pattern)
		}
		if err := q.Count(&total).Error; err != nil {
			return fmt.Errorf("index: count entries: %w", err)
		}
		q = q.Order("name ASC")
		if f.Limit > 0 {
			q = q.Limit(f.Limit).Offset(f.Offset)
		}
		if err := q.Find(&entries).Error; err != nil {
			return fmt.Errorf("index: list entries: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListEntryFragments returns the fragments of one entry in offset order.
func (h *Handle) ListEntryFragments(ctx context.Context, entryID uuid.UUID) ([]db.EntryFragment, error) {
	var fragments []db.EntryFragment
	err := h.run(ctx, func(tx *gorm.DB) error {
		return tx.Where("entry_id = ?", entryID).
			Order(`"offset" ASC`).Find(&fragments).Error
	})
	if err != nil {
		return nil, err
	}
	return fragments, nil
}

// DeleteEntry removes an entry and its fragments.
func (h *Handle) DeleteEntry(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("entry_id = ?", id).Delete(&db.EntryFragment{}).Error; err != nil {
				return fmt.Errorf("index: delete entry fragments: %w", err)
			}
			res := tx.Delete(&db.Entry{}, "id = ?", id)
			if res.Error != nil {
				return fmt.Errorf("index: delete entry: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return barerr.New(barerr.CodeEntryNotFound, "entry %s not found", id)
			}
			return nil
		})
	})
}
