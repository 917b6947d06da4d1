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

// AddHistory writes one finished-run row.
func (h *Handle) AddHistory(ctx context.Context, row *db.History) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("index: add history: %w", err)
		}
		return nil
	})
}

// ListHistory returns history rows for a job, newest first. A zero jobUUID
// lists all jobs.
func (h *Handle) ListHistory(ctx context.Context, jobUUID uuid.UUID, limit int) ([]db.History, error) {
	var rows []db.History
	err := h.run(ctx, func(tx *gorm.DB) error {
		q := tx.Order("created_at DESC")
		if jobUUID != (uuid.UUID{}) {
			q = q.Where("job_uuid = ?", jobUUID)
		}
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// DeleteHistory removes one history row.
func (h *Handle) DeleteHistory(ctx context.Context, id uuid.UUID) error {
	return h.run(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&db.History{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("index: delete history: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return barerr.New(barerr.CodeDatabaseEntryNotFound, "history row %s not found", id)
		}
		return nil
	})
}

// AggregateInfo is the per-job (or per-schedule) statistics block shown in
// job listings: last run outcome plus totals per archive type.
type AggregateInfo struct {
	LastExecutedAt  time.Time
	LastErrorCode   int
	LastErrorText   string
	ExecutionCount  int64
	AverageDuration int64 // seconds

	TotalEntityCount int64
	TotalEntryCount  int64
	TotalEntrySize   int64
}

// JobAggregate loads the aggregate info of one job; scheduleUUID narrows to
// one schedule when non-zero.
func (h *Handle) JobAggregate(ctx context.Context, jobUUID, scheduleUUID uuid.UUID) (*AggregateInfo, error) {
	info := &AggregateInfo{}
	err := h.run(ctx, func(tx *gorm.DB) error {
		hq := tx.Model(&db.History{}).Where("job_uuid = ?", jobUUID)
		eq := tx.Model(&db.Entity{}).Where("job_uuid = ?", jobUUID)
		if scheduleUUID != (uuid.UUID{}) {
			hq = hq.Where("schedule_uuid = ?", scheduleUUID)
			eq = eq.Where("schedule_uuid = ?", scheduleUUID)
		}

		var last db.History
		err := hq.Session(&gorm.Session{}).Order("created_at DESC").First(&last).Error
		switch {
		case err == nil:
			info.LastExecutedAt = last.CreatedAt
			info.LastErrorCode = last.ErrorCode
			info.LastErrorText = last.ErrorText
		case err != gorm.ErrRecordNotFound:
			return fmt.Errorf("index: job aggregate: %w", err)
		}

		type stats struct {
			Count       int64
			AvgDuration float64
		}
		var s stats
		if err := hq.Session(&gorm.Session{}).
			Select("COUNT(*) AS count, AVG(duration) AS avg_duration").
			Scan(&s).Error; err != nil {
			return fmt.Errorf("index: job aggregate stats: %w", err)
		}
		info.ExecutionCount = s.Count
		info.AverageDuration = int64(s.AvgDuration)

		type totals struct {
			EntityCount int64
			EntryCount  int64
			EntrySize   int64
		}
		var t totals
		if err := eq.
			Select("COUNT(*) AS entity_count, SUM(total_entry_count) AS entry_count, SUM(total_entry_size) AS entry_size").
			Scan(&t).Error; err != nil {
			return fmt.Errorf("index: job aggregate totals: %w", err)
		}
		info.TotalEntityCount = t.EntityCount
		info.TotalEntryCount = t.EntryCount
		info.TotalEntrySize = t.EntrySize
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}
