package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barkeep-io/barkeep/internal/barerr"
	"github.com/barkeep-io/barkeep/internal/db"
)

func newTestIndex(t *testing.T) (*Index, *Handle) {
	t.Helper()
	gormDB, err := db.New(db.Config{
		DSN:    filepath.Join(t.TempDir(), "index.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	ix := New(gormDB, zap.NewNop())
	h, err := ix.Open()
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return ix, h
}

func TestNilIndexIsNotInitialized(t *testing.T) {
	var ix *Index
	assert.False(t, ix.Initialized())
	_, err := ix.Open()
	assert.True(t, barerr.Is(err, barerr.CodeDatabaseIndexNotFound))
}

func TestEntityLifecycle(t *testing.T) {
	_, h := newTestIndex(t)
	ctx := context.Background()
	jobUUID := uuid.New()

	e, err := h.CreateEntity(ctx, jobUUID, uuid.UUID{}, "FULL", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	got, err := h.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, jobUUID, got.JobUUID)
	assert.False(t, got.Locked())

	require.NoError(t, h.LockEntity(ctx, e.ID))
	got, err = h.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Locked())

	// A locked entity refuses deletion.
	require.NoError(t, h.LockEntity(ctx, e.ID))
	err = h.DeleteEntity(ctx, e.ID)
	assert.True(t, barerr.Is(err, barerr.CodeDatabaseEntryNotFound))

	require.NoError(t, h.UnlockEntity(ctx, e.ID))
	require.NoError(t, h.UnlockEntity(ctx, e.ID))
	require.NoError(t, h.DeleteEntity(ctx, e.ID))

	_, err = h.GetEntity(ctx, e.ID)
	assert.True(t, barerr.Is(err, barerr.CodeDatabaseEntryNotFound))
}

func TestListEntitiesNewestFirst(t *testing.T) {
	_, h := newTestIndex(t)
	ctx := context.Background()
	jobUUID := uuid.New()

	now := time.Now()
	for _, age := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		_, err := h.CreateEntity(ctx, jobUUID, uuid.UUID{}, "FULL", now.Add(-age))
		require.NoError(t, err)
	}

	entities, err := h.ListEntities(ctx, jobUUID)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	for i := 1; i < len(entities); i++ {
		assert.False(t, entities[i].CreatedAt.After(entities[i-1].CreatedAt))
	}
}

func TestInterruptMapsToInterrupted(t *testing.T) {
	_, h := newTestIndex(t)

	// Interrupt arriving while the query runs surfaces as CodeInterrupted,
	// not as a raw context error.
	err := h.run(context.Background(), func(tx *gorm.DB) error {
		h.Interrupt()
		return context.Canceled
	})
	assert.True(t, barerr.Is(err, barerr.CodeInterrupted))

	// The handle stays usable for the next query.
	err = h.run(context.Background(), func(tx *gorm.DB) error { return nil })
	assert.NoError(t, err)
}

func TestAssignEntityToJob(t *testing.T) {
	_, h := newTestIndex(t)
	ctx := context.Background()

	from := uuid.New()
	to := uuid.New()
	e, err := h.CreateEntity(ctx, from, uuid.UUID{}, "FULL", time.Now())
	require.NoError(t, err)

	require.NoError(t, h.AssignEntity(ctx, e.ID, uuid.UUID{}, to))
	got, err := h.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, to, got.JobUUID)
}

func TestHistoryRows(t *testing.T) {
	_, h := newTestIndex(t)
	ctx := context.Background()
	jobUUID := uuid.New()

	require.NoError(t, h.AddHistory(ctx, &db.History{
		JobUUID:     jobUUID,
		ArchiveType: "FULL",
		Kind:        "created",
		Duration:    42,
	}))

	rows, err := h.ListHistory(ctx, jobUUID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 42, rows[0].Duration)

	require.NoError(t, h.DeleteHistory(ctx, rows[0].ID))
	err = h.DeleteHistory(ctx, rows[0].ID)
	assert.True(t, barerr.Is(err, barerr.CodeDatabaseEntryNotFound))
}

func TestJobAggregate(t *testing.T) {
	_, h := newTestIndex(t)
	ctx := context.Background()
	jobUUID := uuid.New()

	e, err := h.CreateEntity(ctx, jobUUID, uuid.UUID{}, "FULL", time.Now())
	require.NoError(t, err)
	require.NoError(t, h.UpdateEntityTotals(ctx, e.ID, 10, 1000))
	require.NoError(t, h.AddHistory(ctx, &db.History{
		JobUUID: jobUUID, ArchiveType: "FULL", Kind: "created", Duration: 60,
	}))

	info, err := h.JobAggregate(ctx, jobUUID, uuid.UUID{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.ExecutionCount)
	assert.EqualValues(t, 1, info.TotalEntityCount)
	assert.EqualValues(t, 10, info.TotalEntryCount)
	assert.EqualValues(t, 1000, info.TotalEntrySize)
}
