package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

type engineFixture struct {
	engine *Engine
	purger *DryRunPurger
	handle *index.Handle
	list   *jobs.List
	clock  *clockwork.FakeClock
	job    *jobs.Job
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	gormDB, err := db.New(db.Config{
		DSN:    filepath.Join(t.TempDir(), "index.db"),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	ix := index.New(gormDB, zap.NewNop())
	h, err := ix.Open()
	require.NoError(t, err)
	t.Cleanup(h.Close)

	list := jobs.NewList()
	job := jobs.NewJob("retention-test")
	list.Append(job)

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC))
	purger := &DryRunPurger{}
	hub := events.NewHub()
	done := make(chan struct{})
	go hub.Run(done)
	t.Cleanup(func() { close(done) })

	engine := New(list, ix, storage.NewRegistry(), storage.NopMounter{}, purger,
		hub, metrics.New(prometheus.NewRegistry()), clock, zap.NewNop())

	return &engineFixture{
		engine: engine,
		purger: purger,
		handle: h,
		list:   list,
		clock:  clock,
		job:    job,
	}
}

// addEntity inserts a FULL entity created the given number of days ago.
func (f *engineFixture) addEntity(t *testing.T, daysAgo int) uuid.UUID {
	t.Helper()
	createdAt := f.clock.Now().Add(-time.Duration(daysAgo) * 24 * time.Hour)
	e, err := f.handle.CreateEntity(context.Background(), f.job.UUID, uuid.UUID{},
		jobs.ArchiveTypeFull.String(), createdAt)
	require.NoError(t, err)
	return e.ID
}

func (f *engineFixture) run(t *testing.T) {
	t.Helper()
	// Force the job so the modification grace does not defer expiration.
	forced := map[uuid.UUID]bool{f.job.UUID: true}
	require.NoError(t, f.engine.Iterate(forced, &trigger.QuitFlag{}))
}

func TestMaxKeepEnforcement(t *testing.T) {
	// One rule {FULL, minKeep=2, maxKeep=3, maxAge=forever}; entities E1..E5
	// exist, E5 newest. E1 and E2 are purged in that order; E3..E5 remain.
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull,
		MinKeep:     2,
		MaxKeep:     3,
		MaxAge:      jobs.Unlimited,
	}, time.Time{})

	e1 := f.addEntity(t, 50)
	e2 := f.addEntity(t, 40)
	f.addEntity(t, 30)
	f.addEntity(t, 20)
	f.addEntity(t, 10)

	f.run(t)

	require.Len(t, f.purger.Purged, 2)
	assert.Equal(t, e1, f.purger.Purged[0], "oldest entity goes first")
	assert.Equal(t, e2, f.purger.Purged[1])
}

func TestMaxAgeEnforcement(t *testing.T) {
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull,
		MinKeep:     0,
		MaxKeep:     jobs.Unlimited,
		MaxAge:      7,
	}, time.Time{})

	old := f.addEntity(t, 10)
	f.addEntity(t, 3)

	f.run(t)

	require.Len(t, f.purger.Purged, 1)
	assert.Equal(t, old, f.purger.Purged[0])
}

func TestInTransitProtection(t *testing.T) {
	// Two rules for FULL: {1,1,7} and {1,1,30}. Entities A=1d, B=5d, C=10d.
	// A is protected (in transit at the period boundary), B is purged as
	// surplus in the first period, C remains.
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 7,
	}, time.Time{})
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull, MinKeep: 1, MaxKeep: 1, MaxAge: 30,
	}, time.Time{})

	f.addEntity(t, 1) // A
	b := f.addEntity(t, 5)
	f.addEntity(t, 10) // C

	f.run(t)

	require.Len(t, f.purger.Purged, 1)
	assert.Equal(t, b, f.purger.Purged[0])
}

func TestLockedEntityIsNeverPurged(t *testing.T) {
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull, MinKeep: 0, MaxKeep: 1, MaxAge: jobs.Unlimited,
	}, time.Time{})

	locked := f.addEntity(t, 20)
	require.NoError(t, f.handle.LockEntity(context.Background(), locked))
	f.addEntity(t, 10)

	f.run(t)
	assert.Empty(t, f.purger.Purged)
}

func TestMinKeepBoundsAgeExpiration(t *testing.T) {
	// Every entity is over age, but minKeep holds the floor.
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull, MinKeep: 2, MaxKeep: jobs.Unlimited, MaxAge: 7,
	}, time.Time{})

	f.addEntity(t, 30)
	f.addEntity(t, 25)
	f.addEntity(t, 20)

	f.run(t)
	assert.Len(t, f.purger.Purged, 1, "only the surplus beyond minKeep expires")
}

func TestModificationGraceDefersExpiration(t *testing.T) {
	f := newEngineFixture(t)
	f.job.Persistence.Add(jobs.PersistenceRule{
		ArchiveType: jobs.ArchiveTypeFull, MinKeep: 0, MaxKeep: 1, MaxAge: jobs.Unlimited,
	}, f.clock.Now()) // just modified

	f.addEntity(t, 20)
	f.addEntity(t, 10)

	// Not forced: the fresh modification defers expiration.
	require.NoError(t, f.engine.Iterate(map[uuid.UUID]bool{}, &trigger.QuitFlag{}))
	assert.Empty(t, f.purger.Purged)

	// Past the grace the surplus goes.
	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.engine.Iterate(map[uuid.UUID]bool{}, &trigger.QuitFlag{}))
	assert.Len(t, f.purger.Purged, 1)
}
