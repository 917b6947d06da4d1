package authz

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return New(clock, zap.NewNop()), clock
}

func TestPenaltyGrowsQuadratically(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Zero(t, r.Penalty("client1"))

	r.OnFailure("client1")
	assert.Equal(t, 500*time.Millisecond, r.Penalty("client1"))

	r.OnFailure("client1")
	assert.Equal(t, 2000*time.Millisecond, r.Penalty("client1"))

	r.OnFailure("client1")
	assert.Equal(t, 4500*time.Millisecond, r.Penalty("client1"))
}

func TestPenaltyIsCapped(t *testing.T) {
	r, _ := newTestRegistry(t)
	for i := 0; i < 20; i++ {
		r.OnFailure("client1")
	}
	assert.Equal(t, maxPenalty, r.Penalty("client1"))
}

func TestPenaltyElapsesWithTime(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.OnFailure("client1")
	clock.Advance(400 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, r.Penalty("client1"))
	clock.Advance(200 * time.Millisecond)
	assert.Zero(t, r.Penalty("client1"))
}

func TestOnSuccessClearsRecord(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.OnFailure("client1")
	r.OnSuccess("client1")
	assert.Zero(t, r.Penalty("client1"))
}

func TestPruneDropsIdleRecords(t *testing.T) {
	r, clock := newTestRegistry(t)
	r.OnFailure("idle")
	r.OnFailure("live")
	r.SessionOpened("live")

	clock.Advance(maxHistoryKeep + time.Minute)
	r.Prune()

	assert.Zero(t, r.Penalty("idle"))
	// The live session protects its record from pruning.
	assert.NotZero(t, r.Penalty("live"))
}

func TestRecordCapEvictsOldest(t *testing.T) {
	r, clock := newTestRegistry(t)
	for i := 0; i < maxRecords; i++ {
		r.OnFailure(name(i))
		clock.Advance(time.Millisecond)
	}
	r.OnFailure("newcomer")
	// Eviction leaves the cap intact.
	r.mu.Lock()
	assert.LessOrEqual(t, len(r.records), maxRecords)
	r.mu.Unlock()
	assert.NotZero(t, r.Penalty("newcomer"))
}

func name(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, "s3cret"))
	assert.False(t, VerifyPassword(hash, "wrong"))
	assert.False(t, VerifyPassword("", "anything"))
}

func TestMasterHash(t *testing.T) {
	h1 := HashUUID("machine-a", "uuid-1")
	h2 := HashUUID("machine-a", "uuid-1")
	h3 := HashUUID("machine-b", "uuid-1")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.True(t, VerifyMasterHash(h1, h2))
	assert.False(t, VerifyMasterHash(h1, h3))
	assert.False(t, VerifyMasterHash("", h1))
}
