package pairing

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
)

type fakeDisconnector struct {
	calls []string
}

func (f *fakeDisconnector) DisconnectMasters(reason string) {
	f.calls = append(f.calls, reason)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *config.Config, *fakeDisconnector, *clockwork.FakeClock) {
	t.Helper()
	cfg, err := config.Load(filepath.Join(t.TempDir(), "barkeep.yaml"))
	require.NoError(t, err)
	cfg.Update(func(o *config.Options) { o.Mode = config.ModeSlave })

	disc := &fakeDisconnector{}
	clock := clockwork.NewFakeClock()
	return New(cfg, disc, clock, zap.NewNop()), cfg, disc, clock
}

func TestAutoPairingCompletesOnOffer(t *testing.T) {
	c, cfg, _, _ := newTestCoordinator(t)

	c.Begin(time.Minute, ModeAuto)
	assert.Equal(t, ModeAuto, c.Mode())

	completed, err := c.Offer("M1", "deadbeef")
	require.NoError(t, err)
	assert.True(t, completed)

	master := cfg.Get().Master
	assert.Equal(t, "M1", master.Name)
	assert.Equal(t, "deadbeef", master.UUIDHash)
	assert.Equal(t, ModeNone, c.Mode())
}

func TestManualPairingHoldsUntilStop(t *testing.T) {
	c, cfg, _, _ := newTestCoordinator(t)

	c.Begin(time.Minute, ModeManual)
	completed, err := c.Offer("M1", "cafe")
	require.NoError(t, err)
	assert.False(t, completed, "manual mode waits for masterPairingStop pair=yes")
	assert.False(t, cfg.Get().Master.IsPaired())

	name, hash := c.Pending()
	require.NoError(t, c.End(name, hash))
	assert.Equal(t, "M1", cfg.Get().Master.Name)
}

func TestPairingWindowExpires(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t)

	c.Begin(time.Minute, ModeAuto)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, ModeNone, c.Mode())

	completed, err := c.Offer("late", "hash")
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestAbortClearsState(t *testing.T) {
	c, cfg, _, _ := newTestCoordinator(t)
	c.Begin(time.Minute, ModeManual)
	c.Offer("M1", "hash")
	c.Abort()
	assert.Equal(t, ModeNone, c.Mode())
	name, _ := c.Pending()
	assert.Empty(t, name)
	assert.False(t, cfg.Get().Master.IsPaired())
}

func TestBeginWhilePairedDisconnectsMasters(t *testing.T) {
	c, cfg, disc, _ := newTestCoordinator(t)
	require.NoError(t, cfg.SetMaster("M0", "oldhash"))

	c.Begin(time.Minute, ModeAuto)
	assert.NotEmpty(t, disc.calls, "connected masters are dropped to force a re-pair")
}

func TestClearPaired(t *testing.T) {
	c, cfg, disc, _ := newTestCoordinator(t)
	require.NoError(t, cfg.SetMaster("M0", "hash"))

	require.NoError(t, c.ClearPaired())
	assert.False(t, cfg.Get().Master.IsPaired())
	assert.NotEmpty(t, disc.calls)
}

func TestAtMostOnePairingWindow(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	c.Begin(time.Minute, ModeManual)
	// A second Begin while one window is open is ignored.
	c.Begin(time.Minute, ModeAuto)
	assert.Equal(t, ModeManual, c.Mode())
}
