package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	key := make([]byte, 32)
	copy(key, []byte("test-secret"))
	if err := InitEncryption(key); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	opts := cfg.Get()
	assert.Equal(t, ModeMaster, opts.Mode)
	assert.Equal(t, 38523, opts.Port)
	assert.NotZero(t, opts.MaxConnections)
}

func TestConfigRoundTripWithSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barkeep.yaml")
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Update(func(o *Options) {
		o.Mode = ModeSlave
		o.CryptPassword = "hunter2"
		o.Servers = []ServerEntry{{ID: 1, Name: "backup1", Port: 39523, TLSMode: "TRY"}}
	})
	require.NoError(t, cfg.Flush())

	// The secret is not stored in the clear.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")

	reloaded, err := Load(path)
	require.NoError(t, err)
	opts := reloaded.Get()
	assert.Equal(t, ModeSlave, opts.Mode)
	assert.Equal(t, Secret("hunter2"), opts.CryptPassword)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "backup1", opts.Servers[0].Name)
}

func TestSetAndClearMaster(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "barkeep.yaml"))
	require.NoError(t, err)

	require.NoError(t, cfg.SetMaster("M1", "hash"))
	assert.True(t, cfg.Get().Master.IsPaired())

	require.NoError(t, cfg.ClearMaster())
	assert.False(t, cfg.Get().Master.IsPaired())
}

func TestIsMaintenanceTime(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "barkeep.yaml"))
	require.NoError(t, err)

	// No windows configured: always maintenance time.
	assert.True(t, cfg.IsMaintenanceTime(time.Now()))

	cfg.Update(func(o *Options) {
		o.Maintenance = []MaintenanceWindow{{
			ID:       1,
			Date:     "*-*-*",
			WeekDays: "*",
			Begin:    "01:00",
			End:      "05:00",
		}}
	})

	inside := time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC)
	outside := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, cfg.IsMaintenanceTime(inside))
	assert.False(t, cfg.IsMaintenanceTime(outside))
}

func TestMaintenanceWindowParseErrors(t *testing.T) {
	w := MaintenanceWindow{Date: "not-a-date", WeekDays: "*", Begin: "01:00", End: "02:00"}
	_, err := w.Parse()
	assert.Error(t, err)
}

func TestPairingRequestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairing")

	// Missing file: no request.
	req, err := ReadPairingRequest(path)
	require.NoError(t, err)
	assert.Nil(t, req)

	require.NoError(t, os.WriteFile(path, []byte("clear\n"), 0644))
	req, err = ReadPairingRequest(path)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, req.Clear)
	assert.False(t, req.Since.IsZero())

	require.NoError(t, os.WriteFile(path, []byte("pair me"), 0644))
	req, err = ReadPairingRequest(path)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.False(t, req.Clear)

	RemovePairingFile(path)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
