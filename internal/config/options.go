// Package config owns the persisted configuration of the server: the global
// YAML config file (server options, maintenance windows, server list, the
// paired-master record), the per-job key=value config files, and the pairing
// trigger file used in slave mode.
//
// All writes go through a temp-file rename so a crash never leaves a
// half-written file behind.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/barkeep-io/barkeep/internal/jobs"
)

// ServerMode is the process role.
type ServerMode string

const (
	ModeMaster ServerMode = "master"
	ModeSlave  ServerMode = "slave"
)

// MasterInfo is the persisted record of the paired master (slave mode only).
// UUIDHash is hex(sha256(machineId || masterUUID)); pairing is the only way
// this record is set.
type MasterInfo struct {
	Name     string `yaml:"name"`
	UUIDHash string `yaml:"uuidHash"`
}

// IsPaired reports whether a master is currently paired.
func (m MasterInfo) IsPaired() bool {
	return m.Name != ""
}

// ServerEntry is one configured slave server.
type ServerEntry struct {
	ID      int    `yaml:"id"`
	Name    string `yaml:"name"`
	Port    int    `yaml:"port"`
	TLSMode string `yaml:"tlsMode"`
}

// Options is the global server configuration, stored as YAML.
type Options struct {
	Mode ServerMode `yaml:"mode"`

	Port    int `yaml:"port"`
	TLSPort int `yaml:"tlsPort"`

	CAFile   string `yaml:"caFile"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`

	JobsDirectory string `yaml:"jobsDirectory"`
	IndexDSN      string `yaml:"indexDatabase"`
	PairingFile   string `yaml:"pairingFile"`

	// PasswordHash is the bcrypt hash of the server password clients
	// authorize with.
	PasswordHash string `yaml:"passwordHash"`

	// MasterUUID is this server's persistent identity, presented to slaves
	// during authorize. Generated on first start.
	MasterUUID string `yaml:"masterUUID"`

	// MachineID salts the paired-master hash on the slave side. Generated on
	// first start.
	MachineID string `yaml:"machineId"`

	CryptPassword  Secret `yaml:"cryptPassword"`
	FtpPassword    Secret `yaml:"ftpPassword"`
	SshPassword    Secret `yaml:"sshPassword"`
	WebdavPassword Secret `yaml:"webdavPassword"`

	MaxConnections    int `yaml:"maxConnections"`
	ConnectTimeoutSec int `yaml:"connectTimeout"`

	Master      MasterInfo          `yaml:"masterInfo"`
	Maintenance []MaintenanceWindow `yaml:"maintenance"`
	Servers     []ServerEntry       `yaml:"servers"`

	MonitorAddr string `yaml:"monitorAddr"`
}

// Defaults fills unset fields with their default values.
func (o *Options) Defaults() {
	if o.Mode == "" {
		o.Mode = ModeMaster
	}
	if o.Port == 0 {
		o.Port = 38523
	}
	if o.JobsDirectory == "" {
		o.JobsDirectory = "./jobs"
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = 16
	}
	if o.ConnectTimeoutSec == 0 {
		o.ConnectTimeoutSec = 60
	}
}

// Config is the loaded global configuration plus the file it came from.
// Mutations go through the lock so command handlers and the pairing
// coordinator can update and flush concurrently.
type Config struct {
	mu   sync.RWMutex
	path string
	opts Options
}

// Load reads the global config file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	c := &Config{path: path}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &c.opts); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First start; file is created on the first flush.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	c.opts.Defaults()
	return c, nil
}

// Get returns a copy of the current options.
func (c *Config) Get() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Update applies fn to the options under the lock. The caller flushes
// separately when the change must be persisted.
func (c *Config) Update(fn func(*Options)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.opts)
}

// Flush writes the config file atomically via temp file + rename.
func (c *Config) Flush() error {
	c.mu.RLock()
	data, err := yaml.Marshal(&c.opts)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return writeFileAtomic(c.path, data, 0600)
}

// SetMaster atomically replaces the persisted master record and flushes.
func (c *Config) SetMaster(name, uuidHash string) error {
	c.Update(func(o *Options) {
		o.Master = MasterInfo{Name: name, UUIDHash: uuidHash}
	})
	return c.Flush()
}

// ClearMaster drops the persisted master record and flushes.
func (c *Config) ClearMaster() error {
	return c.SetMaster("", "")
}

// writeFileAtomic writes data to path via a temp file in the same directory
// followed by a rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("config: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	ok = true
	return nil
}

// PairingRequest is the decoded content of the pairing trigger file.
type PairingRequest struct {
	// Clear requests un-pairing instead of pairing.
	Clear bool
	// Since is the file's modification time; the pairing window starts here.
	Since time.Time
}

// ReadPairingRequest checks the pairing trigger file. Returns nil when the
// file does not exist.
func ReadPairingRequest(path string) (*PairingRequest, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: stat pairing file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read pairing file: %w", err)
	}
	return &PairingRequest{
		Clear: string(trimSpace(data)) == "clear",
		Since: info.ModTime(),
	}, nil
}

// RemovePairingFile deletes the pairing trigger file after it was acted on.
func RemovePairingFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// FindServer returns the server entry with the given id, or nil.
func (o *Options) FindServer(id int) *ServerEntry {
	for i := range o.Servers {
		if o.Servers[i].ID == id {
			return &o.Servers[i]
		}
	}
	return nil
}

// NextServerID mints the next free server-entry id.
func (o *Options) NextServerID() int {
	max := 0
	for _, s := range o.Servers {
		if s.ID > max {
			max = s.ID
		}
	}
	return max + 1
}

// TLSModeOf parses a server entry's TLS mode, defaulting to none.
func (s ServerEntry) TLSModeOf() jobs.TLSMode {
	m, err := jobs.ParseTLSMode(s.TLSMode)
	if err != nil {
		return jobs.TLSModeNone
	}
	return m
}
