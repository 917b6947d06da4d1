// Package pairing implements the one-time handshake by which a slave
// accepts a new master's identity. At most one master is ever paired; the
// coordinator holds the single in-flight pairing request and persists the
// accepted master record through the global config.
package pairing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// Mode is the pairing acceptance mode.
type Mode int

const (
	ModeNone Mode = iota
	// ModeAuto completes pairing automatically on the next successful
	// authorization attempt carrying a UUID. Entered at slave startup when no
	// master is paired, or via the pairing trigger file.
	ModeAuto
	// ModeManual requires an explicit masterPairingStop pair=yes command.
	ModeManual
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "AUTO"
	case ModeManual:
		return "MANUAL"
	default:
		return "NONE"
	}
}

// DefaultTimeout bounds a pairing window when the caller gives none.
const DefaultTimeout = 10 * time.Minute

// fileCheckInterval is how often the trigger-file path is polled.
const fileCheckInterval = 10 * time.Second

// MasterDisconnector lets the coordinator force currently connected master
// sessions off without depending on the server package.
type MasterDisconnector interface {
	DisconnectMasters(reason string)
}

// Coordinator is the single-instance pairing state machine.
type Coordinator struct {
	cfg   *config.Config
	disc  MasterDisconnector
	clock clockwork.Clock
	log   *zap.Logger

	// Trigger wakes the coordinator's Run loop (the pairing file watcher)
	// when pairing state changes.
	Trigger *trigger.Trigger

	mu       sync.Mutex
	mode     Mode
	newName  string
	newHash  string
	deadline time.Time
}

// New creates the coordinator.
func New(cfg *config.Config, disc MasterDisconnector, clock clockwork.Clock, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		disc:    disc,
		clock:   clock,
		log:     logger.Named("pairing"),
		Trigger: trigger.New(),
	}
}

// Mode returns the current pairing mode, accounting for an expired window.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modeLocked()
}

func (c *Coordinator) modeLocked() Mode {
	if c.mode != ModeNone && c.clock.Now().After(c.deadline) {
		c.mode = ModeNone
		c.newName = ""
		c.newHash = ""
	}
	return c.mode
}

// Status returns the mode, pending master name, and remaining window.
func (c *Coordinator) Status() (Mode, string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	mode := c.modeLocked()
	if mode == ModeNone {
		return ModeNone, "", 0
	}
	return mode, c.newName, c.deadline.Sub(c.clock.Now())
}

// Begin opens a pairing window. When a master is already paired, all
// currently connected masters are disconnected to force a re-pair.
func (c *Coordinator) Begin(timeout time.Duration, mode Mode) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c.mu.Lock()
	if c.modeLocked() != ModeNone {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.newName = ""
	c.newHash = ""
	c.deadline = c.clock.Now().Add(timeout)
	c.mu.Unlock()

	c.log.Info("pairing started",
		zap.String("mode", mode.String()),
		zap.Duration("timeout", timeout),
	)

	if c.cfg.Get().Master.IsPaired() {
		c.disc.DisconnectMasters("pairing restarted")
	}
	c.Trigger.Signal()
}

// Offer records the candidate master identity captured during an
// authorization attempt inside an open pairing window. In Auto mode the
// pairing completes immediately; in Manual mode the identity is held until
// End is called.
func (c *Coordinator) Offer(name, uuidHash string) (completed bool, err error) {
	c.mu.Lock()
	mode := c.modeLocked()
	if mode == ModeNone {
		c.mu.Unlock()
		return false, nil
	}
	c.newName = name
	c.newHash = uuidHash
	c.mu.Unlock()

	if mode == ModeAuto {
		return true, c.End(name, uuidHash)
	}
	return false, nil
}

// End completes pairing: when name is non-empty the persisted master record
// is atomically replaced and the config flushed. Any error aborts without
// leaving partial state.
func (c *Coordinator) End(name, uuidHash string) error {
	if name != "" {
		if err := c.cfg.SetMaster(name, uuidHash); err != nil {
			c.log.Error("pairing failed to persist master record", zap.Error(err))
			c.Abort()
			return err
		}
		c.log.Info("paired with master", zap.String("master", name))
	}

	c.mu.Lock()
	c.mode = ModeNone
	c.newName = ""
	c.newHash = ""
	c.mu.Unlock()

	c.Trigger.Signal()
	return nil
}

// Pending returns the held candidate identity (manual mode).
func (c *Coordinator) Pending() (name, uuidHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.newName, c.newHash
}

// Abort clears an in-flight pairing request.
func (c *Coordinator) Abort() {
	c.mu.Lock()
	active := c.modeLocked() != ModeNone
	c.mode = ModeNone
	c.newName = ""
	c.newHash = ""
	c.mu.Unlock()

	if active {
		c.log.Info("pairing aborted")
		c.Trigger.Signal()
	}
}

// ClearPaired drops the persisted master record and disconnects all master
// sessions.
func (c *Coordinator) ClearPaired() error {
	if err := c.cfg.ClearMaster(); err != nil {
		return err
	}
	c.log.Info("paired master cleared")
	c.disc.DisconnectMasters("master cleared")
	c.Trigger.Signal()
	return nil
}

// Run is the pairing watcher loop (slave mode): it opens an auto-pairing
// window at startup when no master is paired, and reacts to the pairing
// trigger file. Blocks until quit is set.
func (c *Coordinator) Run(quit *trigger.QuitFlag) {
	opts := c.cfg.Get()
	if !opts.Master.IsPaired() {
		c.Begin(DefaultTimeout, ModeAuto)
	}

	for !quit.IsSet() {
		req, err := config.ReadPairingRequest(c.cfg.Get().PairingFile)
		if err != nil {
			c.log.Warn("pairing file check failed", zap.Error(err))
		} else if req != nil {
			config.RemovePairingFile(c.cfg.Get().PairingFile)
			if req.Clear {
				if err := c.ClearPaired(); err != nil {
					c.log.Error("failed to clear paired master", zap.Error(err))
				}
			} else {
				// The pairing window starts at the file's mtime.
				remaining := DefaultTimeout - c.clock.Now().Sub(req.Since)
				if remaining > 0 {
					c.Begin(remaining, ModeAuto)
				}
			}
		}

		trigger.Delay(fileCheckInterval, c.Trigger, quit)
	}
}
