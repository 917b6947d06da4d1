package slaves

import (
	"time"

	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/config"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/protocol"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

const (
	// reconcileInterval is the long sleep between iterations when every
	// slave is healthy.
	reconcileInterval = 60 * time.Second
	// retryInterval is the short sleep while any slave is offline or
	// unpaired.
	retryInterval = 30 * time.Second

	connectTimeout = 10 * time.Second
)

// Registry owns the connector pool: one connector per distinct
// (host, port, tlsMode) referenced by any remote job.
type Registry struct {
	list *jobs.List
	cfg  *config.Config
	log  *zap.Logger

	// Trigger wakes the reconcile loop, e.g. after pairing changes.
	Trigger *trigger.Trigger

	connectors map[Address]*Connector
	locked     map[Address]int // acquire count; locked connectors survive reconcile drops
}

// NewRegistry creates the slave registry.
func NewRegistry(list *jobs.List, cfg *config.Config, logger *zap.Logger) *Registry {
	return &Registry{
		list:       list,
		cfg:        cfg,
		log:        logger.Named("slaves"),
		Trigger:    trigger.New(),
		connectors: make(map[Address]*Connector),
		locked:     make(map[Address]int),
	}
}

// addressOf derives the connector address for a remote job.
func addressOf(j *jobs.Job) Address {
	port := j.SlaveHost.Port
	if port == 0 {
		port = 38523
	}
	return Address{Host: j.SlaveHost.Name, Port: port, TLSMode: j.SlaveHost.TLSMode}
}

// Acquire returns the authorized connector for a remote job and pins it
// against reconcile drops. Release must be called when done.
func (r *Registry) Acquire(j *jobs.Job) (*Connector, error) {
	addr := addressOf(j)

	if !r.list.Lock(jobs.LockTimeout) {
		return nil, errListBusy()
	}
	c := r.connectors[addr]
	if c != nil {
		r.locked[addr]++
	}
	r.list.Unlock()

	if c == nil || !c.IsAuthorized() {
		if c != nil {
			r.Release(j)
		}
		return nil, errSlaveDisconnected(addr)
	}
	return c, nil
}

// Release unpins the connector of a remote job.
func (r *Registry) Release(j *jobs.Job) {
	addr := addressOf(j)
	if !r.list.Lock(jobs.LockTimeout) {
		return
	}
	if r.locked[addr] > 0 {
		r.locked[addr]--
	}
	r.list.Unlock()
}

// Run is the reconcile loop (master mode). Blocks until quit is set.
func (r *Registry) Run(quit *trigger.QuitFlag) {
	r.log.Info("slave registry started")
	for !quit.IsSet() {
		allHealthy := r.reconcile()

		if allHealthy {
			trigger.Delay(reconcileInterval, r.Trigger, quit)
		} else {
			trigger.Delay(retryInterval, r.Trigger, quit)
		}
	}

	// Shutdown: drop every connector.
	for _, c := range r.connectors {
		c.Disconnect()
	}
	r.log.Info("slave registry stopped")
}

// reconcile performs one registry iteration. Returns true when every slave is
// paired (or no slaves are configured).
func (r *Registry) reconcile() bool {
	opts := r.cfg.Get()
	files := TLSFiles{CAFile: opts.CAFile, CertFile: opts.CertFile, KeyFile: opts.KeyFile}

	if !r.list.Lock(jobs.LockTimeout) {
		r.log.Warn("job list busy, skipping slave reconcile")
		return false
	}

	// 1. Disconnect connectors marked for shutdown.
	for addr, c := range r.connectors {
		c.mu.Lock()
		shutdown := c.shutdown
		wasAuthorized := c.authorized
		c.mu.Unlock()
		if !shutdown {
			continue
		}
		c.Disconnect()
		r.propagateLocked(addr, jobs.SlaveStateOffline)
		if wasAuthorized {
			r.log.Info("slave disconnected", zap.String("slave", addr.String()))
		}
	}

	// 2. Reconcile the connector set from the job list.
	wanted := make(map[Address]bool)
	for _, j := range r.list.All() {
		if j.IsRemote() {
			wanted[addressOf(j)] = true
		}
	}
	for addr := range wanted {
		if _, ok := r.connectors[addr]; !ok {
			r.connectors[addr] = newConnector(addr, r.log)
		}
	}
	for addr, c := range r.connectors {
		if !wanted[addr] && r.locked[addr] == 0 {
			c.Disconnect()
			delete(r.connectors, addr)
		}
	}

	connectors := make(map[Address]*Connector, len(r.connectors))
	for addr, c := range r.connectors {
		connectors[addr] = c
	}
	r.list.Unlock()

	// 3. Connect and authorize outside the lock, then derive slave states.
	masterName := hostName()
	allPaired := true
	states := make(map[Address]jobs.SlaveState, len(connectors))
	for addr, c := range connectors {
		if !c.IsConnected() {
			if err := c.Connect(files, connectTimeout); err != nil {
				c.log.Debug("connect failed", zap.Error(err))
			}
		}
		if c.IsConnected() && !c.IsAuthorized() {
			if err := c.Authorize(masterName, opts.MasterUUID); err != nil {
				c.log.Debug("authorize failed", zap.Error(err))
			} else {
				c.log.Info("slave authorized", zap.String("slave", addr.String()))
			}
		}
		state := deriveState(c)
		states[addr] = state
		if state != jobs.SlaveStatePaired {
			allPaired = false
		}
	}

	if !r.list.Lock(jobs.LockTimeout) {
		return false
	}
	for addr, state := range states {
		r.propagateLocked(addr, state)
	}
	r.list.NotifyModified()
	r.list.Unlock()

	return allPaired
}

// deriveState maps connector status to the slave state, in priority order.
func deriveState(c *Connector) jobs.SlaveState {
	if !c.IsConnected() {
		return jobs.SlaveStateOffline
	}
	if !c.IsAuthorized() {
		return jobs.SlaveStateOnline
	}
	mode, major, _ := c.PeerInfo()
	if mode != protocol.WireModeSlave {
		return jobs.SlaveStateWrongMode
	}
	if major != protocol.VersionMajor {
		return jobs.SlaveStateWrongProtocolVersion
	}
	return jobs.SlaveStatePaired
}

// propagateLocked pushes a slave state to every job bound to the address.
// Caller holds the job-list write lock.
func (r *Registry) propagateLocked(addr Address, state jobs.SlaveState) {
	for _, j := range r.list.All() {
		if j.IsRemote() && addressOf(j) == addr {
			j.SlaveState = state
		}
	}
}
