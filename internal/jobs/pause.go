package jobs

import (
	"sync"
	"time"
)

// PauseFlags is the process-wide pause state set by the pause/suspend/
// continue commands. Each flag pauses one activity class; Until bounds the
// pause so a forgotten pause command cannot stall the server forever.
type PauseFlags struct {
	mu sync.Mutex

	Create           bool
	Storage          bool
	Restore          bool
	IndexUpdate      bool
	IndexMaintenance bool

	Until time.Time
}

// Set enables the selected flags until now+d.
func (p *PauseFlags) Set(create, storage, restore, indexUpdate, indexMaintenance bool, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Create = p.Create || create
	p.Storage = p.Storage || storage
	p.Restore = p.Restore || restore
	p.IndexUpdate = p.IndexUpdate || indexUpdate
	p.IndexMaintenance = p.IndexMaintenance || indexMaintenance
	p.Until = time.Now().Add(d)
}

// Clear resets all flags (the continue command).
func (p *PauseFlags) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Create = false
	p.Storage = false
	p.Restore = false
	p.IndexUpdate = false
	p.IndexMaintenance = false
	p.Until = time.Time{}
}

// expiredLocked auto-clears flags past their deadline.
func (p *PauseFlags) expiredLocked() bool {
	if !p.Until.IsZero() && time.Now().After(p.Until) {
		p.Create = false
		p.Storage = false
		p.Restore = false
		p.IndexUpdate = false
		p.IndexMaintenance = false
		p.Until = time.Time{}
		return true
	}
	return false
}

// IsCreatePaused reports whether archive creation is paused.
func (p *PauseFlags) IsCreatePaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.Create
}

// IsStoragePaused reports whether storage writes are paused.
func (p *PauseFlags) IsStoragePaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.Storage
}

// IsRestorePaused reports whether restores are paused.
func (p *PauseFlags) IsRestorePaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.Restore
}

// IsIndexUpdatePaused reports whether the storage update worker is paused.
func (p *PauseFlags) IsIndexUpdatePaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.IndexUpdate
}

// IsIndexMaintenancePaused reports whether index maintenance is paused.
func (p *PauseFlags) IsIndexMaintenancePaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.IndexMaintenance
}

// Snapshot returns the current flag values for the status command.
func (p *PauseFlags) Snapshot() (create, storage, restore, indexUpdate, indexMaintenance bool, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expiredLocked()
	return p.Create, p.Storage, p.Restore, p.IndexUpdate, p.IndexMaintenance, p.Until
}
