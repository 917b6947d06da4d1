package index

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// AggregateCache holds the per-job and per-schedule statistics shown by job
// and schedule listings. The runner refreshes it after every run; command
// handlers read it without touching the index.
type AggregateCache struct {
	mu sync.RWMutex
	m  map[uuid.UUID]AggregateInfo // keyed by job or schedule UUID
}

// NewAggregateCache creates an empty cache.
func NewAggregateCache() *AggregateCache {
	return &AggregateCache{m: make(map[uuid.UUID]AggregateInfo)}
}

// Get returns the cached info for a job or schedule UUID.
func (c *AggregateCache) Get(id uuid.UUID) (AggregateInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.m[id]
	return info, ok
}

// RefreshJob reloads the aggregate info of one job and the given schedules.
func (c *AggregateCache) RefreshJob(ctx context.Context, h *Handle, jobUUID uuid.UUID, scheduleUUIDs []uuid.UUID) error {
	info, err := h.JobAggregate(ctx, jobUUID, uuid.UUID{})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.m[jobUUID] = *info
	c.mu.Unlock()

	for _, sid := range scheduleUUIDs {
		sinfo, err := h.JobAggregate(ctx, jobUUID, sid)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.m[sid] = *sinfo
		c.mu.Unlock()
	}
	return nil
}
