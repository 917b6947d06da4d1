// Package persistence is the retention engine: it walks the entity index,
// assigns each entity its persistence rule, expires surplus and over-age
// entities (oldest first, in-transit entities protected), and moves
// storages to their move-to targets.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/jobs"
	"github.com/barkeep-io/barkeep/internal/metrics"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

const (
	// runInterval is the normal period between engine iterations.
	runInterval = 10 * time.Minute

	// modificationGrace delays expiration after a persistence-list edit so
	// an operator finishing a policy change does not race the engine.
	modificationGrace = 10 * time.Minute
)

// jobPolicy is the snapshot of one job's persistence configuration taken
// under the job-list lock.
type jobPolicy struct {
	jobUUID uuid.UUID
	jobName string
	rules   jobs.PersistenceList
	mounts  []jobs.Mount
}

// annotated is one entity with its assigned rule.
type annotated struct {
	entity db.Entity
	atype  jobs.ArchiveType
	rule   *jobs.PersistenceRule
}

// Engine is the retention engine.
type Engine struct {
	list    *jobs.List
	ix      *index.Index
	reg     *storage.Registry
	mounter storage.Mounter
	purger  PurgeStrategy
	hub     *events.Hub
	met     *metrics.Metrics
	clock   clockwork.Clock
	log     *zap.Logger

	// Trigger wakes the loop early, e.g. when a run is about to create a
	// new archive and wants immediate expiration.
	Trigger *trigger.Trigger

	forced chan uuid.UUID
}

// New creates the engine. purger may be nil for the default strategy that
// really deletes storages and index rows.
func New(list *jobs.List, ix *index.Index, reg *storage.Registry, mounter storage.Mounter, purger PurgeStrategy, hub *events.Hub, met *metrics.Metrics, clock clockwork.Clock, logger *zap.Logger) *Engine {
	e := &Engine{
		list:    list,
		ix:      ix,
		reg:     reg,
		mounter: mounter,
		purger:  purger,
		hub:     hub,
		met:     met,
		clock:   clock,
		log:     logger.Named("persistence"),
		Trigger: trigger.New(),
		forced:  make(chan uuid.UUID, 16),
	}
	if e.purger == nil {
		e.purger = &deletePurger{reg: reg, log: e.log}
	}
	if e.mounter == nil {
		e.mounter = storage.ExecMounter{}
	}
	return e
}

// RequestImmediate asks for immediate expiration of a job's entities,
// bypassing the modification grace. Called just before a new archive of the
// job is created.
func (e *Engine) RequestImmediate(jobUUID uuid.UUID) {
	select {
	case e.forced <- jobUUID:
	default:
	}
	e.Trigger.Signal()
}

// Run is the engine loop. Blocks until quit is set.
func (e *Engine) Run(quit *trigger.QuitFlag) {
	e.log.Info("persistence engine started")
	for !quit.IsSet() {
		if e.ix.Initialized() {
			forced := e.drainForced()
			if err := e.Iterate(forced, quit); err != nil {
				e.log.Warn("persistence iteration failed", zap.Error(err))
			}
			if err := e.MoveAll(quit); err != nil {
				e.log.Warn("persistence move failed", zap.Error(err))
			}
		}
		trigger.Delay(runInterval, e.Trigger, quit)
	}
	e.log.Info("persistence engine stopped")
}

func (e *Engine) drainForced() map[uuid.UUID]bool {
	forced := make(map[uuid.UUID]bool)
	for {
		select {
		case id := <-e.forced:
			forced[id] = true
		default:
			return forced
		}
	}
}

// Iterate performs expiration passes until nothing more expires. forced
// jobs skip the modification grace.
func (e *Engine) Iterate(forced map[uuid.UUID]bool, quit *trigger.QuitFlag) error {
	h, err := e.ix.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	processed := make(map[uuid.UUID]bool)
	for !quit.IsSet() {
		expired, err := e.expireOne(h, forced, processed)
		if err != nil {
			return err
		}
		if !expired {
			return nil
		}
	}
	return nil
}

// snapshotPolicies copies every job's persistence configuration under the
// lock.
func (e *Engine) snapshotPolicies() ([]jobPolicy, error) {
	if !e.list.RLock(jobs.LockTimeout) {
		return nil, fmt.Errorf("persistence: job list busy")
	}
	defer e.list.RUnlock()

	var policies []jobPolicy
	for _, j := range e.list.All() {
		p := jobPolicy{jobUUID: j.UUID, jobName: j.Name}
		p.rules.LastModifiedAt = j.Persistence.LastModifiedAt
		for _, r := range j.Persistence.Rules {
			rc := *r
			p.rules.Rules = append(p.rules.Rules, &rc)
		}
		for _, m := range j.MountList {
			p.mounts = append(p.mounts, *m)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// expireOne finds and expires the first expired-or-surplus entity. Returns
// whether anything was expired.
func (e *Engine) expireOne(h *index.Handle, forced, processed map[uuid.UUID]bool) (bool, error) {
	ctx := context.Background()
	now := e.clock.Now()

	entities, err := h.ListEntities(ctx, uuid.UUID{})
	if err != nil {
		return false, err
	}
	// The list is ordered newest first; the walk below relies on it.
	for i := 1; i < len(entities); i++ {
		if entities[i].CreatedAt.After(entities[i-1].CreatedAt) {
			return false, fmt.Errorf("persistence: entity list out of order")
		}
	}

	policies, err := e.snapshotPolicies()
	if err != nil {
		return false, err
	}

	for _, policy := range policies {
		if !forced[policy.jobUUID] &&
			!policy.rules.LastModifiedAt.IsZero() &&
			now.Before(policy.rules.LastModifiedAt.Add(modificationGrace)) {
			continue
		}

		jobEntities := annotate(entities, &policy, now)

		victim, reason := findVictim(jobEntities, &policy, now, processed)
		if victim == nil {
			continue
		}

		processed[victim.entity.ID] = true
		if err := e.purge(ctx, h, victim, &policy, reason); err != nil {
			e.log.Warn("entity purge failed",
				zap.String("job", policy.jobName),
				zap.String("entity", victim.entity.ID.String()),
				zap.Error(err),
			)
			continue
		}
		return true, nil
	}
	return false, nil
}

// annotate builds the job's entity list with assigned rules, newest first.
func annotate(entities []db.Entity, policy *jobPolicy, now time.Time) []annotated {
	var out []annotated
	for _, ent := range entities {
		if ent.JobUUID != policy.jobUUID {
			continue
		}
		atype, err := jobs.ParseArchiveType(ent.ArchiveType)
		if err != nil {
			continue
		}
		ageDays := int(now.Sub(ent.CreatedAt).Hours() / 24)
		out = append(out, annotated{
			entity: ent,
			atype:  atype,
			rule:   policy.rules.AssignRule(atype, ageDays),
		})
	}
	return out
}

// isInTransit reports whether the entity at index i is protected: it is the
// newest same-type entity of its assigned rule while an older same-type
// entity is assigned to a different rule, i.e. it sits at the boundary
// between two persistence periods.
func isInTransit(list []annotated, i int) bool {
	cur := &list[i]
	if cur.rule == nil {
		return false
	}
	// Any newer same-type entity in the same rule makes cur not the newest
	// of its period.
	for k := i - 1; k >= 0; k-- {
		if list[k].atype == cur.atype && list[k].rule == cur.rule {
			return false
		}
	}
	for k := i + 1; k < len(list); k++ {
		if list[k].atype == cur.atype && list[k].rule != nil && list[k].rule != cur.rule {
			return true
		}
	}
	return false
}

// findVictim selects the next entity to expire: walk the job's entities
// oldest first (so older entities always expire before newer ones within a
// period), skip locked, unassigned, processed, and in-transit entities, and
// expire on maxKeep surplus or maxAge overrun. Returns the entity to expire
// and the log reason.
func findVictim(list []annotated, policy *jobPolicy, now time.Time, processed map[uuid.UUID]bool) (*annotated, string) {
	for i := len(list) - 1; i >= 0; i-- {
		cur := &list[i]
		if cur.entity.Locked() ||
			cur.rule == nil ||
			!policy.rules.HasType(cur.atype) ||
			processed[cur.entity.ID] ||
			isInTransit(list, i) {
			continue
		}

		rule := cur.rule

		// Period population, treating entities already processed this
		// iteration as purged so the dry-run strategy converges like the
		// real one.
		count := 0
		for k := range list {
			if list[k].atype == cur.atype && list[k].rule == rule && !processed[list[k].entity.ID] {
				count++
			}
		}
		minKeep := rule.MinKeep
		if minKeep == jobs.Unlimited {
			minKeep = 0
		}

		// Surplus pruning only ever removes the oldest of the period; if an
		// older (e.g. locked) entity still sits below cur, wait for it
		// rather than eat into newer archives.
		oldestOfPeriod := true
		for k := i + 1; k < len(list); k++ {
			if list[k].atype == cur.atype && list[k].rule == rule && !processed[list[k].entity.ID] {
				oldestOfPeriod = false
				break
			}
		}

		if rule.MaxKeep != jobs.Unlimited && count > rule.MaxKeep && count > minKeep && oldestOfPeriod {
			return cur, fmt.Sprintf("max. keep limit reached (%d)", rule.MaxKeep)
		}

		if rule.MaxAge != jobs.Unlimited && count > minKeep {
			ageDays := int(now.Sub(cur.entity.CreatedAt).Hours() / 24)
			if ageDays > rule.MaxAge {
				return cur, fmt.Sprintf("max. age reached (%d days)", rule.MaxAge)
			}
		}
	}
	return nil, ""
}

// purge removes one entity: lock → mount → delete storages and rows →
// unmount → unlock. Every resource is released on every exit path.
func (e *Engine) purge(ctx context.Context, h *index.Handle, victim *annotated, policy *jobPolicy, reason string) error {
	id := victim.entity.ID

	if err := h.LockEntity(ctx, id); err != nil {
		return err
	}
	defer h.UnlockEntity(ctx, id)

	var mounted []string
	defer func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			e.mounter.Unmount(ctx, mounted[i])
		}
	}()
	for _, m := range policy.mounts {
		if err := e.mounter.Mount(ctx, m.Name, m.Device); err != nil {
			return err
		}
		mounted = append(mounted, m.Name)
	}

	storages, err := h.ListStorages(ctx, index.StorageFilter{EntityID: id})
	if err != nil {
		return err
	}
	// Locked-state invariant: never purge while a storage is being updated.
	for _, s := range storages {
		if s.State == db.StorageStateUpdate {
			return fmt.Errorf("persistence: storage %s is being updated", s.ID)
		}
	}

	if err := e.purger.Purge(ctx, h, &victim.entity, storages); err != nil {
		return err
	}

	e.met.EntitiesPurged.Inc()
	e.log.Named("index").Info("Purged expired entity",
		zap.String("job", policy.jobName),
		zap.String("entity", id.String()),
		zap.String("archive_type", victim.atype.String()),
		zap.String("reason", reason),
	)
	e.hub.Publish("jobs", events.Message{
		Type: events.MsgEntityPurged,
		Payload: map[string]string{
			"job":    policy.jobName,
			"entity": id.String(),
			"reason": reason,
		},
	})
	return nil
}
