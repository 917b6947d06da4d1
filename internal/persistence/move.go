package persistence

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/events"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/storage"
	"github.com/barkeep-io/barkeep/internal/trigger"
)

// TransferInfo is the move-in-progress status published to clients.
type TransferInfo struct {
	StorageID uuid.UUID `json:"storageId"`
	Name      string    `json:"name"`
	N         int       `json:"n"`
	Size      int64     `json:"size"`
	DoneCount int       `json:"doneCount"`
	DoneSize  int64     `json:"doneSize"`
	TotalCount int      `json:"totalCount"`
	TotalSize  int64    `json:"totalSize"`
}

// MoveAll walks all entities whose assigned rule has a move-to URI and
// relocates every storage that is not yet at the requested location.
func (e *Engine) MoveAll(quit *trigger.QuitFlag) error {
	h, err := e.ix.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()
	now := e.clock.Now()

	policies, err := e.snapshotPolicies()
	if err != nil {
		return err
	}

	entities, err := h.ListEntities(ctx, uuid.UUID{})
	if err != nil {
		return err
	}

	type moveTask struct {
		storage db.Storage
		target  storage.Specifier
	}
	var tasks []moveTask
	var totalSize int64

	for _, policy := range policies {
		jobEntities := annotate(entities, &policy, now)
		for _, ae := range jobEntities {
			if ae.rule == nil || ae.rule.MoveTo == "" {
				continue
			}
			target, err := storage.Parse(ae.rule.MoveTo)
			if err != nil {
				e.log.Warn("invalid move-to URI",
					zap.String("job", policy.jobName),
					zap.String("move_to", ae.rule.MoveTo),
				)
				continue
			}
			storages, err := h.ListStorages(ctx, index.StorageFilter{EntityID: ae.entity.ID})
			if err != nil {
				return err
			}
			for _, s := range storages {
				spec, err := storage.Parse(s.Name)
				if err != nil || atLocation(spec, target) {
					continue
				}
				tasks = append(tasks, moveTask{storage: s, target: target})
				totalSize += s.Size
			}
		}
	}

	var doneSize int64
	for n, task := range tasks {
		if quit.IsSet() {
			return nil
		}
		info := TransferInfo{
			StorageID:  task.storage.ID,
			Name:       task.storage.Name,
			N:          n,
			Size:       task.storage.Size,
			DoneCount:  n,
			DoneSize:   doneSize,
			TotalCount: len(tasks),
			TotalSize:  totalSize,
		}
		e.hub.Publish("transfer", events.Message{Type: events.MsgTransfer, Payload: info})

		if err := e.moveOne(ctx, h, task.storage, task.target); err != nil {
			e.log.Warn("storage move failed",
				zap.String("storage", task.storage.Name),
				zap.Error(err),
			)
			continue
		}
		doneSize += task.storage.Size
		e.met.StoragesMoved.Inc()
	}
	return nil
}

// MoveEntityTo relocates every storage of one entity to the target
// directory URI. Used by the entityMoveTo command; the periodic MoveAll
// uses the persistence rules instead.
func (e *Engine) MoveEntityTo(ctx context.Context, entityID uuid.UUID, moveTo string) error {
	target, err := storage.Parse(moveTo)
	if err != nil {
		return fmt.Errorf("persistence: invalid move target %q: %w", moveTo, err)
	}
	h, err := e.ix.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	storages, err := h.ListStorages(ctx, index.StorageFilter{EntityID: entityID})
	if err != nil {
		return err
	}
	for _, s := range storages {
		spec, err := storage.Parse(s.Name)
		if err != nil || atLocation(spec, target) {
			continue
		}
		if err := e.moveOne(ctx, h, s, target); err != nil {
			return err
		}
		e.met.StoragesMoved.Inc()
	}
	return nil
}

// atLocation reports whether the storage already lives in the target
// directory on the target back-end.
func atLocation(spec, target storage.Specifier) bool {
	return spec.Type == target.Type && spec.HostName == target.HostName &&
		path.Dir(spec.Path) == strings.TrimSuffix(target.Path, "/")
}

// moveOne copies one storage to the target directory under a unique name,
// updates the index row, then deletes the source. On failure the index row
// is reverted and the storage marked Error.
func (e *Engine) moveOne(ctx context.Context, h *index.Handle, s db.Storage, target storage.Specifier) error {
	srcSpec, err := storage.Parse(s.Name)
	if err != nil {
		return fmt.Errorf("persistence: unparsable storage name %q: %w", s.Name, err)
	}

	src, err := e.reg.Open(ctx, srcSpec.Directory(), storage.Credentials{})
	if err != nil {
		return err
	}
	defer src.Close()

	// The move-to URI names a directory.
	dstDir := target
	dstDir.Path = strings.TrimSuffix(dstDir.Path, "/")
	dst, err := e.reg.Open(ctx, dstDir, storage.Credentials{})
	if err != nil {
		return err
	}
	defer dst.Close()

	// Pick a destination name not already taken: name, name-0, name-1, ...
	name := srcSpec.FileName()
	dstName := name
	for n := 0; ; n++ {
		exists, err := dst.Exists(ctx, dstName)
		if err != nil {
			return err
		}
		if !exists {
			break
		}
		dstName = fmt.Sprintf("%s-%d", name, n)
	}

	if _, err := storage.Copy(ctx, src, name, dst, dstName); err != nil {
		markErr := h.SetStorageState(ctx, s.ID, db.StorageStateError,
			fmt.Sprintf("move failed: %v", err), e.clock.Now())
		if markErr != nil {
			e.log.Warn("failed to mark storage after move error", zap.Error(markErr))
		}
		return err
	}

	newSpec := dstDir
	newSpec.Path = path.Join(dstDir.Path, dstName)
	newURI := newSpec.String()
	if err := h.RenameStorage(ctx, s.ID, newURI); err != nil {
		// Index update failed: remove the copy, keep the source authoritative.
		dst.Delete(ctx, dstName)
		markErr := h.SetStorageState(ctx, s.ID, db.StorageStateError,
			fmt.Sprintf("move index update failed: %v", err), e.clock.Now())
		if markErr != nil {
			e.log.Warn("failed to mark storage after move error", zap.Error(markErr))
		}
		return err
	}

	if err := src.Delete(ctx, name); err != nil {
		e.log.Warn("failed to delete moved storage source",
			zap.String("storage", s.Name), zap.Error(err))
	}

	e.log.Named("index").Info("Moved storage",
		zap.String("from", s.Name),
		zap.String("to", newURI),
	)
	return nil
}

