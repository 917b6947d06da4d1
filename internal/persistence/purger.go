package persistence

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/barkeep-io/barkeep/internal/db"
	"github.com/barkeep-io/barkeep/internal/index"
	"github.com/barkeep-io/barkeep/internal/storage"
)

// PurgeStrategy is the pluggable delete step of the engine. The default
// strategy deletes archives and index rows; the dry-run variant only
// records what would be purged, used by property tests.
type PurgeStrategy interface {
	Purge(ctx context.Context, h *index.Handle, entity *db.Entity, storages []db.Storage) error
}

// deletePurger really deletes: every storage artifact on its back-end, the
// storage rows, and finally the entity row.
type deletePurger struct {
	reg *storage.Registry
	log *zap.Logger
}

func (p *deletePurger) Purge(ctx context.Context, h *index.Handle, entity *db.Entity, storages []db.Storage) error {
	for _, s := range storages {
		spec, err := storage.Parse(s.Name)
		if err != nil {
			p.log.Warn("unparsable storage name during purge",
				zap.String("storage", s.Name), zap.Error(err))
		} else {
			backend, err := p.reg.Open(ctx, spec.Directory(), storage.Credentials{})
			if err != nil {
				p.log.Warn("storage back-end unavailable during purge",
					zap.String("storage", s.Name), zap.Error(err))
			} else {
				if err := backend.Delete(ctx, spec.FileName()); err != nil {
					p.log.Warn("storage delete failed",
						zap.String("storage", s.Name), zap.Error(err))
				}
				backend.Close()
			}
		}
		if err := h.DeleteStorage(ctx, s.ID); err != nil {
			return err
		}
	}
	return h.DeleteEntity(ctx, entity.ID)
}

// DryRunPurger records the ids that would be purged without touching
// storages or the index. Used by retention property tests.
type DryRunPurger struct {
	Purged []uuid.UUID
}

// Purge implements PurgeStrategy.
func (p *DryRunPurger) Purge(_ context.Context, _ *index.Handle, entity *db.Entity, _ []db.Storage) error {
	p.Purged = append(p.Purged, entity.ID)
	return nil
}
