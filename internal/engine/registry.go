package engine

import (
	"context"
	"fmt"
	"time"

	"posvault/internal/model"
)

// EntityRegistry assigns a stable UUID to every (table, local ID) pair and
// versions it on each mutation. Every change is persisted before the call
// returns, so the action log can never reference an unregistered entity.
type EntityRegistry struct {
	db    Database
	clock *LogicalClock
	idgen IDGenerator
}

// NewEntityRegistry creates a registry backed by db.
func NewEntityRegistry(db Database, clock *LogicalClock, idgen IDGenerator) *EntityRegistry {
	return &EntityRegistry{db: db, clock: clock, idgen: idgen}
}

// RegisterMutation records a mutation of (table, localID).
// The first mutation of a key, or the first after a delete, allocates a new
// UUID at version 1. Later mutations bump the version. A DELETE tombstones
// the mapping; the tombstoned UUID is never handed out again.
func (r *EntityRegistry) RegisterMutation(ctx context.Context, table, localID string, action model.Action) (*model.EntityUUID, error) {
	if !model.IsTracked(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if localID == "" {
		return nil, fmt.Errorf("registering mutation: empty local id")
	}

	existing, err := r.db.FindEntity(ctx, table, localID)
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}

	now := r.clock.Now()
	if existing == nil {
		e := &model.EntityUUID{
			LocalID:   localID,
			UUID:      r.idgen.New(),
			Table:     table,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
		if action.Single() == model.ActionDelete {
			e.DeletedAt = &now
		}
		if err := r.db.InsertEntity(ctx, e); err != nil {
			return nil, fmt.Errorf("registering entity: %w", err)
		}
		return e, nil
	}

	existing.Version++
	existing.UpdatedAt = now
	if action.Single() == model.ActionDelete {
		existing.DeletedAt = &now
	}
	if err := r.db.UpdateEntity(ctx, existing); err != nil {
		return nil, fmt.Errorf("updating entity: %w", err)
	}
	return existing, nil
}

// Lookup returns the live mapping for a key, or nil.
func (r *EntityRegistry) Lookup(ctx context.Context, table, localID string) (*model.EntityUUID, error) {
	e, err := r.db.FindEntity(ctx, table, localID)
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	return e, nil
}

// All returns every mapping, tombstones included.
func (r *EntityRegistry) All(ctx context.Context) ([]model.EntityUUID, error) {
	entities, err := r.db.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	out := make([]model.EntityUUID, len(entities))
	for i, e := range entities {
		out[i] = *e
	}
	return out, nil
}

// PurgeTombstones drops tombstones older than the retention window.
func (r *EntityRegistry) PurgeTombstones(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := r.db.PurgeEntities(ctx, r.clock.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purging tombstones: %w", err)
	}
	return n, nil
}
