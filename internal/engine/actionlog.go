package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"posvault/internal/model"
)

// ActionLog is the append-only, strictly ordered record of every mutation
// applied to the tracked tables.
type ActionLog struct {
	db    Database
	clock *LogicalClock
	idgen IDGenerator

	mu     sync.Mutex
	seeded bool
	seq    int64
}

// NewActionLog creates an action log backed by db. Sequence numbers continue
// from the highest persisted sequence.
func NewActionLog(db Database, clock *LogicalClock, idgen IDGenerator) *ActionLog {
	return &ActionLog{db: db, clock: clock, idgen: idgen}
}

// AppendParams describes a mutation to record.
type AppendParams struct {
	Action       model.Action
	Table        string
	EntityID     string // table-local key; ignored for batch actions
	Data         json.RawMessage
	PreviousData json.RawMessage
	SessionID    string
}

// Append records a mutation as PENDING. The entity (or, for batches, every
// row in Data) must already be registered.
func (l *ActionLog) Append(ctx context.Context, p AppendParams) (*model.ActionLogEntry, error) {
	if !p.Action.Valid() {
		return nil, fmt.Errorf("appending to action log: unknown action %q", p.Action)
	}

	entry := &model.ActionLogEntry{
		Action:       p.Action,
		Table:        p.Table,
		Data:         p.Data,
		PreviousData: p.PreviousData,
		SessionID:    p.SessionID,
		Status:       model.EntryPending,
	}

	if p.Action.IsBatch() {
		rows, err := model.RowsFromJSON(p.Data)
		if err != nil {
			return nil, fmt.Errorf("appending to action log: %w", err)
		}
		for _, row := range rows {
			if _, err := l.requireEntity(ctx, p.Table, row.ID); err != nil {
				return nil, err
			}
		}
	} else {
		entity, err := l.requireEntity(ctx, p.Table, p.EntityID)
		if err != nil {
			return nil, err
		}
		entry.UUID = entity.UUID
		entry.EntityID = p.EntityID

		prev, err := l.db.LastActionLogEntryForEntity(ctx, entity.UUID)
		if err != nil {
			return nil, fmt.Errorf("finding previous entry: %w", err)
		}
		if prev != nil {
			entry.Dependencies = []string{prev.ID}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.seed(ctx); err != nil {
		return nil, err
	}

	entry.ID = l.idgen.New()
	entry.Sequence = l.seq + 1
	entry.Timestamp = l.clock.Now()
	if err := l.db.InsertActionLogEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("appending to action log: %w", err)
	}
	l.seq = entry.Sequence
	return entry, nil
}

// requireEntity returns the newest mapping for a key. A DELETE tombstones
// the mapping before the entry is appended, so tombstones count.
func (l *ActionLog) requireEntity(ctx context.Context, table, localID string) (*model.EntityUUID, error) {
	newest, err := l.db.FindLatestEntity(ctx, table, localID)
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnregisteredEntity, table, localID)
	}
	return newest, nil
}

// Sync makes sure the shared clock sorts after every persisted entry.
func (l *ActionLog) Sync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seed(ctx)
}

// seed loads the last persisted sequence once per process. Caller holds l.mu.
func (l *ActionLog) seed(ctx context.Context) error {
	if l.seeded {
		return nil
	}
	last, err := l.db.LastActionLogEntry(ctx)
	if err != nil {
		return fmt.Errorf("loading last sequence: %w", err)
	}
	if last != nil {
		l.seq = last.Sequence
		l.clock.Observe(last.Timestamp)
	}
	l.seeded = true
	return nil
}

// MarkStatus records the outcome of an entry.
func (l *ActionLog) MarkStatus(ctx context.Context, entry *model.ActionLogEntry, status model.EntryStatus) error {
	if err := l.db.UpdateActionLogEntryStatus(ctx, entry.ID, status, entry.RetryCount); err != nil {
		return fmt.Errorf("updating entry status: %w", err)
	}
	entry.Status = status
	return nil
}

// SliceSince returns every entry with a timestamp strictly after ts,
// ordered by sequence.
func (l *ActionLog) SliceSince(ctx context.Context, ts time.Time) ([]model.ActionLogEntry, error) {
	if ts.IsZero() {
		return nil, fmt.Errorf("slicing action log: zero timestamp")
	}
	return l.list(ctx, ts)
}

// All returns the entire log ordered by sequence.
func (l *ActionLog) All(ctx context.Context) ([]model.ActionLogEntry, error) {
	return l.list(ctx, time.Time{})
}

func (l *ActionLog) list(ctx context.Context, since time.Time) ([]model.ActionLogEntry, error) {
	entries, err := l.db.ListActionLogEntries(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("listing action log: %w", err)
	}
	out := make([]model.ActionLogEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out, nil
}
