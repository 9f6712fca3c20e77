package engine

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"posvault/internal/model"
)

// ReplayResult summarizes a replay pass.
type ReplayResult struct {
	Applied int                 `json:"applied"`
	Skipped int                 `json:"skipped"`
	Failed  int                 `json:"failed"`
	Errors  []*ReplayEntryError `json:"-"`
}

// Replayer applies captured action log entries to the tables idempotently.
// It touches table rows only; it never appends to the action log.
type Replayer struct {
	tables TableStore
	logger Logger
}

// NewReplayer creates a Replayer writing to tables.
func NewReplayer(tables TableStore, logger Logger) *Replayer {
	return &Replayer{tables: tables, logger: logger}
}

// Replay applies entries in sequence order. An entry that cannot be applied
// is logged and skipped; only context cancellation stops the pass.
// The caller holds the table guard.
func (r *Replayer) Replay(ctx context.Context, entries []model.ActionLogEntry) (*ReplayResult, error) {
	sorted := make([]model.ActionLogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	res := &ReplayResult{}
	for i := range sorted {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := &sorted[i]

		if entry.Status == model.EntryFailed || entry.Status == model.EntryRolledBack {
			res.Skipped++
			continue
		}

		applied, err := r.apply(ctx, entry)
		if err != nil {
			entryErr := &ReplayEntryError{Sequence: entry.Sequence, EntryID: entry.ID, Err: err}
			r.logger.Warn("skipping action log entry", "sequence", entry.Sequence, "table", entry.Table, "error", err)
			res.Failed++
			res.Errors = append(res.Errors, entryErr)
			continue
		}
		if applied {
			res.Applied++
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

// apply reports whether the entry changed any row.
func (r *Replayer) apply(ctx context.Context, entry *model.ActionLogEntry) (bool, error) {
	schema, ok := model.Schema(entry.Table)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTable, entry.Table)
	}
	if !entry.Action.Valid() {
		return false, fmt.Errorf("unknown action %q", entry.Action)
	}

	var rows []model.Row
	switch {
	case entry.Action.IsBatch():
		var err error
		rows, err = model.RowsFromJSON(entry.Data)
		if err != nil {
			return false, err
		}
	case entry.Action == model.ActionDelete:
		id := entry.EntityID
		if id == "" {
			row, err := model.RowFromJSON(entry.Data)
			if err != nil {
				return false, fmt.Errorf("delete without entity id: %w", err)
			}
			id = row.ID
		}
		rows = []model.Row{{ID: id}}
	default:
		row, err := model.RowFromJSON(entry.Data)
		if err != nil {
			return false, err
		}
		rows = []model.Row{row}
	}

	action := entry.Action.Single()
	applied := false
	for _, row := range rows {
		if action != model.ActionDelete {
			if err := schema.Validate(row.Data); err != nil {
				return applied, err
			}
		}
		current, err := r.tables.Get(ctx, entry.Table, row.ID)
		if err != nil {
			return applied, fmt.Errorf("reading %s/%s: %w", entry.Table, row.ID, err)
		}
		switch action {
		case model.ActionCreate:
			if current != nil {
				continue
			}
			err = r.tables.Insert(ctx, entry.Table, row)
		case model.ActionUpdate:
			if current == nil || bytes.Equal(current.Data, row.Data) {
				continue
			}
			err = r.tables.Put(ctx, entry.Table, row)
		case model.ActionDelete:
			if current == nil {
				continue
			}
			err = r.tables.Delete(ctx, entry.Table, row.ID)
		}
		if err != nil {
			return applied, fmt.Errorf("applying %s to %s/%s: %w", action, entry.Table, row.ID, err)
		}
		applied = true
	}
	return applied, nil
}
