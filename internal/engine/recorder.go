package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"posvault/internal/model"
)

// Mutation is an application write to a tracked table.
// For CREATE and UPDATE, Data is the full row object. For DELETE, LocalID
// names the row. Batch actions take a JSON array of row objects in Data.
type Mutation struct {
	Action    model.Action
	Table     string
	LocalID   string
	Data      json.RawMessage
	SessionID string
}

// Recorder applies application writes to the tables and records them: the
// registry first, then the action log, then the table itself. The log entry
// moves from PENDING to COMPLETED (or FAILED) once the table write settles.
type Recorder struct {
	tables   TableStore
	registry *EntityRegistry
	log      *ActionLog
	guard    *TableGuard
	logger   Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(tables TableStore, registry *EntityRegistry, log *ActionLog, guard *TableGuard, logger Logger) *Recorder {
	return &Recorder{tables: tables, registry: registry, log: log, guard: guard, logger: logger}
}

// plannedWrite is one row-level change derived from a mutation.
type plannedWrite struct {
	action model.Action
	row    model.Row
	prev   *model.Row
}

// Apply validates and applies a mutation and returns its log entry.
func (r *Recorder) Apply(ctx context.Context, m Mutation) (*model.ActionLogEntry, error) {
	schema, ok := model.Schema(m.Table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
	}
	if !m.Action.Valid() {
		return nil, fmt.Errorf("unknown action %q", m.Action)
	}

	r.guard.Lock()
	defer r.guard.Unlock()

	writes, err := r.plan(ctx, schema, m)
	if err != nil {
		return nil, err
	}

	params := AppendParams{
		Action:    m.Action,
		Table:     m.Table,
		Data:      m.Data,
		SessionID: m.SessionID,
	}
	if m.Action.IsBatch() {
		if params.PreviousData, err = batchPrevious(writes); err != nil {
			return nil, fmt.Errorf("encoding previous rows: %w", err)
		}
		if m.Action == model.ActionBatchDelete {
			if params.Data, err = batchRows(writes); err != nil {
				return nil, fmt.Errorf("encoding deleted rows: %w", err)
			}
		}
	} else {
		w := writes[0]
		params.EntityID = w.row.ID
		params.Data = w.row.Data
		if w.prev != nil {
			params.PreviousData = w.prev.Data
		}
	}

	for _, w := range writes {
		if _, err := r.registry.RegisterMutation(ctx, m.Table, w.row.ID, w.action); err != nil {
			return nil, fmt.Errorf("registering mutation: %w", err)
		}
	}

	entry, err := r.log.Append(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("appending to action log: %w", err)
	}

	if err := r.write(ctx, m.Table, writes); err != nil {
		if markErr := r.log.MarkStatus(ctx, entry, model.EntryFailed); markErr != nil {
			r.logger.Error("marking entry failed", "entry", entry.ID, "error", markErr)
		}
		return nil, fmt.Errorf("writing %s: %w", m.Table, err)
	}

	if err := r.log.MarkStatus(ctx, entry, model.EntryCompleted); err != nil {
		return nil, err
	}

	r.logger.Debug("mutation recorded", "table", m.Table, "action", string(m.Action), "sequence", entry.Sequence)
	return entry, nil
}

// plan validates the mutation against the schema and current table state.
func (r *Recorder) plan(ctx context.Context, schema model.TableSchema, m Mutation) ([]plannedWrite, error) {
	single := m.Action.Single()

	var rows []model.Row
	switch {
	case m.Action.IsBatch():
		var err error
		rows, err = model.RowsFromJSON(m.Data)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("empty batch")
		}
	case single == model.ActionDelete:
		id := m.LocalID
		if id == "" && len(m.Data) > 0 {
			row, err := model.RowFromJSON(m.Data)
			if err != nil {
				return nil, err
			}
			id = row.ID
		}
		if id == "" {
			return nil, fmt.Errorf("delete requires a row id")
		}
		rows = []model.Row{{ID: id}}
	default:
		row, err := model.RowFromJSON(m.Data)
		if err != nil {
			return nil, err
		}
		if m.LocalID != "" && m.LocalID != row.ID {
			return nil, fmt.Errorf("row id %q does not match %q", row.ID, m.LocalID)
		}
		rows = []model.Row{row}
	}

	seen := make(map[string]bool, len(rows))
	writes := make([]plannedWrite, 0, len(rows))
	for _, row := range rows {
		if seen[row.ID] {
			return nil, fmt.Errorf("row %q appears twice", row.ID)
		}
		seen[row.ID] = true

		if single != model.ActionDelete {
			if err := schema.Validate(row.Data); err != nil {
				return nil, err
			}
		}

		prev, err := r.tables.Get(ctx, schema.Name, row.ID)
		if err != nil {
			return nil, fmt.Errorf("reading %s/%s: %w", schema.Name, row.ID, err)
		}
		switch single {
		case model.ActionCreate:
			if prev != nil {
				return nil, fmt.Errorf("%s/%s already exists", schema.Name, row.ID)
			}
		case model.ActionUpdate, model.ActionDelete:
			if prev == nil {
				return nil, fmt.Errorf("%s/%s does not exist", schema.Name, row.ID)
			}
		}
		if single == model.ActionDelete {
			row = *prev
		}
		writes = append(writes, plannedWrite{action: single, row: row, prev: prev})
	}
	return writes, nil
}

func (r *Recorder) write(ctx context.Context, table string, writes []plannedWrite) error {
	for _, w := range writes {
		var err error
		switch w.action {
		case model.ActionCreate:
			err = r.tables.Insert(ctx, table, w.row)
		case model.ActionUpdate:
			err = r.tables.Put(ctx, table, w.row)
		case model.ActionDelete:
			err = r.tables.Delete(ctx, table, w.row.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func batchPrevious(writes []plannedWrite) (json.RawMessage, error) {
	var prev []json.RawMessage
	for _, w := range writes {
		if w.prev != nil {
			prev = append(prev, w.prev.Data)
		}
	}
	if len(prev) == 0 {
		return nil, nil
	}
	return json.Marshal(prev)
}

func batchRows(writes []plannedWrite) (json.RawMessage, error) {
	items := make([]json.RawMessage, len(writes))
	for i, w := range writes {
		items[i] = w.row.Data
	}
	return json.Marshal(items)
}
