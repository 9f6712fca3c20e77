package engine

import (
	"encoding/json"
	"fmt"

	"posvault/internal/model"
)

// LatestSchemaVersion is the newest snapshot schema this binary understands.
const LatestSchemaVersion = 3

// MigrationFunc upgrades a snapshot in place from one version to the next.
type MigrationFunc func(data *model.SnapshotData) error

// Migrator brings older snapshots up to the current schema version, one
// version at a time.
type Migrator struct {
	current    int
	migrations map[int]MigrationFunc // keyed by the version migrated from
}

// NewMigrator creates a Migrator targeting current with the built-in
// migrations registered.
func NewMigrator(current int) (*Migrator, error) {
	if current < 1 || current > LatestSchemaVersion {
		return nil, fmt.Errorf("schema version %d out of range 1..%d", current, LatestSchemaVersion)
	}
	return &Migrator{
		current: current,
		migrations: map[int]MigrationFunc{
			1: backfill(map[string]map[string]any{
				model.TableProducts:  {"barcode": ""},
				model.TableCustomers: {"credit_limit": 0},
			}),
			2: backfill(map[string]map[string]any{
				model.TableSales:     {"payment_method": "cash"},
				model.TableSaleItems: {"discount": 0},
			}),
		},
	}, nil
}

// Current returns the target schema version.
func (m *Migrator) Current() int { return m.current }

// Check fails with ErrUnsupportedVersion for snapshots newer than current.
func (m *Migrator) Check(version int) error {
	if version > m.current {
		return fmt.Errorf("%w: snapshot is version %d, current is %d", ErrUnsupportedVersion, version, m.current)
	}
	if version < 1 {
		return fmt.Errorf("%w: invalid version %d", ErrUnsupportedVersion, version)
	}
	return nil
}

// Migrate upgrades data to the current version and reports how many
// migration steps ran.
func (m *Migrator) Migrate(data *model.SnapshotData) (int, error) {
	if err := m.Check(data.Metadata.SchemaVersion); err != nil {
		return 0, err
	}
	steps := 0
	for data.Metadata.SchemaVersion < m.current {
		from := data.Metadata.SchemaVersion
		fn, ok := m.migrations[from]
		if !ok {
			return steps, fmt.Errorf("no migration from version %d", from)
		}
		if err := fn(data); err != nil {
			return steps, fmt.Errorf("migrating from version %d: %w", from, err)
		}
		data.Metadata.SchemaVersion = from + 1
		data.Configuration.SchemaVersion = from + 1
		steps++
	}
	return steps, nil
}

// backfill returns a migration that adds missing fields with defaults to
// every row of the named tables, and to the payloads of matching action log
// entries so replay writes rows of the same shape.
func backfill(defaults map[string]map[string]any) MigrationFunc {
	return func(data *model.SnapshotData) error {
		for table, fields := range defaults {
			rows := data.TableData[table]
			for i := range rows {
				filled, err := fillRow(rows[i].Data, fields)
				if err != nil {
					return fmt.Errorf("%s/%s: %w", table, rows[i].ID, err)
				}
				rows[i].Data = filled
			}
		}
		for i := range data.ActionLog {
			entry := &data.ActionLog[i]
			fields, ok := defaults[entry.Table]
			if !ok || len(entry.Data) == 0 || entry.Action.Single() == model.ActionDelete {
				continue
			}
			filled, err := fillPayload(entry.Data, entry.Action.IsBatch(), fields)
			if err != nil {
				return fmt.Errorf("entry %d: %w", entry.Sequence, err)
			}
			entry.Data = filled
		}
		return nil
	}
}

func fillPayload(payload json.RawMessage, batch bool, fields map[string]any) (json.RawMessage, error) {
	if !batch {
		return fillRow(payload, fields)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	for i := range items {
		filled, err := fillRow(items[i], fields)
		if err != nil {
			return nil, err
		}
		items[i] = filled
	}
	return json.Marshal(items)
}

func fillRow(row json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj, err := model.DecodeFields(row)
	if err != nil {
		return nil, err
	}
	changed := false
	for name, def := range fields {
		if _, ok := obj[name]; ok {
			continue
		}
		b, err := json.Marshal(def)
		if err != nil {
			return nil, err
		}
		obj[name] = b
		changed = true
	}
	if !changed {
		return row, nil
	}
	return json.Marshal(obj)
}
