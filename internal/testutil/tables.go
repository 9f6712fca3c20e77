package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"posvault/internal/engine"
	"posvault/internal/model"
)

// Table store operations passed to a FaultFunc.
const (
	OpReadAll    = "read_all"
	OpClear      = "clear"
	OpBulkInsert = "bulk_insert"
	OpGet        = "get"
	OpInsert     = "insert"
	OpPut        = "put"
	OpDelete     = "delete"
	OpCount      = "count"
)

// FaultFunc decides whether a table operation fails. Returning nil lets it run.
type FaultFunc func(op, table string) error

// MemoryTables is an in-memory engine.TableStore with fault injection.
// Safe for concurrent use.
type MemoryTables struct {
	mu    sync.Mutex
	rows  map[string]map[string]model.Row
	fault FaultFunc
	calls map[string]int
}

var _ engine.TableStore = (*MemoryTables)(nil)

func NewMemoryTables() *MemoryTables {
	return &MemoryTables{
		rows:  make(map[string]map[string]model.Row),
		calls: make(map[string]int),
	}
}

// SetFault installs f; nil removes it.
func (m *MemoryTables) SetFault(f FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = f
}

// Calls returns how many times op ran (or was attempted).
func (m *MemoryTables) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// begin records the call and checks for an injected fault. Caller holds m.mu.
func (m *MemoryTables) begin(op, table string) error {
	m.calls[op]++
	if !model.IsTracked(table) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTable, table)
	}
	if m.fault != nil {
		if err := m.fault(op, table); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryTables) table(name string) map[string]model.Row {
	t, ok := m.rows[name]
	if !ok {
		t = make(map[string]model.Row)
		m.rows[name] = t
	}
	return t
}

func (m *MemoryTables) ReadAll(_ context.Context, table string) ([]model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpReadAll, table); err != nil {
		return nil, err
	}
	out := make([]model.Row, 0, len(m.rows[table]))
	for _, r := range m.rows[table] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryTables) Clear(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpClear, table); err != nil {
		return err
	}
	delete(m.rows, table)
	return nil
}

func (m *MemoryTables) BulkInsert(_ context.Context, table string, rows []model.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpBulkInsert, table); err != nil {
		return err
	}
	t := m.table(table)
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		if _, exists := t[r.ID]; exists || seen[r.ID] {
			return fmt.Errorf("%s/%s already exists", table, r.ID)
		}
		seen[r.ID] = true
	}
	for _, r := range rows {
		t[r.ID] = r
	}
	return nil
}

func (m *MemoryTables) Get(_ context.Context, table, id string) (*model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpGet, table); err != nil {
		return nil, err
	}
	r, ok := m.rows[table][id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryTables) Insert(_ context.Context, table string, row model.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpInsert, table); err != nil {
		return err
	}
	t := m.table(table)
	if _, exists := t[row.ID]; exists {
		return fmt.Errorf("%s/%s already exists", table, row.ID)
	}
	t[row.ID] = row
	return nil
}

func (m *MemoryTables) Put(_ context.Context, table string, row model.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpPut, table); err != nil {
		return err
	}
	t := m.table(table)
	if _, exists := t[row.ID]; !exists {
		return fmt.Errorf("%s/%s does not exist", table, row.ID)
	}
	t[row.ID] = row
	return nil
}

func (m *MemoryTables) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpDelete, table); err != nil {
		return err
	}
	delete(m.rows[table], id)
	return nil
}

func (m *MemoryTables) Count(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OpCount, table); err != nil {
		return 0, err
	}
	return int64(len(m.rows[table])), nil
}

// FailTimes returns a FaultFunc failing op on table the first n times.
func FailTimes(op, table string, n int, err error) FaultFunc {
	var mu sync.Mutex
	return func(gotOp, gotTable string) error {
		if gotOp != op || (table != "" && gotTable != table) {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if n <= 0 {
			return nil
		}
		n--
		return err
	}
}
