package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"posvault/internal/engine"
	"posvault/internal/model"
)

// SQLiteTables stores the tracked POS tables as JSON rows in the state
// database. Each row is keyed by (table, id).
type SQLiteTables struct {
	db *sql.DB
}

var _ engine.TableStore = (*SQLiteTables)(nil)

// NewSQLiteTables returns a table store sharing the connection of db.
func NewSQLiteTables(db *SQLiteDatabase) *SQLiteTables {
	return &SQLiteTables{db: db.db}
}

func checkTable(table string) error {
	if !model.IsTracked(table) {
		return fmt.Errorf("%w: %s", engine.ErrUnknownTable, table)
	}
	return nil
}

func (t *SQLiteTables) ReadAll(ctx context.Context, table string) ([]model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	rows, err := t.db.QueryContext(ctx,
		`SELECT row_id, data FROM table_rows WHERE table_name = ? ORDER BY row_id`, table)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	defer rows.Close()

	out := []model.Row{}
	for rows.Next() {
		var (
			id   string
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}
		out = append(out, model.Row{ID: id, Data: []byte(data)})
	}
	return out, rows.Err()
}

func (t *SQLiteTables) Clear(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM table_rows WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("clearing %s: %w", table, err)
	}
	return nil
}

// BulkInsert inserts every row in one transaction.
func (t *SQLiteTables) BulkInsert(ctx context.Context, table string, rows []model.Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO table_rows (table_name, row_id, data) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, table, row.ID, string(row.Data)); err != nil {
			return fmt.Errorf("inserting %s/%s: %w", table, row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (t *SQLiteTables) Get(ctx context.Context, table, id string) (*model.Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var data string
	err := t.db.QueryRowContext(ctx,
		`SELECT data FROM table_rows WHERE table_name = ? AND row_id = ?`, table, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", table, id, err)
	}
	return &model.Row{ID: id, Data: []byte(data)}, nil
}

func (t *SQLiteTables) Insert(ctx context.Context, table string, row model.Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO table_rows (table_name, row_id, data) VALUES (?, ?, ?)`, table, row.ID, string(row.Data))
	if err != nil {
		return fmt.Errorf("inserting %s/%s: %w", table, row.ID, err)
	}
	return nil
}

func (t *SQLiteTables) Put(ctx context.Context, table string, row model.Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO table_rows (table_name, row_id, data) VALUES (?, ?, ?)
		 ON CONFLICT (table_name, row_id) DO UPDATE SET data = excluded.data`,
		table, row.ID, string(row.Data))
	if err != nil {
		return fmt.Errorf("writing %s/%s: %w", table, row.ID, err)
	}
	return nil
}

func (t *SQLiteTables) Delete(ctx context.Context, table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	if _, err := t.db.ExecContext(ctx,
		`DELETE FROM table_rows WHERE table_name = ? AND row_id = ?`, table, id); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", table, id, err)
	}
	return nil
}

func (t *SQLiteTables) Count(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	var n int64
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM table_rows WHERE table_name = ?`, table).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}
