package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"posvault/internal/database/migrations"
	"posvault/internal/engine"
	"posvault/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements engine.Database on SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

var _ engine.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens a SQLite database. path can be a file path or
// ":memory:". The schema is not touched; call MigrateUp for that.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens a SQLite connection with the pragmas posvault
// relies on. The pool is capped at one connection: the engine is a single
// writer, and ":memory:" databases exist per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("running %q: %w", pragma, err)
		}
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
	}
	return db, nil
}

// MigrateUp applies pending schema migrations.
func (s *SQLiteDatabase) MigrateUp() error {
	return migrations.Up(s.db)
}

// CheckMigrations verifies the schema is at the latest version.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Status(s.db)
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// DB exposes the underlying connection.
func (s *SQLiteDatabase) DB() *sql.DB {
	return s.db
}

// BackupTo writes a consistent copy of the database to destPath.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Entity registry

const entityColumns = `uuid, table_name, local_id, version, created_at, updated_at, deleted_at`

func (s *SQLiteDatabase) FindEntity(ctx context.Context, table, localID string) (*model.EntityUUID, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entity_uuids WHERE table_name = ? AND local_id = ? AND deleted_at IS NULL`,
		table, localID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	return e, nil
}

func (s *SQLiteDatabase) FindLatestEntity(ctx context.Context, table, localID string) (*model.EntityUUID, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entity_uuids WHERE table_name = ? AND local_id = ?
		 ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		table, localID)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding entity: %w", err)
	}
	return e, nil
}

func (s *SQLiteDatabase) FindEntityByUUID(ctx context.Context, uuid string) (*model.EntityUUID, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entity_uuids WHERE uuid = ?`, uuid)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding entity by uuid: %w", err)
	}
	return e, nil
}

func (s *SQLiteDatabase) InsertEntity(ctx context.Context, e *model.EntityUUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_uuids (`+entityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UUID, e.Table, e.LocalID, e.Version, toNanos(e.CreatedAt), toNanos(e.UpdatedAt), nullNanos(e.DeletedAt))
	if err != nil {
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateEntity(ctx context.Context, e *model.EntityUUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity_uuids SET version = ?, updated_at = ?, deleted_at = ? WHERE uuid = ?`,
		e.Version, toNanos(e.UpdatedAt), nullNanos(e.DeletedAt), e.UUID)
	if err != nil {
		return fmt.Errorf("updating entity: %w", err)
	}
	return requireOneRow(res, "entity", e.UUID)
}

func (s *SQLiteDatabase) ListEntities(ctx context.Context) ([]*model.EntityUUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entity_uuids ORDER BY table_name, local_id, created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []*model.EntityUUID
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) PurgeEntities(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_uuids WHERE deleted_at IS NOT NULL AND deleted_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("purging entities: %w", err)
	}
	return res.RowsAffected()
}

func scanEntity(sc scanner) (*model.EntityUUID, error) {
	var (
		e                    model.EntityUUID
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	if err := sc.Scan(&e.UUID, &e.Table, &e.LocalID, &e.Version, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(createdAt)
	e.UpdatedAt = fromNanos(updatedAt)
	e.DeletedAt = timePtr(deletedAt)
	return &e, nil
}

// Action log

const entryColumns = `id, sequence, entity_uuid, action, table_name, entity_id, data, previous_data,
	timestamp, session_id, status, retry_count, dependencies`

func (s *SQLiteDatabase) InsertActionLogEntry(ctx context.Context, entry *model.ActionLogEntry) error {
	deps, err := encodeStrings(entry.Dependencies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO action_log (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Sequence, entry.UUID, string(entry.Action), entry.Table, entry.EntityID,
		nullJSON(entry.Data), nullJSON(entry.PreviousData), toNanos(entry.Timestamp),
		entry.SessionID, string(entry.Status), entry.RetryCount, deps)
	if err != nil {
		return fmt.Errorf("inserting action log entry: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateActionLogEntryStatus(ctx context.Context, id string, status model.EntryStatus, retryCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_log SET status = ?, retry_count = ? WHERE id = ?`, string(status), retryCount, id)
	if err != nil {
		return fmt.Errorf("updating action log entry: %w", err)
	}
	return requireOneRow(res, "action log entry", id)
}

func (s *SQLiteDatabase) ListActionLogEntries(ctx context.Context, since time.Time) ([]*model.ActionLogEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM action_log ORDER BY sequence`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+entryColumns+` FROM action_log WHERE timestamp > ? ORDER BY sequence`, toNanos(since))
	}
	if err != nil {
		return nil, fmt.Errorf("listing action log: %w", err)
	}
	defer rows.Close()

	var out []*model.ActionLogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action log entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) LastActionLogEntry(ctx context.Context) (*model.ActionLogEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM action_log ORDER BY sequence DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding last action log entry: %w", err)
	}
	return entry, nil
}

func (s *SQLiteDatabase) LastActionLogEntryForEntity(ctx context.Context, uuid string) (*model.ActionLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM action_log WHERE entity_uuid = ? ORDER BY sequence DESC LIMIT 1`, uuid)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding action log entry for entity: %w", err)
	}
	return entry, nil
}

func scanEntry(sc scanner) (*model.ActionLogEntry, error) {
	var (
		e                  model.ActionLogEntry
		action, status     string
		data, previousData sql.NullString
		timestamp          int64
		deps               string
	)
	err := sc.Scan(&e.ID, &e.Sequence, &e.UUID, &action, &e.Table, &e.EntityID, &data, &previousData,
		&timestamp, &e.SessionID, &status, &e.RetryCount, &deps)
	if err != nil {
		return nil, err
	}
	e.Action = model.Action(action)
	e.Status = model.EntryStatus(status)
	e.Data = rawJSON(data)
	e.PreviousData = rawJSON(previousData)
	e.Timestamp = fromNanos(timestamp)
	if e.Dependencies, err = decodeStrings(deps); err != nil {
		return nil, err
	}
	return &e, nil
}

// helpers

type scanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullJSON(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func rawJSON(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func encodeStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decoding list: %w", err)
	}
	return v, nil
}

func requireOneRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking %s update: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", what, id)
	}
	return nil
}
