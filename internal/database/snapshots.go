package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"posvault/internal/engine"
	"posvault/internal/model"
)

const snapshotMetaColumns = `uuid, name, timestamp, schema_version, snapshot_type, parent_snapshot_uuid,
	checksum, size, table_counts, action_log_count, entity_uuid_count, is_complete, is_verified`

// SaveSnapshot inserts a snapshot or replaces an incomplete one. The
// section bytes are stored as given so the checksum keeps matching.
func (s *SQLiteDatabase) SaveSnapshot(ctx context.Context, snap *engine.EncodedSnapshot) error {
	md := snap.Metadata
	counts, err := json.Marshal(nonNilCounts(md.TableCounts))
	if err != nil {
		return fmt.Errorf("encoding table counts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var complete bool
	err = tx.QueryRowContext(ctx, `SELECT is_complete FROM snapshots WHERE uuid = ?`, md.UUID).Scan(&complete)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("checking snapshot: %w", err)
	case complete:
		return fmt.Errorf("snapshot %s is complete and cannot be overwritten", md.UUID)
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE uuid = ?`, md.UUID); err != nil {
			return fmt.Errorf("replacing incomplete snapshot: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (`+snapshotMetaColumns+`,
			entity_uuids, table_data, action_log, configuration, file_assets)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.UUID, md.Name, toNanos(md.Timestamp), md.SchemaVersion, string(md.SnapshotType), md.ParentSnapshotUUID,
		md.Checksum, md.Size, string(counts), md.ActionLogCount, md.EntityUUIDCount, md.IsComplete, md.IsVerified,
		string(snap.EntityUUIDs), string(snap.TableData), string(snap.ActionLog),
		string(snap.Configuration), string(snap.FileAssets))
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindSnapshot(ctx context.Context, uuid string) (*engine.EncodedSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotMetaColumns+`, entity_uuids, table_data, action_log, configuration, file_assets
		 FROM snapshots WHERE uuid = ?`, uuid)

	var snap engine.EncodedSnapshot
	md, err := scanSnapshotMeta(row,
		&snap.EntityUUIDs, &snap.TableData, &snap.ActionLog, &snap.Configuration, &snap.FileAssets)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	snap.Metadata = *md
	return &snap, nil
}

func (s *SQLiteDatabase) MarkSnapshotVerified(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE snapshots SET is_complete = 1, is_verified = 1 WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("marking snapshot verified: %w", err)
	}
	return requireOneRow(res, "snapshot", uuid)
}

func (s *SQLiteDatabase) ListSnapshots(ctx context.Context) ([]*model.SnapshotMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+snapshotMetaColumns+` FROM snapshots ORDER BY timestamp, rowid`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []*model.SnapshotMetadata
	for rows.Next() {
		md, err := scanSnapshotMeta(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) CountSnapshotChildren(ctx context.Context, uuid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshots WHERE parent_snapshot_uuid = ?`, uuid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting snapshot children: %w", err)
	}
	return n, nil
}

func (s *SQLiteDatabase) DeleteSnapshot(ctx context.Context, uuid string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return requireOneRow(res, "snapshot", uuid)
}

// scanSnapshotMeta scans the metadata columns followed by any extra
// destinations.
func scanSnapshotMeta(sc scanner, extra ...any) (*model.SnapshotMetadata, error) {
	var (
		md        model.SnapshotMetadata
		timestamp int64
		snapType  string
		counts    string
	)
	dest := []any{&md.UUID, &md.Name, &timestamp, &md.SchemaVersion, &snapType, &md.ParentSnapshotUUID,
		&md.Checksum, &md.Size, &counts, &md.ActionLogCount, &md.EntityUUIDCount, &md.IsComplete, &md.IsVerified}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	md.Timestamp = fromNanos(timestamp)
	md.SnapshotType = model.SnapshotType(snapType)
	if err := json.Unmarshal([]byte(counts), &md.TableCounts); err != nil {
		return nil, fmt.Errorf("decoding table counts: %w", err)
	}
	return &md, nil
}

func nonNilCounts(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}
