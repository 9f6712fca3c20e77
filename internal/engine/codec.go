package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"posvault/internal/model"
)

// EncodedSnapshot is the persisted form of a snapshot: scalar metadata plus
// five serialized sections, each UTF-8 JSON text. The checksum is computed
// over exactly these bytes, so verification never depends on re-encoding.
type EncodedSnapshot struct {
	Metadata      model.SnapshotMetadata
	EntityUUIDs   []byte
	TableData     []byte
	ActionLog     []byte
	Configuration []byte
	FileAssets    []byte // asset blobs are base64 inside the JSON
}

// snapshotHeader is the part of the metadata covered by the checksum.
// Checksum, size and the completion flags are derived, so they are excluded.
type snapshotHeader struct {
	UUID               string             `json:"uuid"`
	Name               string             `json:"name"`
	Timestamp          string             `json:"timestamp"`
	SchemaVersion      int                `json:"schema_version"`
	SnapshotType       model.SnapshotType `json:"snapshot_type"`
	ParentSnapshotUUID string             `json:"parent_snapshot_uuid"`
	TableCounts        map[string]int64   `json:"table_counts"`
	ActionLogCount     int64              `json:"action_log_count"`
	EntityUUIDCount    int64              `json:"entity_uuid_count"`
}

// EncodeSnapshot serializes data and fills in the checksum and size of the
// returned copy's metadata. The completion flags are always cleared.
func EncodeSnapshot(data *model.SnapshotData) (*EncodedSnapshot, error) {
	enc := &EncodedSnapshot{Metadata: data.Metadata}

	sections := []struct {
		name string
		v    any
		dst  *[]byte
	}{
		{"entity uuids", nonNilEntities(data.EntityUUIDs), &enc.EntityUUIDs},
		{"table data", nonNilTables(data.TableData), &enc.TableData},
		{"action log", nonNilEntries(data.ActionLog), &enc.ActionLog},
		{"configuration", data.Configuration, &enc.Configuration},
		{"file assets", nonNilAssets(data.FileAssets), &enc.FileAssets},
	}
	for _, s := range sections {
		b, err := json.Marshal(s.v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", s.name, err)
		}
		*s.dst = b
	}

	enc.Metadata.IsComplete = false
	enc.Metadata.IsVerified = false
	checksum, size, err := enc.Digest()
	if err != nil {
		return nil, err
	}
	enc.Metadata.Checksum = checksum
	enc.Metadata.Size = size
	return enc, nil
}

// Digest computes the SHA-256 checksum and total serialized size over the
// header and every section, each framed by its length.
func (e *EncodedSnapshot) Digest() (string, int64, error) {
	md := e.Metadata
	counts := md.TableCounts
	if counts == nil {
		counts = map[string]int64{}
	}
	header, err := json.Marshal(snapshotHeader{
		UUID:               md.UUID,
		Name:               md.Name,
		Timestamp:          md.Timestamp.UTC().Format(time.RFC3339Nano),
		SchemaVersion:      md.SchemaVersion,
		SnapshotType:       md.SnapshotType,
		ParentSnapshotUUID: md.ParentSnapshotUUID,
		TableCounts:        counts,
		ActionLogCount:     md.ActionLogCount,
		EntityUUIDCount:    md.EntityUUIDCount,
	})
	if err != nil {
		return "", 0, fmt.Errorf("encoding snapshot header: %w", err)
	}

	h := sha256.New()
	var size int64
	var frame [8]byte
	for _, part := range [][]byte{header, e.EntityUUIDs, e.TableData, e.ActionLog, e.Configuration, e.FileAssets} {
		binary.BigEndian.PutUint64(frame[:], uint64(len(part)))
		h.Write(frame[:])
		h.Write(part)
		size += int64(len(part))
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// Verify reports whether the stored checksum matches the content.
func (e *EncodedSnapshot) Verify() bool {
	checksum, _, err := e.Digest()
	return err == nil && checksum == e.Metadata.Checksum
}

// Decode parses the sections back into a SnapshotData.
func (e *EncodedSnapshot) Decode() (*model.SnapshotData, error) {
	data := &model.SnapshotData{Metadata: e.Metadata}
	sections := []struct {
		name string
		src  []byte
		dst  any
	}{
		{"entity uuids", e.EntityUUIDs, &data.EntityUUIDs},
		{"table data", e.TableData, &data.TableData},
		{"action log", e.ActionLog, &data.ActionLog},
		{"configuration", e.Configuration, &data.Configuration},
		{"file assets", e.FileAssets, &data.FileAssets},
	}
	for _, s := range sections {
		if err := json.Unmarshal(s.src, s.dst); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", s.name, err)
		}
	}
	return data, nil
}

func nonNilEntities(v []model.EntityUUID) []model.EntityUUID {
	if v == nil {
		return []model.EntityUUID{}
	}
	return v
}

func nonNilEntries(v []model.ActionLogEntry) []model.ActionLogEntry {
	if v == nil {
		return []model.ActionLogEntry{}
	}
	return v
}

func nonNilTables(v map[string][]model.Row) map[string][]model.Row {
	if v == nil {
		return map[string][]model.Row{}
	}
	return v
}

func nonNilAssets(v map[string][]byte) map[string][]byte {
	if v == nil {
		return map[string][]byte{}
	}
	return v
}
