package engine

import (
	"context"
	"fmt"
	"maps"

	"posvault/internal/model"
)

// BuildRequest describes a snapshot to build. An empty UUID is generated.
// A ParentUUID with an empty Type builds an INCREMENTAL snapshot.
type BuildRequest struct {
	UUID       string             `json:"uuid,omitempty"`
	Name       string             `json:"name"`
	ParentUUID string             `json:"parent_uuid,omitempty"`
	Type       model.SnapshotType `json:"type,omitempty"`
}

// SnapshotBuilder captures the tracked tables, the registry, the relevant
// slice of the action log, configuration and file assets into one
// checksummed snapshot.
type SnapshotBuilder struct {
	db            Database
	tables        TableStore
	assets        []AssetStore
	registry      *EntityRegistry
	log           *ActionLog
	clock         *LogicalClock
	idgen         IDGenerator
	guard         *TableGuard
	schemaVersion int
	environment   map[string]string
	logger        Logger
}

// BuilderOptions configures a SnapshotBuilder.
type BuilderOptions struct {
	Database      Database
	Tables        TableStore
	Assets        []AssetStore
	Registry      *EntityRegistry
	ActionLog     *ActionLog
	Clock         *LogicalClock
	IDGenerator   IDGenerator
	Guard         *TableGuard
	SchemaVersion int
	Environment   map[string]string
	Logger        Logger
}

// NewSnapshotBuilder creates a SnapshotBuilder.
func NewSnapshotBuilder(opts BuilderOptions) *SnapshotBuilder {
	return &SnapshotBuilder{
		db:            opts.Database,
		tables:        opts.Tables,
		assets:        opts.Assets,
		registry:      opts.Registry,
		log:           opts.ActionLog,
		clock:         opts.Clock,
		idgen:         opts.IDGenerator,
		guard:         opts.Guard,
		schemaVersion: opts.SchemaVersion,
		environment:   opts.Environment,
		logger:        opts.Logger,
	}
}

// Build captures and commits a snapshot in one call.
func (b *SnapshotBuilder) Build(ctx context.Context, req BuildRequest) (*model.SnapshotMetadata, error) {
	b.guard.Lock()
	md, err := b.Capture(ctx, req)
	b.guard.Unlock()
	if err != nil {
		return nil, err
	}
	if err := b.Commit(ctx, md.UUID); err != nil {
		return nil, err
	}
	md.IsComplete = true
	md.IsVerified = true
	return md, nil
}

// Capture reads all state, serializes it and persists the snapshot as
// incomplete. The caller holds the table guard so no write lands mid-capture.
func (b *SnapshotBuilder) Capture(ctx context.Context, req BuildRequest) (*model.SnapshotMetadata, error) {
	if req.UUID == "" {
		req.UUID = b.idgen.New()
	}
	snapType, err := resolveType(req)
	if err != nil {
		return nil, err
	}

	existing, err := b.db.FindSnapshot(ctx, req.UUID)
	if err != nil {
		return nil, fmt.Errorf("checking snapshot: %w", err)
	}
	if existing != nil && existing.Metadata.IsComplete {
		md := existing.Metadata
		return &md, nil
	}

	if err := b.log.Sync(ctx); err != nil {
		return nil, err
	}
	timestamp := b.clock.Now()

	entities, err := b.registry.All(ctx)
	if err != nil {
		return nil, err
	}

	tableData := make(map[string][]model.Row)
	counts := make(map[string]int64)
	for _, table := range model.Tables() {
		rows, err := b.tables.ReadAll(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("reading table %s: %w", table, err)
		}
		if rows == nil {
			rows = []model.Row{}
		}
		tableData[table] = rows
		counts[table] = int64(len(rows))
	}

	entries, err := b.captureLog(ctx, req.ParentUUID, snapType)
	if err != nil {
		return nil, err
	}

	assets, err := b.captureAssets(ctx)
	if err != nil {
		return nil, err
	}

	data := &model.SnapshotData{
		Metadata: model.SnapshotMetadata{
			UUID:               req.UUID,
			Name:               req.Name,
			Timestamp:          timestamp,
			SchemaVersion:      b.schemaVersion,
			SnapshotType:       snapType,
			ParentSnapshotUUID: req.ParentUUID,
			TableCounts:        counts,
			ActionLogCount:     int64(len(entries)),
			EntityUUIDCount:    int64(len(entities)),
		},
		EntityUUIDs: entities,
		TableData:   tableData,
		ActionLog:   entries,
		Configuration: model.Configuration{
			SchemaVersion: b.schemaVersion,
			Tables:        model.Tables(),
			Environment:   maps.Clone(b.environment),
		},
		FileAssets: assets,
	}

	enc, err := EncodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	if err := b.db.SaveSnapshot(ctx, enc); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}

	b.logger.Info("snapshot captured",
		"snapshot", req.UUID,
		"type", string(snapType),
		"entries", len(entries),
		"size", enc.Metadata.Size)
	md := enc.Metadata
	return &md, nil
}

// Commit recomputes the checksum over the persisted snapshot and marks it
// complete and verified only if it matches.
func (b *SnapshotBuilder) Commit(ctx context.Context, uuid string) error {
	if err := commitSnapshot(ctx, b.db, uuid); err != nil {
		return err
	}
	b.logger.Debug("snapshot committed", "snapshot", uuid)
	return nil
}

func resolveType(req BuildRequest) (model.SnapshotType, error) {
	switch req.Type {
	case "":
		if req.ParentUUID != "" {
			return model.SnapshotIncremental, nil
		}
		return model.SnapshotFull, nil
	case model.SnapshotFull:
		if req.ParentUUID != "" {
			return "", fmt.Errorf("full snapshot cannot name a parent")
		}
		return model.SnapshotFull, nil
	case model.SnapshotIncremental, model.SnapshotDifferential:
		if req.ParentUUID == "" {
			return "", fmt.Errorf("%s snapshot requires a parent", req.Type)
		}
		return req.Type, nil
	}
	return "", fmt.Errorf("unknown snapshot type %q", req.Type)
}

// captureLog returns the action log slice for the snapshot: everything for a
// FULL snapshot, entries after the parent for INCREMENTAL, and entries after
// the nearest FULL ancestor for DIFFERENTIAL.
func (b *SnapshotBuilder) captureLog(ctx context.Context, parentUUID string, snapType model.SnapshotType) ([]model.ActionLogEntry, error) {
	if parentUUID == "" {
		return b.log.All(ctx)
	}

	parent, err := b.usableSnapshot(ctx, parentUUID)
	if err != nil {
		return nil, err
	}

	base := parent
	if snapType == model.SnapshotDifferential {
		for base.SnapshotType != model.SnapshotFull {
			if base.ParentSnapshotUUID == "" {
				return nil, fmt.Errorf("%w: %s has no full ancestor", ErrParentNotFound, parentUUID)
			}
			base, err = b.usableSnapshot(ctx, base.ParentSnapshotUUID)
			if err != nil {
				return nil, err
			}
		}
	}
	return b.log.SliceSince(ctx, base.Timestamp)
}

func (b *SnapshotBuilder) usableSnapshot(ctx context.Context, uuid string) (*model.SnapshotMetadata, error) {
	enc, err := b.db.FindSnapshot(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("resolving parent: %w", err)
	}
	if enc == nil || !enc.Metadata.IsComplete || !enc.Metadata.IsVerified {
		return nil, fmt.Errorf("%w: %s", ErrParentNotFound, uuid)
	}
	md := enc.Metadata
	return &md, nil
}

func (b *SnapshotBuilder) captureAssets(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	for _, store := range b.assets {
		blobs, err := store.ReadAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading assets from %s: %w", store.Name(), err)
		}
		for key, blob := range blobs {
			out[store.Name()+"/"+key] = blob
		}
	}
	return out, nil
}
