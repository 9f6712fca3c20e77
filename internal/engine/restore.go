package engine

import (
	"context"
	"fmt"
	"strings"

	"posvault/internal/model"
)

// RestoreRequest parameterizes RESTORE, REPLAY and MIGRATION workflows.
// TargetUUID and Name are only used by MIGRATION.
type RestoreRequest struct {
	SnapshotUUID string `json:"snapshot_uuid"`
	TargetUUID   string `json:"target_uuid,omitempty"`
	Name         string `json:"name,omitempty"`
}

// Restore step types.
const (
	StepRestoreValidate = "restore.validate"
	StepRestoreMigrate  = "restore.migrate"
	StepRestoreClear    = "restore.clear"
	StepRestoreTables   = "restore.tables"
	StepRestoreAssets   = "restore.assets"
	StepRestoreReplay   = "restore.replay"
	StepRestoreVerify   = "restore.verify"

	StepMigrationPersist = "migration.persist"
	StepMigrationCommit  = "migration.commit"
)

var restorePlan = []StepSpec{
	{Type: StepRestoreValidate},
	{Type: StepRestoreMigrate, DependsOn: []string{StepRestoreValidate}},
	{Type: StepRestoreClear, DependsOn: []string{StepRestoreMigrate}},
	{Type: StepRestoreTables, DependsOn: []string{StepRestoreClear}},
	{Type: StepRestoreAssets, DependsOn: []string{StepRestoreTables}},
	{Type: StepRestoreReplay, DependsOn: []string{StepRestoreTables}},
	{Type: StepRestoreVerify, DependsOn: []string{StepRestoreAssets, StepRestoreReplay}},
}

var replayPlan = []StepSpec{
	{Type: StepRestoreValidate},
	{Type: StepRestoreMigrate, DependsOn: []string{StepRestoreValidate}},
	{Type: StepRestoreReplay, DependsOn: []string{StepRestoreMigrate}},
}

var migrationPlan = []StepSpec{
	{Type: StepRestoreValidate},
	{Type: StepRestoreMigrate, DependsOn: []string{StepRestoreValidate}},
	{Type: StepMigrationPersist, DependsOn: []string{StepRestoreMigrate}},
	{Type: StepMigrationCommit, DependsOn: []string{StepMigrationPersist}},
}

// Restore phases reported by RestorePhase.
const (
	PhaseValidating      = "VALIDATING"
	PhaseMigrating       = "MIGRATING"
	PhaseClearing        = "CLEARING"
	PhaseRestoringTables = "RESTORING_TABLES"
	PhaseRestoringAssets = "RESTORING_ASSETS"
	PhaseReplayingLog    = "REPLAYING_LOG"
	PhaseFinalValidation = "FINAL_VALIDATION"
	PhasePersisting      = "PERSISTING"
	PhaseCompleted       = "COMPLETED"
	PhaseFailed          = "FAILED"
	PhaseCancelled       = "CANCELLED"
)

var stepPhases = map[string]string{
	StepRestoreValidate:  PhaseValidating,
	StepRestoreMigrate:   PhaseMigrating,
	StepRestoreClear:     PhaseClearing,
	StepRestoreTables:    PhaseRestoringTables,
	StepRestoreAssets:    PhaseRestoringAssets,
	StepRestoreReplay:    PhaseReplayingLog,
	StepRestoreVerify:    PhaseFinalValidation,
	StepMigrationPersist: PhasePersisting,
	StepMigrationCommit:  PhasePersisting,
}

// The clear and table load steps are fatal: there is no safe partial state
// to retry from. Everything from clear through replay runs under one hold
// of the table guard.
func (s *Service) restoreSteps() []StepDefinition {
	return []StepDefinition{
		{Type: StepRestoreValidate, Run: s.validateRestore, Fatal: true},
		{Type: StepRestoreMigrate, Run: s.migrateRestore, Fatal: true},
		{Type: StepRestoreClear, Run: s.clearTables, Fatal: true, Critical: true},
		{Type: StepRestoreTables, Run: s.restoreTables, Fatal: true, Critical: true},
		{Type: StepRestoreAssets, Run: s.restoreAssets, Critical: true},
		{Type: StepRestoreReplay, Run: s.replayLog, Critical: true},
		{Type: StepRestoreVerify, Run: s.verifyRestore},
		{Type: StepMigrationPersist, Run: s.persistMigrated},
		{Type: StepMigrationCommit, Run: s.commitMigrated},
	}
}

// Restore replaces the tracked tables and assets with a snapshot's content
// and replays its action log.
func (s *Service) Restore(ctx context.Context, snapshotUUID string) (*model.Workflow, error) {
	if _, err := s.snapshots.Metadata(ctx, snapshotUUID); err != nil {
		return nil, err
	}
	req := RestoreRequest{SnapshotUUID: snapshotUUID}
	return s.workflows.Start(ctx, "restore "+snapshotUUID, model.WorkflowRestore, req, restorePlan, s.maxRetries)
}

// Replay applies a snapshot's action log to the current tables without
// clearing them. Entries already reflected in the tables are no-ops.
func (s *Service) Replay(ctx context.Context, snapshotUUID string) (*model.Workflow, *ReplayResult, error) {
	if _, err := s.snapshots.Metadata(ctx, snapshotUUID); err != nil {
		return nil, nil, err
	}
	req := RestoreRequest{SnapshotUUID: snapshotUUID}
	wf, err := s.workflows.Start(ctx, "replay "+snapshotUUID, model.WorkflowReplay, req, replayPlan, s.maxRetries)
	if err != nil {
		return wf, nil, err
	}
	res, err := s.replayResult(ctx, wf.ID)
	return wf, res, err
}

// Migrate stores a copy of an older snapshot upgraded to the current schema
// version and returns the new snapshot's metadata.
func (s *Service) Migrate(ctx context.Context, snapshotUUID, name string) (*model.SnapshotMetadata, error) {
	md, err := s.snapshots.Metadata(ctx, snapshotUUID)
	if err != nil {
		return nil, err
	}
	if md.SchemaVersion == s.migrator.Current() {
		return nil, fmt.Errorf("snapshot %s is already at schema version %d", snapshotUUID, md.SchemaVersion)
	}
	if name == "" {
		name = fmt.Sprintf("%s (v%d)", md.Name, s.migrator.Current())
	}
	req := RestoreRequest{SnapshotUUID: snapshotUUID, TargetUUID: s.idgen.New(), Name: name}
	wf, err := s.workflows.Start(ctx, "migrate "+snapshotUUID, model.WorkflowMigration, req, migrationPlan, s.maxRetries)
	if err != nil {
		return nil, err
	}
	if wf.Status != model.WorkflowCompleted {
		return nil, fmt.Errorf("migration workflow %d ended %s", wf.ID, wf.Status)
	}
	return s.snapshots.Metadata(ctx, req.TargetUUID)
}

// RestorePhase reports where a restore, replay or migration workflow is.
func (s *Service) RestorePhase(ctx context.Context, workflowID int64) (string, error) {
	wf, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	switch wf.Status {
	case model.WorkflowCompleted:
		return PhaseCompleted, nil
	case model.WorkflowFailed:
		return PhaseFailed, nil
	case model.WorkflowCancelled:
		return PhaseCancelled, nil
	}
	steps, err := s.workflows.Steps(ctx, workflowID)
	if err != nil {
		return "", err
	}
	for _, step := range steps {
		if step.Status == model.StepCompleted || step.Status == model.StepSkipped {
			continue
		}
		if phase, ok := stepPhases[step.StepType]; ok {
			return phase, nil
		}
		return "", fmt.Errorf("workflow %d is not a restore workflow", workflowID)
	}
	return PhaseFinalValidation, nil
}

func (s *Service) replayResult(ctx context.Context, workflowID int64) (*ReplayResult, error) {
	steps, err := s.workflows.Steps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if step.StepType == StepRestoreReplay && step.Status == model.StepCompleted {
			var res ReplayResult
			if err := step.UnmarshalData(&res); err != nil {
				return nil, fmt.Errorf("decoding replay result: %w", err)
			}
			return &res, nil
		}
	}
	return nil, nil
}

const snapshotCacheKey = "snapshot"

// snapshotData loads the workflow's snapshot, checks it and migrates it.
// The result is cached for the rest of the run; a resumed run redoes the
// work, which is deterministic.
func (s *Service) snapshotData(ctx context.Context, sc *StepContext) (*model.SnapshotData, error) {
	if v, ok := sc.Cached(snapshotCacheKey); ok {
		return v.(*model.SnapshotData), nil
	}
	var req RestoreRequest
	if err := sc.Params(&req); err != nil {
		return nil, Fatal(err)
	}
	enc, err := s.snapshots.Encoded(ctx, req.SnapshotUUID)
	if err != nil {
		return nil, err
	}
	if !enc.Verify() {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, req.SnapshotUUID)
	}
	data, err := enc.Decode()
	if err != nil {
		return nil, Fatal(fmt.Errorf("decoding snapshot: %w", err))
	}
	from := data.Metadata.SchemaVersion
	n, err := s.migrator.Migrate(data)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		sc.Logger.Info("snapshot migrated", "from", from, "to", data.Metadata.SchemaVersion)
	}
	sc.Cache(snapshotCacheKey, data)
	return data, nil
}

type validateResult struct {
	Checksum      string `json:"checksum"`
	SchemaVersion int    `json:"schema_version"`
}

func (s *Service) validateRestore(ctx context.Context, sc *StepContext) error {
	var req RestoreRequest
	if err := sc.Params(&req); err != nil {
		return err
	}
	md, err := s.snapshots.Metadata(ctx, req.SnapshotUUID)
	if err != nil {
		return err
	}
	if !md.IsComplete || !md.IsVerified {
		return fmt.Errorf("%w: %s", ErrSnapshotIncomplete, req.SnapshotUUID)
	}
	ok, err := s.snapshots.Verify(ctx, req.SnapshotUUID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrIntegrity, req.SnapshotUUID)
	}
	return sc.SetResult(validateResult{Checksum: md.Checksum, SchemaVersion: md.SchemaVersion})
}

type migrateResult struct {
	FromVersion int `json:"from_version"`
	ToVersion   int `json:"to_version"`
}

func (s *Service) migrateRestore(ctx context.Context, sc *StepContext) error {
	var validated validateResult
	if err := sc.Output(StepRestoreValidate, &validated); err != nil {
		return err
	}
	if err := s.migrator.Check(validated.SchemaVersion); err != nil {
		return err
	}
	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	return sc.SetResult(migrateResult{FromVersion: validated.SchemaVersion, ToVersion: data.Metadata.SchemaVersion})
}

func (s *Service) clearTables(ctx context.Context, sc *StepContext) error {
	for _, table := range model.Tables() {
		if err := s.tables.Clear(ctx, table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	sc.Logger.Info("tables cleared")
	return nil
}

// restoreTables clears each table again before loading it so the step can
// be re-run after an interruption.
func (s *Service) restoreTables(ctx context.Context, sc *StepContext) error {
	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	loaded := make(map[string]int)
	for _, table := range model.Tables() {
		rows := data.TableData[table]
		if err := s.tables.Clear(ctx, table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
		if len(rows) > 0 {
			if err := s.tables.BulkInsert(ctx, table, rows); err != nil {
				return fmt.Errorf("loading %s: %w", table, err)
			}
		}
		loaded[table] = len(rows)
	}
	sc.Logger.Info("tables restored")
	return sc.SetResult(loaded)
}

func (s *Service) restoreAssets(ctx context.Context, sc *StepContext) error {
	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	grouped := make(map[string]map[string][]byte)
	for key, blob := range data.FileAssets {
		name, rel, ok := strings.Cut(key, "/")
		if !ok || rel == "" {
			sc.Logger.Warn("skipping malformed asset key", "key", key)
			continue
		}
		if grouped[name] == nil {
			grouped[name] = make(map[string][]byte)
		}
		grouped[name][rel] = blob
	}

	written := 0
	for name, blobs := range grouped {
		store, ok := s.assetStores[name]
		if !ok {
			sc.Logger.Warn("no asset store for captured assets", "store", name, "assets", len(blobs))
			continue
		}
		if err := store.WriteAll(ctx, blobs); err != nil {
			return fmt.Errorf("writing assets to %s: %w", name, err)
		}
		written += len(blobs)
	}
	return sc.SetResult(map[string]int{"written": written})
}

func (s *Service) replayLog(ctx context.Context, sc *StepContext) error {
	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	res, err := s.replayer.Replay(ctx, data.ActionLog)
	if err != nil {
		return err
	}
	sc.Logger.Info("action log replayed", "applied", res.Applied, "skipped", res.Skipped, "failed", res.Failed)
	return sc.SetResult(res)
}

// verifyRestore compares row counts with the snapshot. Replay can
// legitimately change counts, so mismatches are only reported.
func (s *Service) verifyRestore(ctx context.Context, sc *StepContext) error {
	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	mismatches := make(map[string][2]int64)
	for _, table := range model.Tables() {
		n, err := s.tables.Count(ctx, table)
		if err != nil {
			return fmt.Errorf("counting %s: %w", table, err)
		}
		if want := data.Metadata.TableCounts[table]; n != want {
			sc.Logger.Warn("row count differs from snapshot", "table", table, "snapshot", want, "actual", n)
			mismatches[table] = [2]int64{want, n}
		}
	}
	return sc.SetResult(map[string]any{"mismatches": mismatches})
}

// persistMigrated stores the migrated copy under the target UUID. The copy
// keeps the source's timestamp and lineage so delta slicing still holds.
func (s *Service) persistMigrated(ctx context.Context, sc *StepContext) error {
	var req RestoreRequest
	if err := sc.Params(&req); err != nil {
		return Fatal(err)
	}
	existing, err := s.db.FindSnapshot(ctx, req.TargetUUID)
	if err != nil {
		return fmt.Errorf("checking target: %w", err)
	}
	if existing != nil && existing.Metadata.IsComplete {
		return nil
	}

	data, err := s.snapshotData(ctx, sc)
	if err != nil {
		return err
	}
	migrated := *data
	migrated.Metadata.UUID = req.TargetUUID
	migrated.Metadata.Name = req.Name
	enc, err := EncodeSnapshot(&migrated)
	if err != nil {
		return err
	}
	if err := s.db.SaveSnapshot(ctx, enc); err != nil {
		return fmt.Errorf("saving migrated snapshot: %w", err)
	}
	return sc.SetResult(enc.Metadata)
}

func (s *Service) commitMigrated(ctx context.Context, sc *StepContext) error {
	var req RestoreRequest
	if err := sc.Params(&req); err != nil {
		return Fatal(err)
	}
	return commitSnapshot(ctx, s.db, req.TargetUUID)
}
