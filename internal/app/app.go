package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"posvault/internal/artifact"
	"posvault/internal/assets"
	"posvault/internal/config"
	"posvault/internal/database"
	"posvault/internal/encryption"
	"posvault/internal/engine"
	"posvault/internal/model"
	"posvault/internal/outbox"
	"posvault/internal/vault"
)

// App is the application layer between the CLI and engine.Service.
// It constructs all dependencies from config, records every state-changing
// command in the operation history, and manages the DB lifecycle on Close.
type App struct {
	cfg       *config.Config
	db        *database.SQLiteDatabase
	encryptor engine.Encryptor
	transport *vault.Transport
	service   *engine.Service
	op        *Operation
	logger    *slog.Logger
	logFile   *os.File
	resumed   []*model.Workflow // finished at startup
}

// Options overrides App collaborators.
type Options struct {
	Stderr io.Writer    // log mirror; nil logs to the file only
	Clock  engine.Clock // defaults to the wall clock
	IDs    engine.IDGenerator
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Backup", "Restore").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation, parameters string) (*App, error) {
	return NewAppWithOptions(ctx, cfg, operation, parameters, Options{Stderr: os.Stderr})
}

// NewAppWithOptions is NewApp with explicit collaborators.
func NewAppWithOptions(ctx context.Context, cfg *config.Config, operation, parameters string, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = engine.RealClock{}
	}

	opID := clock.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, opID, cfg.LogLevel, opts.Stderr)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, logFile: logFile, op: NewOperation(operation, parameters)}
	if err := a.wire(ctx, opID, clock, opts.IDs); err != nil {
		a.closeResources()
		return nil, err
	}
	a.resumeUnfinished(ctx)
	return a, nil
}

// resumeUnfinished finishes workflows an interrupted run left behind before
// the command does anything else. Failures are logged: the command itself
// may still succeed.
func (a *App) resumeUnfinished(ctx context.Context) {
	wfs, err := a.service.ResumeUnfinished(ctx)
	a.resumed = wfs
	if err != nil {
		a.logger.Warn("resuming unfinished workflows failed", "error", err)
	}
	for _, wf := range wfs {
		a.logger.Info("finished interrupted workflow", "workflow", wf.ID, "type", string(wf.Type), "status", string(wf.Status))
	}
}

func (a *App) wire(ctx context.Context, opID string, clock engine.Clock, ids engine.IDGenerator) error {
	cfg := a.cfg

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	stores := make([]engine.AssetStore, 0, len(cfg.Assets))
	for _, ac := range cfg.Assets {
		s, err := assets.NewStoreFromConfig(ac)
		if err != nil {
			return fmt.Errorf("creating asset store %q: %w", ac.Name, err)
		}
		stores = append(stores, s)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	a.encryptor = enc
	if enc != nil && !enc.IsConfigured() {
		a.logger.Warn("encryption keys not set up; artifacts cannot be packed until 'posvault encryption setup' runs")
	}
	packer := artifact.NewPacker(enc, artifact.LevelDefault)

	queue, err := outbox.NewOutboxFromConfig(cfg.Outbox, clock)
	if err != nil {
		return fmt.Errorf("creating outbox: %w", err)
	}

	var transport engine.Transport
	if len(cfg.Vaults) > 0 {
		vaults, err := vault.NewVaultsFromConfig(ctx, cfg.Vaults)
		if err != nil {
			return fmt.Errorf("creating vaults: %w", err)
		}
		t, err := vault.NewTransport(cfg.HostID, vaults, clock)
		if err != nil {
			return fmt.Errorf("creating transport: %w", err)
		}
		a.transport = t
		transport = t
	}

	sessionID := cfg.Engine.SessionID
	if sessionID == "" {
		sessionID = cfg.HostID + "/" + opID
	}
	svc, err := engine.NewService(engine.Options{
		Database:           db,
		Tables:             database.NewSQLiteTables(db),
		Assets:             stores,
		Clock:              clock,
		IDs:                ids,
		Logger:             &slogAdapter{l: a.logger},
		Packer:             packer,
		Queue:              queue,
		Transport:          transport,
		SchemaVersion:      cfg.Engine.SchemaVersion,
		MaxRetries:         cfg.Engine.MaxRetries,
		RetryBackoff:       cfg.Engine.RetryBackoff(),
		TombstoneRetention: cfg.Engine.TombstoneRetention(),
		SessionID:          sessionID,
		Environment:        cfg.Engine.Environment,
	})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	a.service = svc
	return nil
}

// persistOperation saves the operation to the database, giving it an ID.
// Only state-changing commands call it.
func (a *App) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil
	}
	dbOp, err := a.db.CreateOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// Record applies one application write. data is the row JSON, or a JSON
// array of rows for batch actions.
func (a *App) Record(ctx context.Context, action, table, localID string, data []byte) (*model.ActionLogEntry, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	act := model.Action(strings.ToUpper(action))
	if !act.Valid() {
		return nil, a.op.Fail(fmt.Errorf("unknown action %q", action))
	}
	entry, err := a.service.Record(ctx, engine.Mutation{
		Action:  act,
		Table:   table,
		LocalID: localID,
		Data:    json.RawMessage(data),
	})
	return entry, a.op.Fail(err)
}

// BackupRequest selects the kind of snapshot to build.
type BackupRequest struct {
	Name         string
	Parent       string // parent snapshot UUID; empty with Incremental uses the latest snapshot
	Incremental  bool
	Differential bool
}

// Backup builds a snapshot, then purges expired tombstones and delivers
// queued artifacts. Purge and delivery failures are logged, not returned:
// the snapshot is already safe locally.
func (a *App) Backup(ctx context.Context, req BackupRequest) (*model.SnapshotMetadata, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}

	build := engine.BuildRequest{Name: req.Name, ParentUUID: req.Parent}
	if (req.Incremental || req.Differential) && build.ParentUUID == "" {
		latest, err := a.service.Snapshots().Latest(ctx)
		if err != nil {
			return nil, a.op.Fail(fmt.Errorf("finding latest snapshot: %w", err))
		}
		if latest == nil {
			return nil, a.op.Fail(fmt.Errorf("no complete snapshot to use as parent: %w", engine.ErrParentNotFound))
		}
		build.ParentUUID = latest.UUID
	}
	switch {
	case req.Differential:
		build.Type = model.SnapshotDifferential
	case build.ParentUUID != "":
		build.Type = model.SnapshotIncremental
	default:
		build.Type = model.SnapshotFull
	}

	meta, err := a.service.CreateBackup(ctx, build)
	if err != nil {
		return nil, a.op.Fail(err)
	}

	if _, err := a.service.PurgeTombstones(ctx); err != nil {
		a.logger.Warn("purging tombstones failed", "error", err)
	}
	if a.transport != nil {
		if res, err := a.service.FlushOutbox(ctx); err != nil {
			a.logger.Warn("delivering artifacts failed", "error", err)
		} else if res.Remaining > 0 {
			a.logger.Warn("artifacts still queued", "delivered", res.Delivered, "remaining", res.Remaining)
		}
	}
	return meta, nil
}

// Snapshots returns every snapshot's metadata, oldest first.
func (a *App) Snapshots(ctx context.Context) ([]*model.SnapshotMetadata, error) {
	return a.service.ListSnapshots(ctx)
}

// VerifySnapshot recomputes a snapshot's checksum.
func (a *App) VerifySnapshot(ctx context.Context, uuid string) (bool, error) {
	return a.service.VerifySnapshot(ctx, uuid)
}

// DeleteSnapshot removes a snapshot that no other snapshot depends on.
func (a *App) DeleteSnapshot(ctx context.Context, uuid string) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	return a.op.Fail(a.service.DeleteSnapshot(ctx, uuid))
}

// Restore replaces the tables and assets with a snapshot's content.
func (a *App) Restore(ctx context.Context, uuid string) (*model.Workflow, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	wf, err := a.service.Restore(ctx, uuid)
	return wf, a.op.Fail(err)
}

// Replay applies a snapshot's action log to the current tables.
func (a *App) Replay(ctx context.Context, uuid string) (*model.Workflow, *engine.ReplayResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, nil, err
	}
	wf, res, err := a.service.Replay(ctx, uuid)
	return wf, res, a.op.Fail(err)
}

// Migrate stores a copy of a snapshot upgraded to the current schema.
func (a *App) Migrate(ctx context.Context, uuid, name string) (*model.SnapshotMetadata, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	meta, err := a.service.Migrate(ctx, uuid, name)
	return meta, a.op.Fail(err)
}

// WorkflowDetail is a workflow with its steps. Phase is set for restore,
// replay and migration workflows.
type WorkflowDetail struct {
	Workflow *model.Workflow
	Steps    []*model.WorkflowStep
	Phase    string
}

// Workflows returns recent workflows, newest first.
func (a *App) Workflows(ctx context.Context, limit int) ([]*model.Workflow, error) {
	return a.service.ListWorkflows(ctx, limit)
}

// Workflow returns one workflow with its steps.
func (a *App) Workflow(ctx context.Context, id int64) (*WorkflowDetail, error) {
	wf, err := a.service.Workflow(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := a.service.WorkflowSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &WorkflowDetail{Workflow: wf, Steps: steps}
	if wf.Type != model.WorkflowBackup {
		phase, err := a.service.RestorePhase(ctx, id)
		if err != nil {
			return nil, err
		}
		d.Phase = phase
	}
	return d, nil
}

// ResumeWorkflows resumes or fails workflows an earlier run left unfinished,
// including those already finished when the App started.
func (a *App) ResumeWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	wfs, err := a.service.ResumeUnfinished(ctx)
	return append(append([]*model.Workflow(nil), a.resumed...), wfs...), a.op.Fail(err)
}

// CancelWorkflow cancels a workflow between steps.
func (a *App) CancelWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	wf, err := a.service.CancelWorkflow(ctx, id)
	return wf, a.op.Fail(err)
}

// Outbox lists artifacts waiting for delivery.
func (a *App) Outbox() ([]engine.QueuedArtifact, error) {
	return a.service.Outbox()
}

// FlushOutbox delivers queued artifacts to the configured vaults.
func (a *App) FlushOutbox(ctx context.Context) (engine.FlushResult, error) {
	if a.transport == nil {
		return engine.FlushResult{}, fmt.Errorf("no vaults configured")
	}
	if err := a.persistOperation(ctx); err != nil {
		return engine.FlushResult{}, err
	}
	res, err := a.service.FlushOutbox(ctx)
	return res, a.op.Fail(err)
}

// RemoteArtifacts lists the artifacts this host has in the vaults.
func (a *App) RemoteArtifacts(ctx context.Context) ([]string, error) {
	if a.transport == nil {
		return nil, fmt.Errorf("no vaults configured")
	}
	return a.service.RemoteArtifacts(ctx)
}

// NeedsPassphrase reports whether importing artifacts requires unlocking
// the private key.
func (a *App) NeedsPassphrase() bool {
	return a.encryptor != nil
}

// Import fetches an artifact from the vaults and stores its snapshot.
// passphrase is ignored when encryption is off.
func (a *App) Import(ctx context.Context, name, passphrase string) (*model.SnapshotMetadata, error) {
	if a.transport == nil {
		return nil, fmt.Errorf("no vaults configured")
	}
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	var dc engine.DecryptionContext
	if a.encryptor != nil {
		var err error
		if dc, err = a.encryptor.Unlock(passphrase); err != nil {
			return nil, a.op.Fail(fmt.Errorf("unlocking private key: %w", err))
		}
	}
	meta, err := a.service.ImportArtifact(ctx, name, dc)
	return meta, a.op.Fail(err)
}

// History returns the most recent operations.
func (a *App) History(ctx context.Context, limit int) ([]*engine.Operation, error) {
	return a.db.ListOperations(ctx, limit)
}

// statePath is where Close keeps a consistent copy of the state database.
func (a *App) statePath() string {
	return filepath.Join(a.cfg.Database.DataDir, a.cfg.HostID+".db.bak")
}

// backupState writes a consistent copy of the state database next to it.
// VACUUM INTO refuses an existing target, so the copy goes through a temp
// file that replaces the previous one.
func (a *App) backupState() error {
	dest := a.statePath()
	tmp := dest + ".tmp"
	if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale state copy: %w", err)
	}
	if err := a.db.BackupTo(tmp); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state copy: %w", err)
	}
	return nil
}

// Close finalizes the operation and closes all resources.
// For persisted operations on a sqlite database it also refreshes the
// state copy written by backupState.
func (a *App) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() && a.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keep(wrap("finishing operation", a.db.FinishOperation(ctx, a.op.ID, a.op.Status)))
		cancel()

		if a.cfg.Database.Type == "sqlite" {
			keep(a.backupState())
		}
	}

	keep(a.closeResources())
	return firstErr
}

func (a *App) closeResources() error {
	var err error
	if a.db != nil {
		err = wrap("closing database", a.db.Close())
		a.db = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
	return err
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}
