package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"posvault/internal/model"
)

// Options holds the dependencies of a Service. Database and Tables are
// required; everything else has a default.
type Options struct {
	Database  Database
	Tables    TableStore
	Assets    []AssetStore
	Clock     Clock
	IDs       IDGenerator
	Sleeper   Sleeper
	Logger    Logger
	Packer    Packer
	Queue     ArtifactQueue
	Transport Transport

	SchemaVersion      int
	MaxRetries         int
	RetryBackoff       time.Duration
	TombstoneRetention time.Duration
	SessionID          string
	Environment        map[string]string
}

// Service is the orchestration layer: it records application writes and
// runs backups, restores, replays and migrations as workflows.
type Service struct {
	db          Database
	tables      TableStore
	assetStores map[string]AssetStore
	clock       Clock
	idgen       IDGenerator
	logger      Logger

	registry  *EntityRegistry
	log       *ActionLog
	recorder  *Recorder
	builder   *SnapshotBuilder
	snapshots *SnapshotStore
	migrator  *Migrator
	replayer  *Replayer
	workflows *WorkflowEngine
	outbox    *QueueReplay

	maxRetries int
	retention  time.Duration
	sessionID  string
}

// NewService wires the engine components together.
func NewService(opts Options) (*Service, error) {
	if opts.Database == nil {
		return nil, fmt.Errorf("creating service: database is required")
	}
	if opts.Tables == nil {
		return nil, fmt.Errorf("creating service: table store is required")
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = UUIDGenerator{}
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.SchemaVersion == 0 {
		opts.SchemaVersion = LatestSchemaVersion
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	migrator, err := NewMigrator(opts.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("creating service: %w", err)
	}

	assetStores := make(map[string]AssetStore, len(opts.Assets))
	for _, a := range opts.Assets {
		if _, dup := assetStores[a.Name()]; dup {
			return nil, fmt.Errorf("creating service: duplicate asset store %q", a.Name())
		}
		assetStores[a.Name()] = a
	}

	clock := NewLogicalClock(opts.Clock)
	guard := &TableGuard{}
	registry := NewEntityRegistry(opts.Database, clock, opts.IDs)
	actionLog := NewActionLog(opts.Database, clock, opts.IDs)
	snapshots := NewSnapshotStore(opts.Database, opts.Logger)

	s := &Service{
		db:          opts.Database,
		tables:      opts.Tables,
		assetStores: assetStores,
		clock:       opts.Clock,
		idgen:       opts.IDs,
		logger:      opts.Logger,
		registry:    registry,
		log:         actionLog,
		recorder:    NewRecorder(opts.Tables, registry, actionLog, guard, opts.Logger),
		builder: NewSnapshotBuilder(BuilderOptions{
			Database:      opts.Database,
			Tables:        opts.Tables,
			Assets:        opts.Assets,
			Registry:      registry,
			ActionLog:     actionLog,
			Clock:         clock,
			IDGenerator:   opts.IDs,
			Guard:         guard,
			SchemaVersion: opts.SchemaVersion,
			Environment:   opts.Environment,
			Logger:        opts.Logger,
		}),
		snapshots: snapshots,
		migrator:  migrator,
		replayer:  NewReplayer(opts.Tables, opts.Logger),
		workflows: NewWorkflowEngine(WorkflowEngineOptions{
			Database:     opts.Database,
			Clock:        opts.Clock,
			IDGenerator:  opts.IDs,
			Sleeper:      opts.Sleeper,
			Guard:        guard,
			BackupLock:   &BackupLock{},
			MaxRetries:   opts.MaxRetries,
			RetryBackoff: opts.RetryBackoff,
			Logger:       opts.Logger,
		}),
		maxRetries: opts.MaxRetries,
		retention:  opts.TombstoneRetention,
		sessionID:  opts.SessionID,
	}
	s.workflows.Register(s.backupSteps()...)
	s.workflows.Register(s.restoreSteps()...)

	if opts.Queue != nil {
		if opts.Packer == nil {
			return nil, fmt.Errorf("creating service: an outbox queue needs a packer")
		}
		s.outbox = NewQueueReplay(snapshots, opts.Packer, opts.Queue, opts.Transport, opts.Logger)
		s.workflows.AddListener(s.outbox)
	}
	return s, nil
}

// Workflows exposes the workflow engine, for registering custom steps.
func (s *Service) Workflows() *WorkflowEngine { return s.workflows }

// Snapshots exposes the snapshot store.
func (s *Service) Snapshots() *SnapshotStore { return s.snapshots }

// Record applies an application write and logs it.
func (s *Service) Record(ctx context.Context, m Mutation) (*model.ActionLogEntry, error) {
	if m.SessionID == "" {
		m.SessionID = s.sessionID
	}
	return s.recorder.Apply(ctx, m)
}

// ActionLog returns the whole action log in sequence order.
func (s *Service) ActionLog(ctx context.Context) ([]model.ActionLogEntry, error) {
	return s.log.All(ctx)
}

// Entities returns every entity mapping, tombstones included.
func (s *Service) Entities(ctx context.Context) ([]model.EntityUUID, error) {
	return s.registry.All(ctx)
}

// PurgeTombstones drops tombstones older than the configured retention.
// A zero retention keeps tombstones forever.
func (s *Service) PurgeTombstones(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.registry.PurgeTombstones(ctx, s.retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("tombstones purged", "count", n)
	}
	return n, nil
}

// ResumeUnfinished resumes or fails workflows left running by an earlier process.
func (s *Service) ResumeUnfinished(ctx context.Context) ([]*model.Workflow, error) {
	return s.workflows.ResumeUnfinished(ctx)
}

// Workflow returns a workflow by ID.
func (s *Service) Workflow(ctx context.Context, id int64) (*model.Workflow, error) {
	return s.workflows.Get(ctx, id)
}

// WorkflowSteps returns a workflow's steps in order.
func (s *Service) WorkflowSteps(ctx context.Context, id int64) ([]*model.WorkflowStep, error) {
	return s.workflows.Steps(ctx, id)
}

// ListWorkflows returns recent workflows, newest first.
func (s *Service) ListWorkflows(ctx context.Context, limit int) ([]*model.Workflow, error) {
	return s.workflows.List(ctx, limit)
}

// CancelWorkflow cancels a workflow between steps.
func (s *Service) CancelWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	return s.workflows.Cancel(ctx, id)
}

// ListSnapshots returns every snapshot's metadata, oldest first.
func (s *Service) ListSnapshots(ctx context.Context) ([]*model.SnapshotMetadata, error) {
	return s.snapshots.List(ctx)
}

// VerifySnapshot recomputes a snapshot's checksum.
func (s *Service) VerifySnapshot(ctx context.Context, uuid string) (bool, error) {
	return s.snapshots.Verify(ctx, uuid)
}

// DeleteSnapshot removes a snapshot no other snapshot depends on.
func (s *Service) DeleteSnapshot(ctx context.Context, uuid string) error {
	return s.snapshots.Delete(ctx, uuid)
}

// ExportSnapshot packs a complete snapshot into a portable artifact.
func (s *Service) ExportSnapshot(ctx context.Context, uuid string) ([]byte, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no packer configured")
	}
	enc, err := s.snapshots.Encoded(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return s.outbox.packer.Pack(enc)
}

// ImportSnapshot unpacks an artifact and stores its snapshot.
func (s *Service) ImportSnapshot(ctx context.Context, artifact []byte, dc DecryptionContext) (*model.SnapshotMetadata, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no packer configured")
	}
	enc, err := s.outbox.packer.Unpack(bytes.Clone(artifact), dc)
	if err != nil {
		return nil, fmt.Errorf("unpacking artifact: %w", err)
	}
	return s.snapshots.Import(ctx, enc)
}

// ImportArtifact fetches a named artifact from the remote sink and stores it.
func (s *Service) ImportArtifact(ctx context.Context, name string, dc DecryptionContext) (*model.SnapshotMetadata, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no outbox configured")
	}
	return s.outbox.Import(ctx, name, dc)
}

// RemoteArtifacts lists artifacts on the remote sink.
func (s *Service) RemoteArtifacts(ctx context.Context) ([]string, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no outbox configured")
	}
	return s.outbox.Remote(ctx)
}

// QueueSnapshot adds a snapshot's artifact to the outbox by hand.
func (s *Service) QueueSnapshot(ctx context.Context, uuid string) (*QueuedArtifact, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no outbox configured")
	}
	return s.outbox.Enqueue(ctx, uuid)
}

// FlushOutbox delivers queued artifacts.
func (s *Service) FlushOutbox(ctx context.Context) (FlushResult, error) {
	if s.outbox == nil {
		return FlushResult{}, fmt.Errorf("no outbox configured")
	}
	return s.outbox.Flush(ctx)
}

// Outbox lists queued artifacts.
func (s *Service) Outbox() ([]QueuedArtifact, error) {
	if s.outbox == nil {
		return nil, fmt.Errorf("no outbox configured")
	}
	return s.outbox.Pending()
}
