package engine

import (
	"context"
	"time"

	"posvault/internal/model"
)

// Database provides durable storage for the engine's own state: the entity
// registry, the action log, snapshots, workflows and operation history.
// Lookups return nil with no error when the record does not exist. Every
// write is durable when the call returns.
type Database interface {
	// Entity registry

	// FindEntity returns the live (non-tombstoned) mapping for a table key.
	FindEntity(ctx context.Context, table, localID string) (*model.EntityUUID, error)

	// FindLatestEntity returns the most recently updated mapping for a table
	// key, tombstoned or not.
	FindLatestEntity(ctx context.Context, table, localID string) (*model.EntityUUID, error)

	// FindEntityByUUID returns a mapping by UUID, tombstoned or not.
	FindEntityByUUID(ctx context.Context, uuid string) (*model.EntityUUID, error)

	// InsertEntity stores a new mapping.
	InsertEntity(ctx context.Context, e *model.EntityUUID) error

	// UpdateEntity stores the version, timestamps and tombstone of a mapping.
	UpdateEntity(ctx context.Context, e *model.EntityUUID) error

	// ListEntities returns every mapping, including tombstones, ordered by table then local ID.
	ListEntities(ctx context.Context) ([]*model.EntityUUID, error)

	// PurgeEntities deletes tombstones older than before and returns how many were removed.
	PurgeEntities(ctx context.Context, before time.Time) (int64, error)

	// Action log

	// InsertActionLogEntry appends an entry.
	InsertActionLogEntry(ctx context.Context, entry *model.ActionLogEntry) error

	// UpdateActionLogEntryStatus records the outcome of an entry.
	UpdateActionLogEntryStatus(ctx context.Context, id string, status model.EntryStatus, retryCount int) error

	// ListActionLogEntries returns entries with timestamp strictly after since, ordered by sequence.
	// A zero since returns the whole log.
	ListActionLogEntries(ctx context.Context, since time.Time) ([]*model.ActionLogEntry, error)

	// LastActionLogEntry returns the entry with the highest sequence.
	LastActionLogEntry(ctx context.Context) (*model.ActionLogEntry, error)

	// LastActionLogEntryForEntity returns the newest entry naming the entity UUID.
	LastActionLogEntryForEntity(ctx context.Context, uuid string) (*model.ActionLogEntry, error)

	// Snapshots

	// SaveSnapshot stores an encoded snapshot. Overwriting a snapshot that
	// is already complete is an error.
	SaveSnapshot(ctx context.Context, snap *EncodedSnapshot) error

	// FindSnapshot returns the encoded snapshot, complete or not.
	FindSnapshot(ctx context.Context, uuid string) (*EncodedSnapshot, error)

	// MarkSnapshotVerified sets IsComplete and IsVerified.
	MarkSnapshotVerified(ctx context.Context, uuid string) error

	// ListSnapshots returns the metadata of every snapshot, oldest first.
	ListSnapshots(ctx context.Context) ([]*model.SnapshotMetadata, error)

	// CountSnapshotChildren returns the number of snapshots naming uuid as parent.
	CountSnapshotChildren(ctx context.Context, uuid string) (int, error)

	// DeleteSnapshot removes a snapshot.
	DeleteSnapshot(ctx context.Context, uuid string) error

	// Workflows

	// CreateWorkflow atomically stores a workflow and its steps, assigning IDs.
	CreateWorkflow(ctx context.Context, wf *model.Workflow, steps []*model.WorkflowStep) error

	// FindWorkflow returns a workflow by ID.
	FindWorkflow(ctx context.Context, id int64) (*model.Workflow, error)

	// UpdateWorkflow stores the mutable fields of a workflow.
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error

	// ListWorkflows returns the newest workflows first. When statuses is
	// non-empty only workflows in those states are returned, oldest first.
	ListWorkflows(ctx context.Context, limit int, statuses ...model.WorkflowStatus) ([]*model.Workflow, error)

	// ListWorkflowSteps returns a workflow's steps ordered by sequence.
	ListWorkflowSteps(ctx context.Context, workflowID int64) ([]*model.WorkflowStep, error)

	// UpdateWorkflowStep stores the mutable fields of a step.
	UpdateWorkflowStep(ctx context.Context, step *model.WorkflowStep) error

	// Operation history

	// CreateOperation records the start of a CLI operation.
	CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error)

	// FinishOperation records the end of a CLI operation.
	FinishOperation(ctx context.Context, id int64, status string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]*Operation, error)

	// Close closes the database connection.
	Close() error
}

// Operation is one recorded CLI invocation.
type Operation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt *time.Time
}
