package model

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation recorded in the action log.
type Action string

const (
	ActionCreate      Action = "CREATE"
	ActionUpdate      Action = "UPDATE"
	ActionDelete      Action = "DELETE"
	ActionBatchCreate Action = "BATCH_CREATE"
	ActionBatchUpdate Action = "BATCH_UPDATE"
	ActionBatchDelete Action = "BATCH_DELETE"
)

// IsBatch reports whether the action carries a JSON array of rows.
func (a Action) IsBatch() bool {
	return a == ActionBatchCreate || a == ActionBatchUpdate || a == ActionBatchDelete
}

// Single returns the per-row action for a batch action.
func (a Action) Single() Action {
	switch a {
	case ActionBatchCreate:
		return ActionCreate
	case ActionBatchUpdate:
		return ActionUpdate
	case ActionBatchDelete:
		return ActionDelete
	}
	return a
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionBatchCreate, ActionBatchUpdate, ActionBatchDelete:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state of an action log entry.
type EntryStatus string

const (
	EntryPending    EntryStatus = "PENDING"
	EntryCompleted  EntryStatus = "COMPLETED"
	EntryFailed     EntryStatus = "FAILED"
	EntryRolledBack EntryStatus = "ROLLED_BACK"
)

// Row is a single table row. ID is the table-local key and Data is the
// schema-validated JSON object holding the row's fields (including "id").
type Row struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// EntityUUID maps a table-local key to a stable identifier.
// Version increments on every registered mutation.
type EntityUUID struct {
	LocalID   string     `json:"local_id"`
	UUID      string     `json:"uuid"`
	Table     string     `json:"table"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"` // tombstone, kept until purged
}

// ActionLogEntry is one mutation in the append-only action log.
// Sequence defines the replay order.
type ActionLogEntry struct {
	ID           string          `json:"id"`
	UUID         string          `json:"uuid"` // entity UUID; empty for batch entries
	Action       Action          `json:"action"`
	Table        string          `json:"table"`
	EntityID     string          `json:"entity_id"` // table-local key; empty for batch entries
	Data         json.RawMessage `json:"data,omitempty"`
	PreviousData json.RawMessage `json:"previous_data,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	SessionID    string          `json:"session_id"`
	Sequence     int64           `json:"sequence"`
	Status       EntryStatus     `json:"status"`
	RetryCount   int             `json:"retry_count"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// SnapshotType describes how a snapshot's action log relates to its parent.
type SnapshotType string

const (
	SnapshotFull         SnapshotType = "FULL"
	SnapshotIncremental  SnapshotType = "INCREMENTAL"
	SnapshotDifferential SnapshotType = "DIFFERENTIAL"
)

// SnapshotMetadata describes a snapshot. IsComplete and IsVerified are only
// set once the checksum has been recomputed over the persisted copy.
type SnapshotMetadata struct {
	UUID               string           `json:"uuid"`
	Name               string           `json:"name"`
	Timestamp          time.Time        `json:"timestamp"`
	SchemaVersion      int              `json:"schema_version"`
	SnapshotType       SnapshotType     `json:"snapshot_type"`
	ParentSnapshotUUID string           `json:"parent_snapshot_uuid,omitempty"`
	Checksum           string           `json:"checksum"`
	Size               int64            `json:"size"`
	TableCounts        map[string]int64 `json:"table_counts"`
	ActionLogCount     int64            `json:"action_log_count"`
	EntityUUIDCount    int64            `json:"entity_uuid_count"`
	IsComplete         bool             `json:"is_complete"`
	IsVerified         bool             `json:"is_verified"`
}

// Configuration is the environment captured alongside a snapshot.
type Configuration struct {
	SchemaVersion int               `json:"schema_version"`
	Tables        []string          `json:"tables"`
	Environment   map[string]string `json:"environment,omitempty"`
}

// SnapshotData is a full point-in-time capture. It is never mutated after
// the completeness flag is set; later snapshots supersede it.
type SnapshotData struct {
	Metadata      SnapshotMetadata  `json:"metadata"`
	EntityUUIDs   []EntityUUID      `json:"entity_uuids"`
	TableData     map[string][]Row  `json:"table_data"`
	ActionLog     []ActionLogEntry  `json:"action_log"`
	Configuration Configuration     `json:"configuration"`
	FileAssets    map[string][]byte `json:"file_assets"`
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowCompleted  WorkflowStatus = "COMPLETED"
	WorkflowFailed     WorkflowStatus = "FAILED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// WorkflowType is the kind of operation a workflow performs.
type WorkflowType string

const (
	WorkflowBackup    WorkflowType = "BACKUP"
	WorkflowRestore   WorkflowType = "RESTORE"
	WorkflowMigration WorkflowType = "MIGRATION"
	WorkflowReplay    WorkflowType = "REPLAY"
)

// Workflow is a named, resumable, multi-step operation.
// Params holds the JSON-encoded request that created it.
type Workflow struct {
	ID          int64           `json:"id"`
	UUID        string          `json:"uuid"`
	Name        string          `json:"name"`
	Status      WorkflowStatus  `json:"status"`
	Type        WorkflowType    `json:"type"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Params      json.RawMessage `json:"params,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StepStatus is the lifecycle state of a workflow step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepCompleted  StepStatus = "COMPLETED"
	StepFailed     StepStatus = "FAILED"
	StepSkipped    StepStatus = "SKIPPED"
)

// WorkflowStep is one unit of work within a workflow. A step may run only
// when every UUID in Dependencies resolves to a COMPLETED step.
type WorkflowStep struct {
	ID           int64           `json:"id"`
	UUID         string          `json:"uuid"`
	WorkflowID   int64           `json:"workflow_id"`
	StepType     string          `json:"step_type"`
	Status       StepStatus      `json:"status"`
	Sequence     int             `json:"sequence"`
	Dependencies []string        `json:"dependencies,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Data         json.RawMessage `json:"data,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// UnmarshalData decodes the step's data into v. Empty data is a no-op.
func (s *WorkflowStep) UnmarshalData(v any) error {
	if len(s.Data) == 0 {
		return nil
	}
	return json.Unmarshal(s.Data, v)
}
