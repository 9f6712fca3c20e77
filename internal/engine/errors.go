package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity reports a checksum mismatch. Never retried.
	ErrIntegrity = errors.New("snapshot integrity check failed")

	// ErrParentNotFound reports that an incremental backup named a parent
	// snapshot that does not exist or is not usable.
	ErrParentNotFound = errors.New("parent snapshot not found")

	// ErrUnsupportedVersion reports a snapshot newer than this binary's schema.
	ErrUnsupportedVersion = errors.New("unsupported snapshot schema version")

	// ErrLockContention reports that another backup holds the backup lock.
	// Callers should retry later.
	ErrLockContention = errors.New("backup already in progress")

	// ErrSnapshotNotFound reports a lookup for an unknown snapshot UUID.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotIncomplete reports a snapshot that never finished its
	// verification commit and must not be read.
	ErrSnapshotIncomplete = errors.New("snapshot is incomplete")

	// ErrSnapshotHasChildren reports an attempt to delete a snapshot that
	// other snapshots name as their parent.
	ErrSnapshotHasChildren = errors.New("snapshot is the parent of other snapshots")

	// ErrUnregisteredEntity reports an action log append for an entity the
	// registry has never seen.
	ErrUnregisteredEntity = errors.New("entity is not registered")

	// ErrWorkflowNotFound reports a lookup for an unknown workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrUnknownTable reports a mutation or row for an untracked table.
	ErrUnknownTable = errors.New("table is not tracked")
)

// StepExecutionError wraps the failure of a single attempt of a workflow step.
type StepExecutionError struct {
	StepType string
	Attempt  int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s attempt %d: %v", e.StepType, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// WorkflowFailedError is returned to callers when a workflow ends FAILED.
type WorkflowFailedError struct {
	WorkflowID int64
	Reason     string
	Err        error // last step error when known in this process
}

func (e *WorkflowFailedError) Error() string {
	return fmt.Sprintf("workflow %d failed: %s", e.WorkflowID, e.Reason)
}

func (e *WorkflowFailedError) Unwrap() error { return e.Err }

// ReplayEntryError records an action log entry that could not be replayed.
// Replay logs and skips these; they never abort a restore.
type ReplayEntryError struct {
	Sequence int64
	EntryID  string
	Err      error
}

func (e *ReplayEntryError) Error() string {
	return fmt.Sprintf("replaying entry %d (%s): %v", e.Sequence, e.EntryID, e.Err)
}

func (e *ReplayEntryError) Unwrap() error { return e.Err }

// fatalError marks a step error as not eligible for retry.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err so the workflow engine fails the workflow instead of
// retrying the step.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// isFatal reports whether a step error must not be retried.
func isFatal(err error) bool {
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, ErrIntegrity) ||
		errors.Is(err, ErrParentNotFound) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrSnapshotIncomplete)
}
