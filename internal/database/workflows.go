package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"posvault/internal/engine"
	"posvault/internal/model"
)

const workflowColumns = `id, uuid, name, status, type, retry_count, max_retries, params,
	created_at, updated_at, completed_at, error`

const stepColumns = `id, uuid, workflow_id, step_type, status, sequence, dependencies, retry_count, data, error`

// CreateWorkflow stores a workflow and its steps in one transaction.
func (s *SQLiteDatabase) CreateWorkflow(ctx context.Context, wf *model.Workflow, steps []*model.WorkflowStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (uuid, name, status, type, retry_count, max_retries, params, created_at, updated_at, completed_at, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.UUID, wf.Name, string(wf.Status), string(wf.Type), wf.RetryCount, wf.MaxRetries, nullJSON(wf.Params),
		toNanos(wf.CreatedAt), toNanos(wf.UpdatedAt), nullNanos(wf.CompletedAt), wf.Error)
	if err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}
	wfID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading workflow id: %w", err)
	}

	stepIDs := make([]int64, len(steps))
	for i, step := range steps {
		deps, err := encodeStrings(step.Dependencies)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_steps (uuid, workflow_id, step_type, status, sequence, dependencies, retry_count, data, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			step.UUID, wfID, step.StepType, string(step.Status), step.Sequence, deps, step.RetryCount,
			nullJSON(step.Data), step.Error)
		if err != nil {
			return fmt.Errorf("inserting step %s: %w", step.StepType, err)
		}
		if stepIDs[i], err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading step id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	wf.ID = wfID
	for i, step := range steps {
		step.ID = stepIDs[i]
		step.WorkflowID = wfID
	}
	return nil
}

func (s *SQLiteDatabase) FindWorkflow(ctx context.Context, id int64) (*model.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding workflow: %w", err)
	}
	return wf, nil
}

func (s *SQLiteDatabase) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, retry_count = ?, updated_at = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(wf.Status), wf.RetryCount, toNanos(wf.UpdatedAt), nullNanos(wf.CompletedAt), wf.Error, wf.ID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}
	return requireOneRow(res, "workflow", fmt.Sprint(wf.ID))
}

func (s *SQLiteDatabase) ListWorkflows(ctx context.Context, limit int, statuses ...model.WorkflowStatus) ([]*model.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	order := ` ORDER BY id DESC`
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
		order = ` ORDER BY id`
	}
	query += order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var out []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) ListWorkflowSteps(ctx context.Context, workflowID int64) ([]*model.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE workflow_id = ? ORDER BY sequence`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("listing workflow steps: %w", err)
	}
	defer rows.Close()

	var out []*model.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning workflow step: %w", err)
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) UpdateWorkflowStep(ctx context.Context, step *model.WorkflowStep) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_steps SET status = ?, retry_count = ?, data = ?, error = ? WHERE id = ?`,
		string(step.Status), step.RetryCount, nullJSON(step.Data), step.Error, step.ID)
	if err != nil {
		return fmt.Errorf("updating workflow step: %w", err)
	}
	return requireOneRow(res, "workflow step", fmt.Sprint(step.ID))
}

func scanWorkflow(sc scanner) (*model.Workflow, error) {
	var (
		wf                   model.Workflow
		status, wfType       string
		params               sql.NullString
		createdAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := sc.Scan(&wf.ID, &wf.UUID, &wf.Name, &status, &wfType, &wf.RetryCount, &wf.MaxRetries, &params,
		&createdAt, &updatedAt, &completedAt, &wf.Error)
	if err != nil {
		return nil, err
	}
	wf.Status = model.WorkflowStatus(status)
	wf.Type = model.WorkflowType(wfType)
	wf.Params = rawJSON(params)
	wf.CreatedAt = fromNanos(createdAt)
	wf.UpdatedAt = fromNanos(updatedAt)
	wf.CompletedAt = timePtr(completedAt)
	return &wf, nil
}

func scanStep(sc scanner) (*model.WorkflowStep, error) {
	var (
		step   model.WorkflowStep
		status string
		deps   string
		data   sql.NullString
	)
	err := sc.Scan(&step.ID, &step.UUID, &step.WorkflowID, &step.StepType, &status, &step.Sequence, &deps,
		&step.RetryCount, &data, &step.Error)
	if err != nil {
		return nil, err
	}
	step.Status = model.StepStatus(status)
	step.Data = rawJSON(data)
	if step.Dependencies, err = decodeStrings(deps); err != nil {
		return nil, err
	}
	return &step, nil
}

// Operation history

func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string) (*engine.Operation, error) {
	started := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (operation, parameters, status, started_at) VALUES (?, ?, 'running', ?)`,
		operation, parameters, toNanos(started))
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &engine.Operation{ID: id, Operation: operation, Parameters: parameters, Status: "running", StartedAt: started}, nil
}

func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, finished_at = ? WHERE id = ?`, status, toNanos(time.Now()), id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return requireOneRow(res, "operation", fmt.Sprint(id))
}

func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]*engine.Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, operation, parameters, status, started_at, finished_at FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*engine.Operation
	for rows.Next() {
		var (
			op       engine.Operation
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.StartedAt = fromNanos(started)
		op.FinishedAt = timePtr(finished)
		out = append(out, &op)
	}
	return out, rows.Err()
}
