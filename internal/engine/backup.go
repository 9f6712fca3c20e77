package engine

import (
	"context"
	"fmt"

	"posvault/internal/model"
)

// Backup step types.
const (
	StepBackupPrepare = "backup.prepare"
	StepBackupCapture = "backup.capture"
	StepBackupCommit  = "backup.commit"
)

var backupPlan = []StepSpec{
	{Type: StepBackupPrepare},
	{Type: StepBackupCapture, DependsOn: []string{StepBackupPrepare}},
	{Type: StepBackupCommit, DependsOn: []string{StepBackupCapture}},
}

func (s *Service) backupSteps() []StepDefinition {
	return []StepDefinition{
		{Type: StepBackupPrepare, Run: s.prepareBackup},
		{Type: StepBackupCapture, Run: s.captureBackup, Critical: true},
		{Type: StepBackupCommit, Run: s.commitBackup},
	}
}

// CreateBackup builds a snapshot as a BACKUP workflow. A second call while
// one is running fails fast with ErrLockContention.
func (s *Service) CreateBackup(ctx context.Context, req BuildRequest) (*model.SnapshotMetadata, error) {
	if req.UUID == "" {
		req.UUID = s.idgen.New()
	}
	if req.Name == "" {
		req.Name = "backup " + s.clock.Now().UTC().Format("2006-01-02 15:04:05")
	}
	if _, err := resolveType(req); err != nil {
		return nil, err
	}

	wf, err := s.workflows.Start(ctx, "backup "+req.Name, model.WorkflowBackup, req, backupPlan, s.maxRetries)
	if err != nil {
		return nil, err
	}
	if wf.Status != model.WorkflowCompleted {
		return nil, fmt.Errorf("backup workflow %d ended %s", wf.ID, wf.Status)
	}
	return s.snapshots.Metadata(ctx, req.UUID)
}

func (s *Service) prepareBackup(ctx context.Context, sc *StepContext) error {
	var req BuildRequest
	if err := sc.Params(&req); err != nil {
		return Fatal(err)
	}
	if _, err := resolveType(req); err != nil {
		return Fatal(err)
	}
	if req.ParentUUID != "" {
		parent, err := s.builder.usableSnapshot(ctx, req.ParentUUID)
		if err != nil {
			return err
		}
		sc.Logger.Debug("parent resolved", "parent", parent.UUID, "parent_type", string(parent.SnapshotType))
	}
	return sc.SetResult(req)
}

func (s *Service) captureBackup(ctx context.Context, sc *StepContext) error {
	var req BuildRequest
	if err := sc.Output(StepBackupPrepare, &req); err != nil {
		return err
	}
	md, err := s.builder.Capture(ctx, req)
	if err != nil {
		return err
	}
	return sc.SetResult(md)
}

func (s *Service) commitBackup(ctx context.Context, sc *StepContext) error {
	var md model.SnapshotMetadata
	if err := sc.Output(StepBackupCapture, &md); err != nil {
		return err
	}
	if err := s.builder.Commit(ctx, md.UUID); err != nil {
		return err
	}
	committed, err := s.snapshots.Metadata(ctx, md.UUID)
	if err != nil {
		return err
	}
	return sc.SetResult(committed)
}
