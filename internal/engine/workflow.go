package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"posvault/internal/model"
)

const (
	// DefaultMaxRetries bounds both step retries and workflow resumes.
	DefaultMaxRetries = 3

	// DefaultRetryBackoff is multiplied by a step's retry count before
	// each retry.
	DefaultRetryBackoff = time.Second

	maxRetriesExceeded = "Max retries exceeded"
)

// StepFunc performs one workflow step. It must be safe to run again after
// an interruption: a step found IN_PROGRESS on resume is run from scratch.
type StepFunc func(ctx context.Context, sc *StepContext) error

// StepDefinition binds a step type to its implementation.
type StepDefinition struct {
	Type string
	Run  StepFunc

	// Fatal steps fail the workflow on their first error.
	Fatal bool

	// Critical steps run while holding the table guard. Consecutive
	// critical steps share one hold.
	Critical bool
}

// StepSpec describes a step when creating a workflow. DependsOn names
// earlier step types in the same workflow.
type StepSpec struct {
	Type      string
	DependsOn []string
}

// WorkflowListener is told when a workflow reaches a terminal status.
type WorkflowListener interface {
	WorkflowFinished(ctx context.Context, wf *model.Workflow)
}

// WorkflowEngine runs persisted multi-step workflows. Every step transition
// is written before the engine moves on, so an interrupted run resumes from
// the last durably completed step.
type WorkflowEngine struct {
	db         Database
	clock      Clock
	idgen      IDGenerator
	sleeper    Sleeper
	guard      *TableGuard
	backupLock *BackupLock
	maxRetries int
	backoff    time.Duration
	logger     Logger

	mu        sync.RWMutex
	steps     map[string]StepDefinition
	listeners []WorkflowListener
}

// WorkflowEngineOptions configures a WorkflowEngine. Zero MaxRetries and
// RetryBackoff take the defaults.
type WorkflowEngineOptions struct {
	Database     Database
	Clock        Clock
	IDGenerator  IDGenerator
	Sleeper      Sleeper
	Guard        *TableGuard
	BackupLock   *BackupLock
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       Logger
}

// NewWorkflowEngine creates a WorkflowEngine with no step types registered.
func NewWorkflowEngine(opts WorkflowEngineOptions) *WorkflowEngine {
	e := &WorkflowEngine{
		db:         opts.Database,
		clock:      opts.Clock,
		idgen:      opts.IDGenerator,
		sleeper:    opts.Sleeper,
		guard:      opts.Guard,
		backupLock: opts.BackupLock,
		maxRetries: opts.MaxRetries,
		backoff:    opts.RetryBackoff,
		logger:     opts.Logger,
		steps:      make(map[string]StepDefinition),
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.backoff <= 0 {
		e.backoff = DefaultRetryBackoff
	}
	if e.sleeper == nil {
		e.sleeper = RealSleeper{}
	}
	if e.guard == nil {
		e.guard = &TableGuard{}
	}
	if e.backupLock == nil {
		e.backupLock = &BackupLock{}
	}
	return e
}

// Register adds a step type. Registering a type twice replaces it.
func (e *WorkflowEngine) Register(defs ...StepDefinition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range defs {
		e.steps[d.Type] = d
	}
}

// AddListener subscribes l to terminal workflow events.
func (e *WorkflowEngine) AddListener(l WorkflowListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *WorkflowEngine) definition(stepType string) (StepDefinition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.steps[stepType]
	return d, ok
}

// CreateWorkflow persists a new PENDING workflow and its steps.
// A maxRetries of zero takes the engine default.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, name string, wfType model.WorkflowType, params any, specs []StepSpec, maxRetries int) (*model.Workflow, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("creating workflow: no steps")
	}
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding workflow params: %w", err)
		}
		rawParams = b
	}

	now := e.clock.Now().UTC()
	wf := &model.Workflow{
		UUID:       e.idgen.New(),
		Name:       name,
		Status:     model.WorkflowPending,
		Type:       wfType,
		MaxRetries: maxRetries,
		Params:     rawParams,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	byType := make(map[string]string, len(specs))
	steps := make([]*model.WorkflowStep, 0, len(specs))
	for i, spec := range specs {
		if _, ok := e.definition(spec.Type); !ok {
			return nil, fmt.Errorf("creating workflow: unknown step type %q", spec.Type)
		}
		if _, dup := byType[spec.Type]; dup {
			return nil, fmt.Errorf("creating workflow: duplicate step type %q", spec.Type)
		}
		step := &model.WorkflowStep{
			UUID:     e.idgen.New(),
			StepType: spec.Type,
			Status:   model.StepPending,
			Sequence: i + 1,
		}
		for _, dep := range spec.DependsOn {
			id, ok := byType[dep]
			if !ok {
				return nil, fmt.Errorf("creating workflow: step %q depends on unknown step %q", spec.Type, dep)
			}
			step.Dependencies = append(step.Dependencies, id)
		}
		byType[spec.Type] = step.UUID
		steps = append(steps, step)
	}

	if err := e.db.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, fmt.Errorf("creating workflow: %w", err)
	}
	e.logger.Info("workflow created", "workflow", wf.ID, "type", string(wfType), "steps", len(steps))
	return wf, nil
}

// Start creates a workflow and runs it to a terminal status. BACKUP
// workflows take the backup lock first, so a contended backup leaves no
// record behind.
func (e *WorkflowEngine) Start(ctx context.Context, name string, wfType model.WorkflowType, params any, specs []StepSpec, maxRetries int) (*model.Workflow, error) {
	if wfType == model.WorkflowBackup {
		if err := e.backupLock.TryAcquire(); err != nil {
			return nil, err
		}
		defer e.backupLock.Release()
	}
	wf, err := e.CreateWorkflow(ctx, name, wfType, params, specs, maxRetries)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, wf.ID)
}

// Execute runs a persisted workflow until it reaches a terminal status, the
// context is done, or it is cancelled. A workflow that ends FAILED returns a
// *WorkflowFailedError alongside the final record.
func (e *WorkflowEngine) Execute(ctx context.Context, id int64) (*model.Workflow, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Type == model.WorkflowBackup {
		if err := e.backupLock.TryAcquire(); err != nil {
			return wf, err
		}
		defer e.backupLock.Release()
	}
	return e.execute(ctx, id)
}

// ResumeUnfinished picks up every PENDING or IN_PROGRESS workflow left by an
// earlier process. Workflows with retries left are re-executed; the rest are
// marked FAILED. It returns the workflows it touched in their final state.
func (e *WorkflowEngine) ResumeUnfinished(ctx context.Context) ([]*model.Workflow, error) {
	unfinished, err := e.db.ListWorkflows(ctx, 0, model.WorkflowPending, model.WorkflowInProgress)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished workflows: %w", err)
	}

	var out []*model.Workflow
	for _, wf := range unfinished {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		log := withFields(e.logger, "workflow", wf.ID, "type", string(wf.Type))

		if wf.RetryCount >= wf.MaxRetries {
			failed, err := e.fail(ctx, wf, maxRetriesExceeded, nil)
			if err != nil && !isWorkflowFailed(err) {
				return out, err
			}
			log.Warn("workflow abandoned", "retries", wf.RetryCount)
			out = append(out, failed)
			continue
		}

		if wf.Type == model.WorkflowBackup {
			if err := e.backupLock.TryAcquire(); err != nil {
				log.Info("backup lock held, leaving workflow for later")
				continue
			}
		}

		wf.RetryCount++
		wf.Status = model.WorkflowInProgress
		wf.UpdatedAt = e.clock.Now().UTC()
		if err := e.db.UpdateWorkflow(ctx, wf); err != nil {
			if wf.Type == model.WorkflowBackup {
				e.backupLock.Release()
			}
			return out, fmt.Errorf("updating workflow: %w", err)
		}
		log.Info("resuming workflow", "attempt", wf.RetryCount)

		final, err := e.execute(ctx, wf.ID)
		if wf.Type == model.WorkflowBackup {
			e.backupLock.Release()
		}
		if err != nil && !isWorkflowFailed(err) {
			return out, err
		}
		out = append(out, final)
	}
	return out, nil
}

// Cancel marks a non-terminal workflow CANCELLED. A step already running
// finishes; nothing after it starts.
func (e *WorkflowEngine) Cancel(ctx context.Context, id int64) (*model.Workflow, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return wf, fmt.Errorf("workflow %d is already %s", id, wf.Status)
	}

	steps, err := e.db.ListWorkflowSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	for _, step := range steps {
		if step.Status == model.StepPending || step.Status == model.StepFailed {
			step.Status = model.StepSkipped
			if err := e.db.UpdateWorkflowStep(ctx, step); err != nil {
				return nil, fmt.Errorf("updating step: %w", err)
			}
		}
	}

	wf.Status = model.WorkflowCancelled
	wf.UpdatedAt = e.clock.Now().UTC()
	if err := e.db.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("updating workflow: %w", err)
	}
	e.logger.Info("workflow cancelled", "workflow", id)
	e.notify(ctx, wf)
	return wf, nil
}

// Get returns a workflow or ErrWorkflowNotFound.
func (e *WorkflowEngine) Get(ctx context.Context, id int64) (*model.Workflow, error) {
	wf, err := e.db.FindWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if wf == nil {
		return nil, fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// Steps returns a workflow's steps in sequence order.
func (e *WorkflowEngine) Steps(ctx context.Context, id int64) ([]*model.WorkflowStep, error) {
	if _, err := e.Get(ctx, id); err != nil {
		return nil, err
	}
	steps, err := e.db.ListWorkflowSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	return steps, nil
}

// List returns recent workflows, newest first.
func (e *WorkflowEngine) List(ctx context.Context, limit int) ([]*model.Workflow, error) {
	list, err := e.db.ListWorkflows(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return list, nil
}

func (e *WorkflowEngine) notify(ctx context.Context, wf *model.Workflow) {
	e.mu.RLock()
	listeners := append([]WorkflowListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range listeners {
		l.WorkflowFinished(ctx, wf)
	}
}

func isWorkflowFailed(err error) bool {
	var wfErr *WorkflowFailedError
	return errors.As(err, &wfErr)
}

// StepContext is handed to a running step.
type StepContext struct {
	Workflow *model.Workflow
	Step     *model.WorkflowStep
	Logger   Logger

	steps  []*model.WorkflowStep
	cache  map[string]any
	result json.RawMessage
}

// Params decodes the workflow's creation parameters into v.
func (sc *StepContext) Params(v any) error {
	if len(sc.Workflow.Params) == 0 {
		return fmt.Errorf("workflow %d has no params", sc.Workflow.ID)
	}
	if err := json.Unmarshal(sc.Workflow.Params, v); err != nil {
		return fmt.Errorf("decoding workflow params: %w", err)
	}
	return nil
}

// Output decodes the stored result of a completed step of this workflow.
func (sc *StepContext) Output(stepType string, v any) error {
	for _, s := range sc.steps {
		if s.StepType != stepType {
			continue
		}
		if s.Status != model.StepCompleted {
			return fmt.Errorf("step %s has not completed", stepType)
		}
		if err := s.UnmarshalData(v); err != nil {
			return fmt.Errorf("decoding %s output: %w", stepType, err)
		}
		return nil
	}
	return fmt.Errorf("workflow has no %s step", stepType)
}

// SetResult records v as the step's output. It is persisted with the
// COMPLETED transition.
func (sc *StepContext) SetResult(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding step result: %w", err)
	}
	sc.result = b
	return nil
}

// Cached returns a value stored by an earlier step of the same run. The
// cache lives only as long as one Execute call; persisted state is the
// source of truth.
func (sc *StepContext) Cached(key string) (any, bool) {
	v, ok := sc.cache[key]
	return v, ok
}

// Cache stores a value for later steps of the same run.
func (sc *StepContext) Cache(key string, v any) {
	sc.cache[key] = v
}
