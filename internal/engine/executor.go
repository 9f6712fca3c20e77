package engine

import (
	"context"
	"fmt"
	"time"

	"posvault/internal/model"
)

// execute drives a workflow with cooperative passes over its steps in
// sequence order. A step runs only once every dependency is COMPLETED;
// steps that are not ready wait for a later pass.
func (e *WorkflowEngine) execute(ctx context.Context, id int64) (*model.Workflow, error) {
	wf, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.Terminal() {
		return wf, nil
	}

	steps, err := e.db.ListWorkflowSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	log := withFields(e.logger, "workflow", wf.ID, "type", string(wf.Type))

	// A step left IN_PROGRESS was interrupted mid-run.
	for _, step := range steps {
		if step.Status == model.StepInProgress {
			step.Status = model.StepPending
			if err := e.db.UpdateWorkflowStep(ctx, step); err != nil {
				return nil, fmt.Errorf("resetting step: %w", err)
			}
			log.Info("reset interrupted step", "step", step.StepType)
		}
	}

	if wf.Status != model.WorkflowInProgress {
		wf.Status = model.WorkflowInProgress
		wf.UpdatedAt = e.clock.Now().UTC()
		if err := e.db.UpdateWorkflow(ctx, wf); err != nil {
			return nil, fmt.Errorf("updating workflow: %w", err)
		}
	}

	run := &stepRun{
		engine: e,
		wf:     wf,
		steps:  steps,
		log:    log,
		cache:  make(map[string]any),
		store:  context.WithoutCancel(ctx),
	}
	defer run.release()
	return run.loop(ctx)
}

// stepRun is the state of one execute call.
type stepRun struct {
	engine *WorkflowEngine
	wf     *model.Workflow
	steps  []*model.WorkflowStep
	log    Logger
	cache  map[string]any
	held   bool

	// store outlives ctx so a step that finished is recorded even when the
	// caller gave up while it ran.
	store context.Context
}

func (r *stepRun) loop(ctx context.Context) (*model.Workflow, error) {
	e := r.engine
	for {
		progressed, remaining := false, false
		for _, step := range r.steps {
			if step.Status == model.StepCompleted || step.Status == model.StepSkipped {
				continue
			}
			remaining = true
			if !r.ready(step) {
				continue
			}

			// Cancellation and context are only observed between steps.
			if stop, wf, err := r.interrupted(ctx); stop {
				return wf, err
			}

			def, ok := e.definition(step.StepType)
			if !ok {
				return e.fail(r.store, r.wf, fmt.Sprintf("unknown step type %q", step.StepType), nil)
			}

			if step.Status == model.StepFailed {
				if step.RetryCount >= r.wf.MaxRetries {
					return e.fail(r.store, r.wf, fmt.Sprintf("step %s: %s", step.StepType, maxRetriesExceeded), nil)
				}
				wait := e.backoff * time.Duration(step.RetryCount)
				r.log.Info("retrying step", "step", step.StepType, "attempt", step.RetryCount+1, "backoff", wait)
				if err := e.sleeper.Sleep(ctx, wait); err != nil {
					return r.wf, err
				}
			}

			failErr, err := r.runStep(ctx, def, step)
			if err != nil {
				return r.wf, err
			}
			progressed = true
			if failErr != nil {
				return e.fail(r.store, r.wf, failErr.Error(), failErr)
			}
		}

		if !remaining {
			return r.complete(r.store)
		}
		if !progressed {
			return e.fail(r.store, r.wf, "unresolvable step dependencies", nil)
		}
	}
}

// runStep runs one attempt of a step and persists both transitions. It
// returns a non-nil failErr when the failure ends the workflow, and err
// only when persistence itself fails.
func (r *stepRun) runStep(ctx context.Context, def StepDefinition, step *model.WorkflowStep) (failErr error, err error) {
	e := r.engine
	r.hold(def.Critical)

	step.Status = model.StepInProgress
	if err := e.db.UpdateWorkflowStep(r.store, step); err != nil {
		return nil, fmt.Errorf("updating step: %w", err)
	}
	r.log.Debug("step started", "step", step.StepType, "critical", def.Critical)

	sc := &StepContext{
		Workflow: r.wf,
		Step:     step,
		Logger:   withFields(r.log, "step", step.StepType),
		steps:    r.steps,
		cache:    r.cache,
	}
	runErr := def.Run(ctx, sc)

	if runErr == nil {
		step.Status = model.StepCompleted
		step.Error = ""
		if sc.result != nil {
			step.Data = sc.result
		}
		if err := e.db.UpdateWorkflowStep(r.store, step); err != nil {
			return nil, fmt.Errorf("updating step: %w", err)
		}
		r.log.Info("step completed", "step", step.StepType)
		return nil, nil
	}

	// A failed critical step keeps the guard: its retry, or the next
	// critical step, must not see writes that landed in between.
	step.RetryCount++
	step.Status = model.StepFailed
	step.Error = runErr.Error()
	if err := e.db.UpdateWorkflowStep(r.store, step); err != nil {
		return nil, fmt.Errorf("updating step: %w", err)
	}

	stepErr := &StepExecutionError{StepType: step.StepType, Attempt: step.RetryCount, Err: runErr}
	switch {
	case def.Fatal || isFatal(runErr):
		r.log.Error("step failed fatally", "step", step.StepType, "error", runErr)
		return stepErr, nil
	case step.RetryCount >= r.wf.MaxRetries:
		r.log.Error("step exhausted retries", "step", step.StepType, "attempts", step.RetryCount, "error", runErr)
		return fmt.Errorf("%s: %w", maxRetriesExceeded, stepErr), nil
	}
	r.log.Warn("step failed", "step", step.StepType, "attempt", step.RetryCount, "error", runErr)
	return nil, nil
}

// ready reports whether every dependency of step is COMPLETED.
func (r *stepRun) ready(step *model.WorkflowStep) bool {
	for _, dep := range step.Dependencies {
		found := false
		for _, s := range r.steps {
			if s.UUID == dep {
				found = s.Status == model.StepCompleted
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// interrupted checks for cancellation and a done context before a step.
func (r *stepRun) interrupted(ctx context.Context) (bool, *model.Workflow, error) {
	if err := ctx.Err(); err != nil {
		r.log.Info("workflow interrupted", "error", err)
		return true, r.wf, err
	}
	current, err := r.engine.db.FindWorkflow(r.store, r.wf.ID)
	if err != nil {
		return true, r.wf, fmt.Errorf("loading workflow: %w", err)
	}
	if current != nil && current.Status == model.WorkflowCancelled {
		r.log.Info("workflow cancelled, stopping")
		return true, current, nil
	}
	return false, nil, nil
}

// hold takes or drops the table guard so it is held exactly while
// critical steps run.
func (r *stepRun) hold(critical bool) {
	switch {
	case critical && !r.held:
		r.engine.guard.Lock()
		r.held = true
	case !critical && r.held:
		r.release()
	}
}

func (r *stepRun) release() {
	if r.held {
		r.engine.guard.Unlock()
		r.held = false
	}
}

func (r *stepRun) complete(ctx context.Context) (*model.Workflow, error) {
	r.release()
	e := r.engine
	current, err := e.db.FindWorkflow(ctx, r.wf.ID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if current != nil && current.Status == model.WorkflowCancelled {
		// Cancelled while the last step ran.
		return current, nil
	}
	now := e.clock.Now().UTC()
	r.wf.Status = model.WorkflowCompleted
	r.wf.Error = ""
	r.wf.UpdatedAt = now
	r.wf.CompletedAt = &now
	if err := e.db.UpdateWorkflow(ctx, r.wf); err != nil {
		return nil, fmt.Errorf("updating workflow: %w", err)
	}
	r.log.Info("workflow completed")
	e.notify(ctx, r.wf)
	return r.wf, nil
}

// fail marks wf FAILED with reason and returns a *WorkflowFailedError.
// A workflow cancelled in the meantime stays CANCELLED.
func (e *WorkflowEngine) fail(ctx context.Context, wf *model.Workflow, reason string, cause error) (*model.Workflow, error) {
	current, err := e.db.FindWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("loading workflow: %w", err)
	}
	if current != nil && current.Status == model.WorkflowCancelled {
		e.logger.Info("workflow cancelled before failure was recorded", "workflow", wf.ID, "error", reason)
		return current, nil
	}
	wf.Status = model.WorkflowFailed
	wf.Error = reason
	wf.UpdatedAt = e.clock.Now().UTC()
	if err := e.db.UpdateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("updating workflow: %w", err)
	}
	e.logger.Error("workflow failed", "workflow", wf.ID, "type", string(wf.Type), "error", reason)
	e.notify(ctx, wf)
	return wf, &WorkflowFailedError{WorkflowID: wf.ID, Reason: reason, Err: cause}
}
