package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"posvault/internal/engine"
	"posvault/internal/model"
	"posvault/internal/testutil"
)

// counter tracks how often each step type ran.
type counter struct {
	mu   sync.Mutex
	runs map[string]int
}

func (c *counter) inc(step string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs == nil {
		c.runs = make(map[string]int)
	}
	c.runs[step]++
	return c.runs[step]
}

func (c *counter) get(step string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[step]
}

var chain = []engine.StepSpec{
	{Type: "test.a"},
	{Type: "test.b", DependsOn: []string{"test.a"}},
	{Type: "test.c", DependsOn: []string{"test.b"}},
}

func register(wfe *engine.WorkflowEngine, c *counter, override map[string]engine.StepFunc) {
	for _, spec := range chain {
		stepType := spec.Type
		run := override[stepType]
		if run == nil {
			run = func(context.Context, *engine.StepContext) error {
				c.inc(stepType)
				return nil
			}
		}
		wfe.Register(engine.StepDefinition{Type: stepType, Run: run})
	}
}

func TestWorkflow_RunsStepsInDependencyOrder(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	var order []string
	for _, spec := range chain {
		stepType := spec.Type
		wfe.Register(engine.StepDefinition{Type: stepType, Run: func(_ context.Context, sc *engine.StepContext) error {
			order = append(order, stepType)
			return sc.SetResult(map[string]string{"ran": stepType})
		}})
	}

	// declared out of order; dependencies still decide
	specs := []engine.StepSpec{
		{Type: "test.a"},
		{Type: "test.c", DependsOn: []string{"test.a"}},
		{Type: "test.b", DependsOn: []string{"test.a"}},
	}
	wf, err := wfe.Start(context.Background(), "ordered", model.WorkflowReplay, map[string]int{"n": 1}, specs, 0)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != model.WorkflowCompleted || wf.CompletedAt == nil {
		t.Fatalf("workflow = %+v", wf)
	}
	if strings.Join(order, ",") != "test.a,test.c,test.b" {
		t.Errorf("order = %v", order)
	}

	steps, err := wfe.Steps(context.Background(), wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Status != model.StepCompleted || len(s.Data) == 0 {
			t.Errorf("step %s = %s data %s", s.StepType, s.Status, s.Data)
		}
	}
}

func TestWorkflow_CreateRejectsBadPlans(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	register(wfe, &counter{}, nil)
	ctx := context.Background()

	plans := map[string][]engine.StepSpec{
		"no steps":           nil,
		"unknown type":       {{Type: "test.zzz"}},
		"duplicate":          {{Type: "test.a"}, {Type: "test.a"}},
		"forward dependency": {{Type: "test.b", DependsOn: []string{"test.a"}}, {Type: "test.a"}},
	}
	for name, plan := range plans {
		t.Run(name, func(t *testing.T) {
			if _, err := wfe.CreateWorkflow(ctx, name, model.WorkflowReplay, nil, plan, 0); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWorkflow_RetriesWithLinearBackoff(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	c := &counter{}
	register(wfe, c, map[string]engine.StepFunc{
		"test.b": func(context.Context, *engine.StepContext) error {
			if c.inc("test.b") < 3 {
				return errors.New("printer offline")
			}
			return nil
		},
	})

	wf, err := wfe.Start(context.Background(), "flaky", model.WorkflowReplay, nil, chain, 3)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != model.WorkflowCompleted {
		t.Fatalf("status = %s (%s)", wf.Status, wf.Error)
	}
	if c.get("test.b") != 3 || c.get("test.c") != 1 {
		t.Errorf("runs = %v", c.runs)
	}
	got := env.Sleeper.Sleeps()
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sleeps = %v, want %v", got, want)
	}

	steps, _ := wfe.Steps(context.Background(), wf.ID)
	if steps[1].RetryCount != 2 || steps[1].Error != "" {
		t.Errorf("step b = retries %d error %q", steps[1].RetryCount, steps[1].Error)
	}
}

func TestWorkflow_FailsAfterMaxRetries(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	c := &counter{}
	register(wfe, c, map[string]engine.StepFunc{
		"test.b": func(context.Context, *engine.StepContext) error {
			c.inc("test.b")
			return errors.New("printer offline")
		},
	})

	wf, err := wfe.Start(context.Background(), "broken", model.WorkflowReplay, nil, chain, 3)
	var wfErr *engine.WorkflowFailedError
	if !errors.As(err, &wfErr) {
		t.Fatalf("err = %v, want *WorkflowFailedError", err)
	}
	var stepErr *engine.StepExecutionError
	if !errors.As(err, &stepErr) || stepErr.StepType != "test.b" || stepErr.Attempt != 3 {
		t.Errorf("step error = %+v", stepErr)
	}
	if wf.Status != model.WorkflowFailed || !strings.Contains(wf.Error, "Max retries exceeded") {
		t.Errorf("workflow = %s %q", wf.Status, wf.Error)
	}
	if c.get("test.b") != 3 || c.get("test.c") != 0 {
		t.Errorf("runs = %v", c.runs)
	}
}

func TestWorkflow_FatalErrorsAreNotRetried(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	c := &counter{}
	register(wfe, c, map[string]engine.StepFunc{
		"test.a": func(context.Context, *engine.StepContext) error {
			c.inc("test.a")
			return engine.Fatal(errors.New("bad params"))
		},
	})

	wf, err := wfe.Start(context.Background(), "fatal", model.WorkflowReplay, nil, chain, 3)
	if err == nil || wf.Status != model.WorkflowFailed {
		t.Fatalf("Start() = %v, %v", wf, err)
	}
	if c.get("test.a") != 1 || len(env.Sleeper.Sleeps()) != 0 {
		t.Errorf("fatal step was retried: %v, sleeps %v", c.runs, env.Sleeper.Sleeps())
	}
}

func TestWorkflow_ResumesAfterInterruption(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	first := &counter{}
	register(env.Service.Workflows(), first, map[string]engine.StepFunc{
		"test.b": func(context.Context, *engine.StepContext) error {
			first.inc("test.b")
			cancel() // the process dies right after b
			return nil
		},
	})

	wf, err := env.Service.Workflows().Start(ctx, "interrupted", model.WorkflowReplay, nil, chain, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() err = %v, want context.Canceled", err)
	}
	if wf.Status != model.WorkflowInProgress {
		t.Fatalf("status = %s", wf.Status)
	}

	// crash mid-step: c was already marked running
	steps, err := env.DB.ListWorkflowSteps(context.Background(), wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	steps[2].Status = model.StepInProgress
	if err := env.DB.UpdateWorkflowStep(context.Background(), steps[2]); err != nil {
		t.Fatal(err)
	}

	restarted := env.Reopen(t, "r")
	second := &counter{}
	register(restarted.Workflows(), second, nil)

	resumed, err := restarted.ResumeUnfinished(context.Background())
	if err != nil {
		t.Fatalf("ResumeUnfinished() error = %v", err)
	}
	if len(resumed) != 1 || resumed[0].Status != model.WorkflowCompleted || resumed[0].RetryCount != 1 {
		t.Fatalf("resumed = %+v", resumed)
	}
	if first.get("test.a") != 1 || first.get("test.b") != 1 {
		t.Errorf("first run = %v", first.runs)
	}
	if second.get("test.a") != 0 || second.get("test.b") != 0 || second.get("test.c") != 1 {
		t.Errorf("completed steps re-ran after resume: %v", second.runs)
	}
}

func TestWorkflow_ResumeGivesUpAfterMaxRetries(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	register(wfe, &counter{}, nil)
	ctx := context.Background()

	wf, err := wfe.CreateWorkflow(ctx, "stuck", model.WorkflowReplay, nil, chain, 2)
	if err != nil {
		t.Fatal(err)
	}
	wf.Status = model.WorkflowInProgress
	wf.RetryCount = 2
	if err := env.DB.UpdateWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}

	resumed, err := env.Service.ResumeUnfinished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 1 || resumed[0].Status != model.WorkflowFailed || resumed[0].Error != "Max retries exceeded" {
		t.Fatalf("resumed = %+v", resumed)
	}
}

func TestWorkflow_Cancel(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	c := &counter{}
	register(svc.Workflows(), c, map[string]engine.StepFunc{
		"test.a": func(ctx context.Context, sc *engine.StepContext) error {
			c.inc("test.a")
			_, err := svc.CancelWorkflow(ctx, sc.Workflow.ID)
			return err
		},
	})
	ctx := context.Background()

	wf, err := svc.Workflows().Start(ctx, "cancel me", model.WorkflowReplay, nil, chain, 3)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != model.WorkflowCancelled {
		t.Fatalf("status = %s", wf.Status)
	}
	if c.get("test.a") != 1 || c.get("test.b") != 0 {
		t.Errorf("runs = %v", c.runs)
	}

	steps, _ := svc.WorkflowSteps(ctx, wf.ID)
	if steps[0].Status != model.StepCompleted || steps[1].Status != model.StepSkipped || steps[2].Status != model.StepSkipped {
		t.Errorf("steps = %s %s %s", steps[0].Status, steps[1].Status, steps[2].Status)
	}

	if _, err := svc.CancelWorkflow(ctx, wf.ID); err == nil {
		t.Error("cancelling a terminal workflow should fail")
	}
	if _, err := svc.CancelWorkflow(ctx, 9999); !errors.Is(err, engine.ErrWorkflowNotFound) {
		t.Errorf("unknown workflow err = %v", err)
	}
}

func TestWorkflow_CancelDuringLastStepStaysCancelled(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	register(svc.Workflows(), &counter{}, map[string]engine.StepFunc{
		"test.c": func(ctx context.Context, sc *engine.StepContext) error {
			_, err := svc.CancelWorkflow(ctx, sc.Workflow.ID)
			return err
		},
	})

	wf, err := svc.Workflows().Start(context.Background(), "late cancel", model.WorkflowReplay, nil, chain, 3)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != model.WorkflowCancelled {
		t.Errorf("status = %s, want CANCELLED", wf.Status)
	}
}

type recordingListener struct {
	mu  sync.Mutex
	got []model.WorkflowStatus
}

func (l *recordingListener) WorkflowFinished(_ context.Context, wf *model.Workflow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, wf.Status)
}

func TestWorkflow_NotifiesListeners(t *testing.T) {
	env := testutil.NewEnv(t)
	wfe := env.Service.Workflows()
	l := &recordingListener{}
	wfe.AddListener(l)
	register(wfe, &counter{}, map[string]engine.StepFunc{
		"test.c": func(context.Context, *engine.StepContext) error { return engine.Fatal(errors.New("boom")) },
	})

	wfe.Start(context.Background(), "ok", model.WorkflowReplay, nil, chain[:2], 0)
	wfe.Start(context.Background(), "fails", model.WorkflowReplay, nil, chain, 0)

	if len(l.got) != 2 || l.got[0] != model.WorkflowCompleted || l.got[1] != model.WorkflowFailed {
		t.Errorf("listener saw %v", l.got)
	}
}

// A step that finishes after the caller's context is done is still
// recorded COMPLETED, so a later resume does not run it again.
func TestWorkflow_StepFinishedAfterContextDoneIsRecorded(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	c := &counter{}
	register(env.Service.Workflows(), c, map[string]engine.StepFunc{
		"test.a": func(context.Context, *engine.StepContext) error {
			c.inc("test.a")
			cancel()
			return nil
		},
	})

	wf, err := env.Service.Workflows().Start(ctx, "ctrl-c", model.WorkflowReplay, nil, chain, 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Start() err = %v, want context.Canceled", err)
	}
	steps, err := env.DB.ListWorkflowSteps(context.Background(), wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Status != model.StepCompleted || steps[1].Status != model.StepPending {
		t.Fatalf("steps = %s %s, want COMPLETED PENDING", steps[0].Status, steps[1].Status)
	}

	resumed, err := env.Service.ResumeUnfinished(context.Background())
	if err != nil {
		t.Fatalf("ResumeUnfinished() error = %v", err)
	}
	if len(resumed) != 1 || resumed[0].Status != model.WorkflowCompleted {
		t.Fatalf("resumed = %+v", resumed)
	}
	if c.get("test.a") != 1 || c.get("test.b") != 1 || c.get("test.c") != 1 {
		t.Errorf("runs = %v, want each step once", c.runs)
	}
}

func TestWorkflow_CancelDuringFailingStepStaysCancelled(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	register(svc.Workflows(), &counter{}, map[string]engine.StepFunc{
		"test.b": func(ctx context.Context, sc *engine.StepContext) error {
			if _, err := svc.CancelWorkflow(ctx, sc.Workflow.ID); err != nil {
				return err
			}
			return engine.Fatal(errors.New("register offline"))
		},
	})

	wf, err := svc.Workflows().Start(context.Background(), "cancel then fail", model.WorkflowReplay, nil, chain, 3)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if wf.Status != model.WorkflowCancelled {
		t.Errorf("returned status = %s, want CANCELLED", wf.Status)
	}
	stored, err := svc.Workflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != model.WorkflowCancelled {
		t.Errorf("stored status = %s (%q), want CANCELLED", stored.Status, stored.Error)
	}
}

// guardSleeper tries a table write during each backoff and reports whether
// it got through before the workflow moved on.
type guardSleeper struct {
	svc     *engine.Service
	t       *testing.T
	written chan error
}

func (s *guardSleeper) Sleep(ctx context.Context, _ time.Duration) error {
	go func() {
		_, err := s.svc.Record(context.Background(), engine.Mutation{
			Action: model.ActionCreate,
			Table:  model.TableProducts,
			Data:   testutil.Product(s.t, "p9", "Late", 1),
		})
		s.written <- err
	}()
	select {
	case err := <-s.written:
		s.t.Errorf("write landed while a critical step was failing (err = %v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	return ctx.Err()
}

func TestWorkflow_FailedCriticalStepKeepsTableGuard(t *testing.T) {
	sleeper := &guardSleeper{t: t, written: make(chan error, 1)}
	env := testutil.NewEnv(t, func(o *engine.Options) { o.Sleeper = sleeper })
	sleeper.svc = env.Service
	wfe := env.Service.Workflows()

	attempts := 0
	var productsAtB int64 = -1
	wfe.Register(
		engine.StepDefinition{Type: "guard.load", Critical: true, Run: func(context.Context, *engine.StepContext) error {
			attempts++
			if attempts == 1 {
				return errors.New("disk busy")
			}
			return nil
		}},
		engine.StepDefinition{Type: "guard.replay", Critical: true, Run: func(ctx context.Context, _ *engine.StepContext) error {
			n, err := env.Tables.Count(ctx, model.TableProducts)
			productsAtB = n
			return err
		}},
	)
	plan := []engine.StepSpec{
		{Type: "guard.load"},
		{Type: "guard.replay", DependsOn: []string{"guard.load"}},
	}

	wf, err := wfe.Start(context.Background(), "critical retry", model.WorkflowRestore, nil, plan, 3)
	if err != nil || wf.Status != model.WorkflowCompleted {
		t.Fatalf("Start() = %v, %v", wf, err)
	}
	if productsAtB != 0 {
		t.Errorf("critical run saw %d products, want the write held back", productsAtB)
	}
	select {
	case err := <-sleeper.written:
		if err != nil {
			t.Errorf("held-back write failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("held-back write never completed")
	}
}
