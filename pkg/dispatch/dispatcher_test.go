package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *stores.MemoryStore
	registry *Registry
	push     *push.Push
	deps     Deps
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := stores.NewMemoryStore()
	return &fixture{
		store:    store,
		registry: NewRegistry(),
		push:     testPush(t.TempDir()),
		deps:     Deps{Store: store, Logger: zerolog.Nop()},
		opts:     Options{LogDir: t.TempDir(), CancelPollInterval: 10 * time.Millisecond},
	}
}

func testPush(projectDir string) *push.Push {
	return &push.Push{
		Workspace:     "T123",
		Owner:         "acme",
		Repo:          "web",
		Branch:        "main",
		DefaultBranch: "main",
		Sha:           "abc123",
		ProjectDir:    projectDir,
		CorrelationID: "corr-1",
	}
}

func (f *fixture) register(t *testing.T, name string, e Executor) {
	t.Helper()
	if err := f.registry.Register(&Implementation{Name: name, Executor: e}); err != nil {
		t.Fatalf("Failed to register %s: %v", name, err)
	}
}

func (f *fixture) dispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d, err := New(f.registry, f.deps, f.opts)
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	return d
}

// seed stores a goal set holding one requested goal per name.
func (f *fixture) seed(t *testing.T, setID string, defs ...goal.Definition) []*goal.Instance {
	t.Helper()
	set := &goal.Set{
		ID:        setID,
		Name:      "build",
		Workspace: f.push.Workspace,
		Owner:     f.push.Owner,
		Repo:      f.push.Repo,
		Branch:    f.push.Branch,
		Sha:       f.push.Sha,
		CreatedAt: base,
	}
	goals := make([]*goal.Instance, 0, len(defs))
	for _, def := range defs {
		goals = append(goals, &goal.Instance{
			ID:         setID + "-" + def.Name,
			GoalSetID:  setID,
			GoalSet:    set.Name,
			Definition: def,
			Workspace:  set.Workspace,
			Owner:      set.Owner,
			Repo:       set.Repo,
			Branch:     set.Branch,
			Sha:        set.Sha,
			State:      goal.StateRequested,
			Provenance: []goal.Provenance{{Actor: "test", Timestamp: base, State: goal.StateRequested}},
			Ts:         base,
		})
	}
	if err := f.store.CreateGoalSet(context.Background(), set, goals); err != nil {
		t.Fatalf("Failed to create goal set: %v", err)
	}
	return goals
}

func script(command string) Executor {
	return &ScriptExecutor{Spec: goalset.ScriptSpec{Command: command}}
}

func TestDispatch_ScriptOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    goal.State
	}{
		{name: "exit zero", command: "echo compiled", want: goal.StateSuccess},
		{name: "exit non-zero", command: "echo broken; exit 3", want: goal.StateFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, "compile", script(tt.command))
			goals := f.seed(t, "gs1", goal.Definition{Name: "compile"})

			got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
			if err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if got.State != tt.want {
				t.Errorf("Expected state %s, got: %s", tt.want, got.State)
			}
			if got.Fulfillment.Name != "compile" || got.Fulfillment.Method != goal.ModeInProcess {
				t.Errorf("Expected in_process fulfillment by compile, got: %+v", got.Fulfillment)
			}
			if !strings.HasPrefix(got.URL, "file://") {
				t.Errorf("Expected a file log URL, got: %q", got.URL)
			}

			var states []goal.State
			for _, p := range got.Provenance {
				states = append(states, p.State)
			}
			want := []goal.State{goal.StateRequested, goal.StateInProcess, tt.want}
			if fmt.Sprint(states) != fmt.Sprint(want) {
				t.Errorf("Expected provenance %v, got: %v", want, states)
			}
		})
	}
}

func TestDispatch_FailureDescription(t *testing.T) {
	f := newFixture(t)
	f.opts.TailLines = 2
	f.register(t, "test", script("echo one; echo two; echo three; exit 1"))
	goals := f.seed(t, "gs1", goal.Definition{Name: "test", DisplayName: "Test", RetryFeasible: true})

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateFailure {
		t.Fatalf("Expected failure, got: %s", got.State)
	}

	desc := got.Description
	for _, want := range []string{
		"Failed: Test: exited with code 1",
		"three",
		"Log: " + got.URL,
		"Retry: goalflow retry gs1-test",
	} {
		if !strings.Contains(desc, want) {
			t.Errorf("Expected description to contain %q, got:\n%s", want, desc)
		}
	}
	if strings.Contains(desc, "\none") {
		t.Errorf("Expected only the last two log lines, got:\n%s", desc)
	}
	if got.Error == "" {
		t.Error("Expected the failure to be recorded in Error")
	}
}

func TestDispatch_RequireApproval(t *testing.T) {
	f := newFixture(t)
	makers := DefaultMakers()
	gate, err := makers["approval-gate"](map[string]string{"message": "Ship it?"})
	if err != nil {
		t.Fatalf("Failed to make approval gate: %v", err)
	}
	f.register(t, "deploy", ExecutorFunc(func(ctx context.Context, inv *Invocation) (Result, error) {
		res, err := gate.Execute(ctx, inv)
		res.TargetURL = "https://staging.example.com"
		return res, err
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "deploy"})

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateWaitingForApproval {
		t.Fatalf("Expected waiting_for_approval, got: %s", got.State)
	}
	if got.Description != "Ship it?" {
		t.Errorf("Expected the gate message as description, got: %q", got.Description)
	}
	if len(got.ExternalURLs) != 1 || got.ExternalURLs[0] != "https://staging.example.com" {
		t.Errorf("Expected the target URL to be recorded, got: %v", got.ExternalURLs)
	}
}

func TestDispatch_PreApproval(t *testing.T) {
	f := newFixture(t)
	ran := 0
	f.register(t, "release", ExecutorFunc(func(context.Context, *Invocation) (Result, error) {
		ran++
		return Result{}, nil
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "release", PreApprovalRequired: true})
	d := f.dispatcher(t)
	ctx := context.Background()

	got, err := d.Dispatch(ctx, goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateWaitingForPreApproval || ran != 0 {
		t.Fatalf("Expected the goal to wait for pre-approval without running, got: %s (ran %d)", got.State, ran)
	}

	approved, err := goal.Approve(got, goal.Change{Actor: "user:alice"})
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if _, err := f.store.SaveGoal(ctx, approved); err != nil {
		t.Fatalf("Failed to save approval: %v", err)
	}

	got, err = d.Dispatch(ctx, goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateSuccess || ran != 1 {
		t.Errorf("Expected the approved goal to run once and succeed, got: %s (ran %d)", got.State, ran)
	}
	if got.PreApproval == nil || got.PreApproval.Actor != "user:alice" {
		t.Errorf("Expected the pre-approval to be kept, got: %+v", got.PreApproval)
	}
}

func TestDispatch_ClaimRejectsConcurrentRequest(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	f.register(t, "build", ExecutorFunc(func(context.Context, *Invocation) (Result, error) {
		once.Do(func() { close(started) })
		<-unblock
		return Result{}, nil
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "build"})
	d := f.dispatcher(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var first *goal.Instance
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = d.Dispatch(ctx, goals[0].ID, f.push)
	}()
	<-started

	// A second goal set for the same commit must not run the goal again.
	dup := f.seed(t, "gs2", goal.Definition{Name: "build"})
	if _, err := d.Dispatch(ctx, dup[0].ID, f.push); !errors.Is(err, ErrClaimed) {
		t.Errorf("Expected ErrClaimed, got: %v", err)
	}

	close(unblock)
	wg.Wait()
	if firstErr != nil || first.State != goal.StateSuccess {
		t.Fatalf("Expected first dispatch to succeed, got: %v (%v)", first, firstErr)
	}

	// The claim is released once the goal finished.
	got, err := d.Dispatch(ctx, dup[0].ID, f.push)
	if err != nil || got.State != goal.StateSuccess {
		t.Errorf("Expected the released claim to allow dispatch, got: %v (%v)", got, err)
	}
}

func TestDispatch_LeaseHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.opts.Lease = true
	f.register(t, "build", ImmaterialExecutor{})
	goals := f.seed(t, "gs1", goal.Definition{Name: "build"})
	ctx := context.Background()

	key := "claim/" + claimKey(goals[0])
	if ok, err := f.store.AcquireLease(ctx, key, "other-process", time.Minute); err != nil || !ok {
		t.Fatalf("Failed to take lease: %v", err)
	}

	d := f.dispatcher(t)
	if _, err := d.Dispatch(ctx, goals[0].ID, f.push); !errors.Is(err, ErrClaimed) {
		t.Fatalf("Expected ErrClaimed, got: %v", err)
	}

	if err := f.store.ReleaseLease(ctx, key, "other-process"); err != nil {
		t.Fatalf("Failed to release lease: %v", err)
	}
	got, err := d.Dispatch(ctx, goals[0].ID, f.push)
	if err != nil || got.State != goal.StateSuccess {
		t.Errorf("Expected dispatch to succeed after release, got: %v (%v)", got, err)
	}
}

func TestDispatch_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	f.register(t, "flaky", ExecutorFunc(func(context.Context, *Invocation) (Result, error) {
		panic("boom")
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "flaky"})

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Expected the panic to be recovered, got: %v", err)
	}
	if got.State != goal.StateFailure {
		t.Fatalf("Expected failure, got: %s", got.State)
	}
	if !strings.Contains(got.Error, "boom") {
		t.Errorf("Expected the panic value in the error, got: %q", got.Error)
	}
}

func TestDispatch_NoImplementation(t *testing.T) {
	f := newFixture(t)
	goals := f.seed(t, "gs1", goal.Definition{Name: "orphan"})

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateFailure {
		t.Errorf("Expected failure, got: %s", got.State)
	}
	if !strings.Contains(got.Error, "no implementation") {
		t.Errorf("Expected a missing implementation error, got: %q", got.Error)
	}
}

func TestDispatch_ImplementationTest(t *testing.T) {
	f := newFixture(t)
	err := f.registry.Register(&Implementation{
		Name:     "publish",
		Executor: ImmaterialExecutor{},
		Test:     push.Not(push.ToDefaultBranch()),
	})
	if err != nil {
		t.Fatalf("Failed to register: %v", err)
	}
	goals := f.seed(t, "gs1", goal.Definition{Name: "publish"})

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateFailure || !strings.Contains(got.Error, "does not apply") {
		t.Errorf("Expected failure for a non-applicable implementation, got: %s %q", got.State, got.Error)
	}
}

func TestDispatch_Hooks(t *testing.T) {
	f := newFixture(t)
	hooks := filepath.Join(f.push.ProjectDir, DefaultHooksDir)
	if err := os.MkdirAll(hooks, 0755); err != nil {
		t.Fatalf("Failed to create hooks dir: %v", err)
	}
	writeHook := func(name, body string, mode os.FileMode) {
		if err := os.WriteFile(filepath.Join(hooks, name), []byte(body), mode); err != nil {
			t.Fatalf("Failed to write hook: %v", err)
		}
	}
	writeHook("pre-lint", "#!/bin/sh\necho \"$GOALFLOW_GOAL\" > pre.out\n", 0755)
	// Not executable: run with sh.
	writeHook("post-lint", "exit 4\n", 0644)

	var sawPre bool
	f.register(t, "lint", ExecutorFunc(func(_ context.Context, inv *Invocation) (Result, error) {
		data, err := os.ReadFile(filepath.Join(inv.Push.ProjectDir, "pre.out"))
		sawPre = err == nil && strings.TrimSpace(string(data)) == "lint"
		return Result{}, nil
	}))
	f.register(t, "vet", ImmaterialExecutor{})
	goals := f.seed(t, "gs1", goal.Definition{Name: "lint"}, goal.Definition{Name: "vet"})
	d := f.dispatcher(t)

	lint, err := d.Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !sawPre {
		t.Error("Expected the pre hook to run before the body")
	}
	if lint.State != goal.StateFailure || !strings.Contains(lint.Error, "post hook exited with code 4") {
		t.Errorf("Expected the failing post hook to fail the goal, got: %s %q", lint.State, lint.Error)
	}

	// Goals without hooks are unaffected.
	vet, err := d.Dispatch(context.Background(), goals[1].ID, f.push)
	if err != nil || vet.State != goal.StateSuccess {
		t.Errorf("Expected vet to succeed, got: %v (%v)", vet, err)
	}
}

func TestDispatch_CacheOutputsRestoredInFreshCheckout(t *testing.T) {
	archives, err := cache.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create archive store: %v", err)
	}
	goalCache := cache.New(archives, cache.Options{TempDir: t.TempDir()}, zerolog.Nop(), nil, nil)
	modules := goal.CacheData{
		Outputs: []goal.CacheEntry{{
			Classifier: "${branch}-node-modules",
			Pattern:    goal.Pattern{Directory: "node_modules"},
		}},
	}

	// First checkout installs and stores node_modules.
	f := newFixture(t)
	f.deps.Cache = goalCache
	f.register(t, "install", script("mkdir -p node_modules/left-pad && echo 1.3.0 > node_modules/left-pad/VERSION"))
	first := f.seed(t, "gs1", goal.Definition{Name: "install"})
	inst := first[0].Clone()
	inst.Data = modules
	inst.Ts = base.Add(time.Second)
	if _, err := f.store.SaveGoal(context.Background(), inst); err != nil {
		t.Fatalf("Failed to save goal: %v", err)
	}

	got, err := f.dispatcher(t).Dispatch(context.Background(), inst.ID, f.push)
	if err != nil || got.State != goal.StateSuccess {
		t.Fatalf("Expected install to succeed, got: %v (%v)", got, err)
	}

	// A fresh checkout of the next commit restores them before the body.
	g := newFixture(t)
	g.deps.Cache = goalCache
	g.push.Sha = "def456"
	var version string
	g.register(t, "test", ExecutorFunc(func(_ context.Context, inv *Invocation) (Result, error) {
		data, err := os.ReadFile(filepath.Join(inv.Push.ProjectDir, "node_modules", "left-pad", "VERSION"))
		if err != nil {
			return Result{ExitCode: 1}, nil
		}
		version = strings.TrimSpace(string(data))
		return Result{}, nil
	}))
	second := g.seed(t, "gs2", goal.Definition{Name: "test"})
	next := second[0].Clone()
	next.Sha = "def456"
	next.Data = goal.CacheData{Inputs: []goal.ClassifierRef{
		{Classifier: "missing"},
		{Classifier: "${branch}-node-modules"},
	}}
	next.Ts = base.Add(time.Second)
	if _, err := g.store.SaveGoal(context.Background(), next); err != nil {
		t.Fatalf("Failed to save goal: %v", err)
	}

	got, err = g.dispatcher(t).Dispatch(context.Background(), next.ID, g.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateSuccess {
		t.Fatalf("Expected test to succeed with restored modules, got: %s %q", got.State, got.Error)
	}
	if version != "1.3.0" {
		t.Errorf("Expected restored version 1.3.0, got: %q", version)
	}
}

func TestDispatch_CacheFallbackCommand(t *testing.T) {
	archives, err := cache.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create archive store: %v", err)
	}

	f := newFixture(t)
	f.deps.Cache = cache.New(archives, cache.Options{TempDir: t.TempDir()}, zerolog.Nop(), nil, nil)
	f.register(t, "test", script("test -f generated/ok"))
	goals := f.seed(t, "gs1", goal.Definition{Name: "test"})
	inst := goals[0].Clone()
	inst.Data.Inputs = []goal.ClassifierRef{{
		Classifier: "generated",
		Fallbacks: []goal.FallbackRef{
			{Classifier: "also-missing"},
			{Name: "generate", Command: "mkdir -p generated && touch generated/ok"},
		},
	}}
	inst.Ts = base.Add(time.Second)
	if _, err := f.store.SaveGoal(context.Background(), inst); err != nil {
		t.Fatalf("Failed to save goal: %v", err)
	}

	got, err := f.dispatcher(t).Dispatch(context.Background(), inst.ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateSuccess {
		t.Errorf("Expected the fallback to regenerate the input, got: %s %q", got.State, got.Error)
	}
}

func TestDispatch_CanceledWhileRunning(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	f.register(t, "deploy", ExecutorFunc(func(ctx context.Context, _ *Invocation) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, goal.NewExecutionError("goal was interrupted", ctx.Err())
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "deploy"})
	d := f.dispatcher(t)
	ctx := context.Background()

	done := make(chan *goal.Instance)
	go func() {
		got, _ := d.Dispatch(ctx, goals[0].ID, f.push)
		done <- got
	}()
	<-started

	n, err := CancelGoalSet(ctx, f.store, "gs1", goal.Change{Actor: "user:bob"})
	if err != nil || n != 1 {
		t.Fatalf("Expected one goal canceled, got: %d (%v)", n, err)
	}

	select {
	case got := <-done:
		if got.State != goal.StateCanceled {
			t.Errorf("Expected the cancellation to win, got: %s", got.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the running goal to stop after cancellation")
	}
}

// runnerLauncher stands in for the goal-runner process: it completes the goal
// with its own dispatcher against the shared store.
type runnerLauncher struct {
	worker *Dispatcher
	err    error
	params []protocol.RunGoalParams
}

func (l *runnerLauncher) Launch(ctx context.Context, params protocol.RunGoalParams) (*protocol.RunGoalResult, error) {
	l.params = append(l.params, params)
	if l.err != nil {
		return nil, l.err
	}
	inst, err := l.worker.Complete(ctx, params.GoalID, &params.Push)
	if err != nil {
		return nil, err
	}
	return &protocol.RunGoalResult{GoalID: inst.ID, State: inst.State}, nil
}

func TestDispatch_Isolated(t *testing.T) {
	f := newFixture(t)
	f.register(t, "compile", script("echo isolated"))
	goals := f.seed(t, "gs1", goal.Definition{Name: "compile"}, goal.Definition{Name: "package"})

	launcher := &runnerLauncher{worker: f.dispatcher(t)}
	f.deps.Launcher = launcher
	f.opts.Mode = goal.ModeIsolated
	d := f.dispatcher(t)
	ctx := context.Background()

	got, err := d.Dispatch(ctx, goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateSuccess || got.Fulfillment.Method != goal.ModeIsolated {
		t.Errorf("Expected isolated success, got: %s %+v", got.State, got.Fulfillment)
	}
	if len(launcher.params) != 1 || launcher.params[0].GoalID != goals[0].ID || launcher.params[0].Push.Sha != "abc123" {
		t.Errorf("Expected one launch for the goal, got: %+v", launcher.params)
	}

	// A runner that dies leaves the goal failed.
	f.register(t, "package", ImmaterialExecutor{})
	launcher.err = goal.NewTransientIOError("goal runner exited", errors.New("signal: killed"))
	got, err = d.Dispatch(ctx, goals[1].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateFailure || !strings.Contains(got.Error, "goal runner exited") {
		t.Errorf("Expected failure from the runner error, got: %s %q", got.State, got.Error)
	}
}

func TestNew_Validation(t *testing.T) {
	store := stores.NewMemoryStore()
	tests := []struct {
		name string
		reg  *Registry
		deps Deps
		opts Options
	}{
		{name: "no registry", deps: Deps{Store: store}},
		{name: "no store", reg: NewRegistry()},
		{name: "bad mode", reg: NewRegistry(), deps: Deps{Store: store}, opts: Options{Mode: "forked"}},
		{name: "isolated without launcher", reg: NewRegistry(), deps: Deps{Store: store}, opts: Options{Mode: goal.ModeIsolated}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.reg, tt.deps, tt.opts)
			if !goal.IsConfiguration(err) {
				t.Errorf("Expected a configuration error, got: %v", err)
			}
		})
	}
}

func TestDispatch_IgnoresGoalsNotRequested(t *testing.T) {
	f := newFixture(t)
	f.register(t, "compile", ImmaterialExecutor{})
	goals := f.seed(t, "gs1", goal.Definition{Name: "compile"})
	ctx := context.Background()

	skipped, err := goal.Transition(goals[0], goal.StateSkipped, goal.Change{})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if _, err := f.store.SaveGoal(ctx, skipped); err != nil {
		t.Fatalf("Failed to save goal: %v", err)
	}

	got, err := f.dispatcher(t).Dispatch(ctx, goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got.State != goal.StateSkipped || len(got.Provenance) != 2 {
		t.Errorf("Expected the skipped goal to be left alone, got: %s with %d changes", got.State, len(got.Provenance))
	}
}

func activeGoals(t *testing.T, m *telemetry.Metrics) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "goalflow_active_goals" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("Expected the active goals gauge to be registered")
	return 0
}

func TestDispatch_ActiveGoalsGauge(t *testing.T) {
	f := newFixture(t)
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "goalflow"})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	f.deps.Metrics = metrics

	started := make(chan struct{})
	f.register(t, "compile", script("echo ok"))
	f.register(t, "deploy", ExecutorFunc(func(ctx context.Context, _ *Invocation) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	}))
	goals := f.seed(t, "gs1", goal.Definition{Name: "compile"}, goal.Definition{Name: "deploy"})
	d := f.dispatcher(t)
	ctx := context.Background()

	if _, err := d.Dispatch(ctx, goals[0].ID, f.push); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if got := activeGoals(t, metrics); got != 0 {
		t.Errorf("Expected no active goals after success, got: %v", got)
	}

	// The canceled goal's result is discarded, the gauge must still drop.
	done := make(chan struct{})
	go func() {
		_, _ = d.Dispatch(ctx, goals[1].ID, f.push)
		close(done)
	}()
	<-started
	if got := activeGoals(t, metrics); got != 1 {
		t.Errorf("Expected one active goal while running, got: %v", got)
	}
	if _, err := CancelGoalSet(ctx, f.store, "gs1", goal.Change{Actor: "user:bob"}); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the canceled goal to stop")
	}
	if got := activeGoals(t, metrics); got != 0 {
		t.Errorf("Expected no active goals after a discarded result, got: %v", got)
	}
}

// racingStore cancels the goal set right before a terminal result is saved,
// as a concurrent operator would.
type racingStore struct {
	*stores.MemoryStore
	setID string
}

func (s *racingStore) SaveGoal(ctx context.Context, inst *goal.Instance) (*goal.Instance, error) {
	if inst.State == goal.StateSuccess {
		if _, err := CancelGoalSet(ctx, s.MemoryStore, s.setID, goal.Change{Actor: "user:bob"}); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.SaveGoal(ctx, inst)
}

func TestDispatch_KeepsNewerStoredVersion(t *testing.T) {
	f := newFixture(t)
	f.register(t, "compile", ImmaterialExecutor{})
	goals := f.seed(t, "gs1", goal.Definition{Name: "compile"})
	f.deps.Store = &racingStore{MemoryStore: f.store, setID: "gs1"}

	got, err := f.dispatcher(t).Dispatch(context.Background(), goals[0].ID, f.push)
	if err != nil {
		t.Fatalf("Expected the stale save to be absorbed, got: %v", err)
	}
	if got.State != goal.StateCanceled {
		t.Errorf("Expected the stored cancellation to win, got: %s", got.State)
	}
}
