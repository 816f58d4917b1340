package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
)

// Maker builds the executor of a referenced goal ("use: <name>").
type Maker func(params map[string]string) (Executor, error)

// DefaultMakers returns the built-in goal makers.
func DefaultMakers() map[string]Maker {
	return map[string]Maker{
		"noop": func(map[string]string) (Executor, error) {
			return ExecutorFunc(func(context.Context, *Invocation) (Result, error) {
				return Result{Message: "Nothing to do"}, nil
			}), nil
		},
		"approval-gate": func(params map[string]string) (Executor, error) {
			msg := params["message"]
			if msg == "" {
				msg = "Waiting for approval"
			}
			return ExecutorFunc(func(context.Context, *Invocation) (Result, error) {
				return Result{Message: msg, RequireApproval: true}, nil
			}), nil
		},
	}
}

// ExecutorFor returns the built-in executor of a goal declaration.
func ExecutorFor(g goalset.Goal, store goal.Store, makers map[string]Maker) (Executor, error) {
	switch spec := g.Kind.(type) {
	case goalset.ScriptSpec:
		return &ScriptExecutor{Spec: spec}, nil
	case goalset.ContainerSpec:
		return &ContainerExecutor{Spec: spec}, nil
	case goalset.ImmaterialSpec:
		return ImmaterialExecutor{}, nil
	case goalset.QueueSpec:
		return &QueueExecutor{Spec: spec, Store: store}, nil
	case goalset.CancelSpec:
		return &CancelExecutor{Spec: spec, Store: store}, nil
	case goalset.ReferenceSpec:
		maker, ok := makers[spec.Use]
		if !ok {
			return nil, goal.NewConfigurationError(fmt.Sprintf("unknown goal reference %q", spec.Use), nil).
				WithGoal(g.Key().String()).WithCode(goal.ErrCodeNoImplementation)
		}
		executor, err := maker(spec.Params)
		if err != nil {
			return nil, goal.NewConfigurationError(fmt.Sprintf("failed to make goal %q", spec.Use), err).
				WithGoal(g.Key().String())
		}
		return executor, nil
	case goalset.LockSpec:
		return nil, goal.NewConfigurationError("lock is not an executable goal", nil).
			WithGoal(g.Key().String())
	default:
		return nil, goal.NewConfigurationError(fmt.Sprintf("unknown goal kind %T", g.Kind), nil).
			WithGoal(g.Key().String()).WithCode(goal.ErrCodeNoImplementation)
	}
}

// ScriptExecutor runs a command with "sh -c" in the project directory.
type ScriptExecutor struct {
	Spec goalset.ScriptSpec
}

// Execute runs the script.
func (e *ScriptExecutor) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	if e.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.Spec.Command)
	cmd.Dir = inv.WorkDir(e.Spec.Dir)
	cmd.Env = append(append(os.Environ(), inv.Env()...), envList(e.Spec.Env)...)
	cmd.Stdout = inv.Log
	cmd.Stderr = inv.Log

	return commandResult(ctx, cmd.Run())
}

// ContainerExecutor runs an image with docker or podman.
type ContainerExecutor struct {
	Spec goalset.ContainerSpec
}

// Execute runs the container.
func (e *ContainerExecutor) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	if e.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Spec.Timeout)
		defer cancel()
	}

	runtime := e.Spec.Runtime
	if runtime == "" {
		runtime = "docker"
	}
	args := ContainerArgs(e.Spec, inv.Push.ProjectDir, inv.Env())
	fmt.Fprintf(inv.Log, "$ %s %s\n", runtime, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, runtime, args...)
	cmd.Stdout = inv.Log
	cmd.Stderr = inv.Log

	return commandResult(ctx, cmd.Run())
}

// ContainerArgs builds the "run" arguments for a container goal. The project
// directory is mounted at the working directory and env is passed with -e.
func ContainerArgs(spec goalset.ContainerSpec, projectDir string, env []string) []string {
	workdir := spec.WorkDir
	if workdir == "" {
		workdir = "/workspace"
	}

	args := []string{"run", "--rm", "-v", projectDir + ":" + workdir, "-w", workdir}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, v := range spec.Volumes {
		args = append(args, "-v", v)
	}
	for _, kv := range append(append([]string{}, env...), envList(spec.Env)...) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// ImmaterialExecutor succeeds immediately.
type ImmaterialExecutor struct{}

// Execute reports success.
func (ImmaterialExecutor) Execute(context.Context, *Invocation) (Result, error) {
	return Result{Message: "No material changes"}, nil
}

// QueueExecutor waits while too many older goal sets of the workspace are active.
type QueueExecutor struct {
	Spec  goalset.QueueSpec
	Store goal.Store
}

// Execute blocks until the goal set may proceed.
func (e *QueueExecutor) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	concurrent := e.Spec.Concurrent
	if concurrent == 0 {
		concurrent = 2
	}
	interval := e.Spec.PollInterval
	if interval == 0 {
		interval = 5 * time.Second
	}

	for {
		active, err := e.olderActive(ctx, inv.Goal)
		if err != nil {
			return Result{}, goal.NewTransientIOError("failed to inspect queue", err).WithOperation("queue")
		}
		if active <= concurrent {
			return Result{Message: fmt.Sprintf("Dequeued with %d older goal sets active", active)}, nil
		}

		fmt.Fprintf(inv.Log, "%d older goal sets active, waiting for %d\n", active, concurrent)
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("queue wait aborted: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (e *QueueExecutor) olderActive(ctx context.Context, g *goal.Instance) (int, error) {
	own, err := e.Store.GetGoalSet(ctx, g.GoalSetID)
	if err != nil {
		return 0, err
	}
	sets, err := e.Store.ListGoalSets(ctx, g.Workspace, "", "", "")
	if err != nil {
		return 0, err
	}

	active := 0
	for _, s := range sets {
		if s.ID == own.ID || !s.CreatedAt.Before(own.CreatedAt) {
			continue
		}
		goals, err := e.Store.ListGoalSet(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		for _, other := range goals {
			if !other.State.IsTerminal() {
				active++
				break
			}
		}
	}
	return active, nil
}

// CancelExecutor cancels unfinished goals of older goal sets on the same branch.
type CancelExecutor struct {
	Spec  goalset.CancelSpec
	Store goal.Store
}

// Execute cancels the goals.
func (e *CancelExecutor) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	g := inv.Goal
	own, err := e.Store.GetGoalSet(ctx, g.GoalSetID)
	if err != nil {
		return Result{}, goal.NewTransientIOError("failed to load goal set", err).WithOperation("cancel")
	}
	sets, err := e.Store.ListGoalSets(ctx, g.Workspace, g.Owner, g.Repo, g.Branch)
	if err != nil {
		return Result{}, goal.NewTransientIOError("failed to list goal sets", err).WithOperation("cancel")
	}

	canceled, touched := 0, 0
	for _, s := range sets {
		if s.ID == own.ID || !s.CreatedAt.Before(own.CreatedAt) || !e.selects(s) {
			continue
		}
		n, err := CancelGoalSet(ctx, e.Store, s.ID, goal.Change{
			Actor:         "goalflow/cancel",
			CorrelationID: inv.Push.CorrelationID,
			Description:   fmt.Sprintf("Canceled by newer push %s", shortSha(g.Sha)),
		})
		if err != nil {
			return Result{}, err
		}
		if n > 0 {
			fmt.Fprintf(inv.Log, "Canceled %d goals of goal set %s (%s)\n", n, s.ID, s.Name)
			canceled += n
			touched++
		}
	}
	return Result{Message: fmt.Sprintf("Canceled %d goals in %d older goal sets", canceled, touched)}, nil
}

func (e *CancelExecutor) selects(s *goal.Set) bool {
	if len(e.Spec.GoalSets) == 0 {
		return true
	}
	for _, name := range strings.Split(s.Name, ", ") {
		for _, want := range e.Spec.GoalSets {
			if name == want {
				return true
			}
		}
	}
	return false
}

// CancelGoalSet moves every unfinished goal of a goal set to canceled and
// returns how many goals changed.
func CancelGoalSet(ctx context.Context, store goal.Store, goalSetID string, ch goal.Change) (int, error) {
	goals, err := store.ListGoalSet(ctx, goalSetID)
	if err != nil {
		return 0, goal.NewTransientIOError("failed to list goals", err).WithOperation("cancel")
	}

	n := 0
	for _, g := range goals {
		if g.State.IsTerminal() {
			continue
		}
		next, err := goal.Transition(g, goal.StateCanceled, ch)
		if err != nil {
			return n, err
		}
		if _, err := store.SaveGoal(ctx, next); err != nil {
			if errors.Is(err, goal.ErrStale) {
				continue
			}
			return n, goal.NewTransientIOError("failed to save goal", err).WithOperation("cancel")
		}
		n++
	}
	return n, nil
}

// commandResult maps a command error to a result. Exit codes are results;
// anything else is an error.
func commandResult(ctx context.Context, err error) (Result, error) {
	if err == nil {
		return Result{}, nil
	}
	if ctx.Err() != nil {
		return Result{}, goal.NewExecutionError("goal was interrupted", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	return Result{}, goal.NewTransientIOError("failed to start command", err).WithOperation("exec")
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
