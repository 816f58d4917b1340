// Package dispatch runs ready goals. It picks the implementation of a goal,
// claims it so it runs once, wraps the body with hooks and cache restore/put,
// and records the outcome as a state transition.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// ErrClaimed is returned when another dispatch already holds the goal.
var ErrClaimed = errors.New("goal is already claimed")

// Default option values.
const (
	DefaultTailLines          = 20
	DefaultLeaseTTL           = 30 * time.Minute
	DefaultCancelPollInterval = 2 * time.Second
	DefaultRetryCommand       = "goalflow retry %s"
	DefaultActor              = "goalflow/dispatcher"
)

// Launcher runs a goal that is already in_process in a separate worker.
type Launcher interface {
	Launch(ctx context.Context, params protocol.RunGoalParams) (*protocol.RunGoalResult, error)
}

// Options configure a dispatcher.
type Options struct {
	// Mode selects in-process or isolated execution. Defaults to in_process.
	Mode goal.Mode

	// LogDir holds per-goal log files. Empty discards goal output.
	LogDir string

	// LogBaseURL is the URL LogDir is served under. Defaults to file URLs.
	LogBaseURL string

	// TailLines is how many log lines a failure description carries.
	TailLines int

	// HooksDir is searched for pre-<goal> and post-<goal> hooks.
	HooksDir string

	// Lease enables the store-backed cross-process claim.
	Lease bool

	// LeaseTTL bounds a claim held by a process that died.
	LeaseTTL time.Duration

	// CancelPollInterval is how often a running goal checks for cancellation.
	CancelPollInterval time.Duration

	// RetryCommand is a format string taking the goal ID.
	RetryCommand string

	// Actor is recorded in the provenance of dispatcher transitions.
	Actor string
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = goal.ModeInProcess
	}
	if o.TailLines == 0 {
		o.TailLines = DefaultTailLines
	}
	if o.HooksDir == "" {
		o.HooksDir = DefaultHooksDir
	}
	if o.LeaseTTL == 0 {
		o.LeaseTTL = DefaultLeaseTTL
	}
	if o.CancelPollInterval == 0 {
		o.CancelPollInterval = DefaultCancelPollInterval
	}
	if o.RetryCommand == "" {
		o.RetryCommand = DefaultRetryCommand
	}
	if o.Actor == "" {
		o.Actor = DefaultActor
	}
}

// Deps are the collaborators of a dispatcher. Cache, Launcher, Leaser and the
// telemetry fields are optional.
type Deps struct {
	Store    goal.Store
	Leaser   goal.Leaser
	Cache    *cache.GoalCache
	Launcher Launcher
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Events   *telemetry.EventPublisher
	Logger   zerolog.Logger
}

// Dispatcher claims and runs requested goals.
type Dispatcher struct {
	registry *Registry
	deps     Deps
	opts     Options
	logger   zerolog.Logger

	// owner identifies this process in leases.
	owner string

	// claims holds the goals this process is running, keyed by claimKey.
	claims sync.Map
}

// New creates a dispatcher.
func New(registry *Registry, deps Deps, opts Options) (*Dispatcher, error) {
	if registry == nil {
		return nil, goal.NewConfigurationError("dispatcher needs a registry", nil).WithCode(goal.ErrCodeValidation)
	}
	if deps.Store == nil {
		return nil, goal.NewConfigurationError("dispatcher needs a store", nil).WithCode(goal.ErrCodeValidation)
	}
	opts.setDefaults()
	if err := opts.Mode.Validate(); err != nil {
		return nil, goal.NewConfigurationError("invalid dispatch mode", err).WithCode(goal.ErrCodeValidation)
	}
	if opts.Mode == goal.ModeIsolated && deps.Launcher == nil {
		return nil, goal.NewConfigurationError("isolated mode needs a launcher", nil).WithCode(goal.ErrCodeValidation)
	}
	if opts.Lease && deps.Leaser == nil {
		leaser, ok := deps.Store.(goal.Leaser)
		if !ok {
			return nil, goal.NewConfigurationError("leases need a store that supports them", nil).
				WithCode(goal.ErrCodeValidation)
		}
		deps.Leaser = leaser
	}

	return &Dispatcher{
		registry: registry,
		deps:     deps,
		opts:     opts,
		logger:   deps.Logger.With().Str("component", "dispatcher").Logger(),
		owner:    uuid.New().String(),
	}, nil
}

// Mode returns the execution mode.
func (d *Dispatcher) Mode() goal.Mode {
	return d.opts.Mode
}

// Dispatch runs a requested goal to its next resting state and returns the goal
// as stored afterwards. Goals that are not requested are returned unchanged.
// A goal already running under the same name and commit returns ErrClaimed.
func (d *Dispatcher) Dispatch(ctx context.Context, goalID string, p *push.Push) (*goal.Instance, error) {
	inst, err := d.deps.Store.GetGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	if inst.State != goal.StateRequested {
		return inst, nil
	}

	release, err := d.claim(ctx, inst)
	if err != nil {
		return inst, err
	}
	defer release()

	// Another dispatcher may have finished the goal between the read and the claim.
	inst, err = d.deps.Store.GetGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	if inst.State != goal.StateRequested {
		return inst, nil
	}

	logger := d.goalLogger(inst)
	ch := goal.Change{Actor: d.opts.Actor, CorrelationID: p.CorrelationID}

	impl, err := d.implementation(ctx, inst, p)
	if err != nil {
		logger.Error().Err(err).Msg("Goal has no usable implementation")
		return d.failEarly(ctx, inst, ch, err)
	}

	if inst.Definition.PreApprovalRequired && inst.PreApproval == nil {
		next, err := goal.Transition(inst, goal.StateWaitingForPreApproval, ch)
		if err != nil {
			return inst, err
		}
		saved, err := d.save(ctx, next)
		if err != nil {
			return saved, err
		}
		logger.Info().Msg("Goal waiting for pre-approval")
		d.publish(d.deps.Events.PublishApprovalRequired(ref(saved), string(saved.State)))
		return saved, nil
	}

	_, url := d.logLocation(inst)
	ch.URL = url
	next, err := goal.Transition(inst, goal.StateInProcess, ch)
	if err != nil {
		return inst, err
	}
	next.Fulfillment = goal.Fulfillment{Method: d.opts.Mode, Name: impl.Name}
	started, err := d.save(ctx, next)
	if err != nil || started.State != goal.StateInProcess || started.Epoch != next.Epoch {
		return started, err
	}

	logger.Info().Str("implementation", impl.Name).Str("mode", string(d.opts.Mode)).Msg("Goal started")
	d.deps.Metrics.RecordGoalDispatched(string(d.opts.Mode))
	defer d.deps.Metrics.TrackActiveGoal()()
	d.publish(d.deps.Events.PublishGoalInProcess(ref(started), string(d.opts.Mode)))

	if d.opts.Mode == goal.ModeIsolated {
		return d.launch(ctx, started, p)
	}
	return d.Complete(ctx, started.ID, p)
}

// Complete runs the body of a goal that is in_process and records its outcome.
// The goal-runner worker calls it for goals dispatched in isolated mode.
func (d *Dispatcher) Complete(ctx context.Context, goalID string, p *push.Push) (*goal.Instance, error) {
	inst, err := d.deps.Store.GetGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	if inst.State != goal.StateInProcess {
		return inst, goal.NewExecutionError(
			fmt.Sprintf("goal is %s, not %s", inst.State, goal.StateInProcess), nil,
		).WithGoal(inst.Key().String()).WithCode(goal.ErrCodeInvalidTransition)
	}

	impl, ok := d.lookup(inst)
	if !ok {
		return d.finish(ctx, inst, p, Result{}, d.noImplementation(inst), "", time.Now())
	}

	ctx, span := d.deps.Tracer.StartGoalSpan(ctx, inst.GoalSetID, inst.ID, inst.Name(), string(inst.Fulfillment.Method))
	defer span.End()

	logPath, _ := d.logLocation(inst)
	logFile, err := openLog(logPath)
	if err != nil {
		return d.finish(ctx, inst, p, Result{}, goal.NewTransientIOError("failed to open goal log", err), "", time.Now())
	}

	fmt.Fprintf(logFile, "Goal %s on %s %s (epoch %d)\n", inst.Key(), p.Slug(), shortSha(inst.Sha), inst.Epoch)
	inv := &Invocation{
		Goal:   inst,
		Push:   p,
		Log:    logFile,
		Store:  d.deps.Store,
		Logger: d.goalLogger(inst),
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watchCancellation(runCtx, cancel, inst, inv.Logger)
	}()

	start := time.Now()
	res, runErr := d.run(runCtx, impl, inv)
	cancel()
	wg.Wait()

	if runErr != nil {
		fmt.Fprintf(logFile, "Error: %v\n", runErr)
	} else {
		fmt.Fprintf(logFile, "Exit code %d after %s\n", res.ExitCode, time.Since(start).Round(time.Millisecond))
	}
	if err := logFile.Close(); err != nil {
		inv.Logger.Warn().Err(err).Msg("Failed to close goal log")
	}

	final, err := d.finish(ctx, inst, p, res, runErr, logPath, start)
	if final != nil {
		span.SetAttributes(telemetry.AttrGoalState.String(string(final.State)))
	}
	if final != nil && final.State == goal.StateFailure {
		telemetry.RecordError(span, errors.New(final.Error))
	} else {
		telemetry.RecordSuccess(span)
	}
	return final, err
}

// run executes hooks, cache restore, the body and cache put in order.
// A panic anywhere becomes an execution error.
func (d *Dispatcher) run(ctx context.Context, impl *Implementation, inv *Invocation) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.Logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Goal panicked")
			res = Result{}
			err = goal.NewExecutionError(fmt.Sprintf("goal panicked: %v", r), nil).
				WithGoal(inv.Goal.Key().String()).
				WithCode(goal.ErrCodePanic)
		}
	}()

	if err := d.runHook(ctx, inv, "pre"); err != nil {
		return Result{}, err
	}
	if err := d.restoreInputs(ctx, inv); err != nil {
		return Result{}, err
	}

	res, err = impl.Executor.Execute(ctx, inv)
	if err != nil || res.ExitCode != 0 {
		return res, err
	}

	if err := d.runHook(ctx, inv, "post"); err != nil {
		return res, err
	}
	if err := d.putOutputs(ctx, inv); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Dispatcher) restoreInputs(ctx context.Context, inv *Invocation) error {
	inputs := inv.Goal.Data.Inputs
	if len(inputs) == 0 {
		return nil
	}
	if d.deps.Cache == nil {
		inv.Logger.Warn().Int("inputs", len(inputs)).Msg("No cache configured, inputs not restored")
		return nil
	}

	scope := cache.NewScope(inv.Push, inv.Goal)
	for _, in := range inputs {
		fallbacks := make([]cache.Fallback, 0, len(in.Fallbacks))
		for i, fb := range in.Fallbacks {
			name := fb.Name
			if name == "" {
				name = fmt.Sprintf("%s#%d", in.Classifier, i+1)
			}
			if fb.Classifier != "" {
				fallbacks = append(fallbacks, cache.ClassifierFallback(name, fb.Classifier, nil))
			} else {
				fallbacks = append(fallbacks, cache.ScriptFallback(name, fb.Command, nil))
			}
		}

		err := d.deps.Cache.Restore(ctx, scope, in.Classifier, fallbacks...)
		switch {
		case err == nil:
			fmt.Fprintf(inv.Log, "Restored cache %s\n", scope.Key(in.Classifier))
		case goal.IsCacheMiss(err):
			inv.Logger.Debug().Str("classifier", in.Classifier).Msg("Cache input not available")
			fmt.Fprintf(inv.Log, "No cache for %s\n", scope.Key(in.Classifier))
		default:
			return err
		}
	}
	return nil
}

func (d *Dispatcher) putOutputs(ctx context.Context, inv *Invocation) error {
	outputs := inv.Goal.Data.Outputs
	if len(outputs) == 0 {
		return nil
	}
	if d.deps.Cache == nil {
		inv.Logger.Warn().Int("outputs", len(outputs)).Msg("No cache configured, outputs not stored")
		return nil
	}

	scope := cache.NewScope(inv.Push, inv.Goal)
	for _, out := range outputs {
		handle, err := d.deps.Cache.Put(ctx, scope, out)
		if err != nil {
			return err
		}
		if handle != "" {
			fmt.Fprintf(inv.Log, "Stored cache %s\n", scope.Key(out.Classifier))
		}
	}
	return nil
}

// watchCancellation polls the stored goal and cancels the run when the goal is
// canceled, stopped or retried into a new epoch.
func (d *Dispatcher) watchCancellation(ctx context.Context, cancel context.CancelFunc, inst *goal.Instance, logger zerolog.Logger) {
	ticker := time.NewTicker(d.opts.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		current, err := d.deps.Store.GetGoal(ctx, inst.ID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug().Err(err).Msg("Failed to poll goal state")
			}
			continue
		}
		if current.Epoch != inst.Epoch ||
			current.State == goal.StateCanceled || current.State == goal.StateStopped {
			logger.Info().Str("state", string(current.State)).Int("epoch", current.Epoch).Msg("Goal interrupted")
			cancel()
			return
		}
	}
}

// launch hands an in_process goal to an isolated worker and returns the goal
// as the worker left it. A worker that dies leaves the goal failed.
func (d *Dispatcher) launch(ctx context.Context, inst *goal.Instance, p *push.Push) (*goal.Instance, error) {
	start := time.Now()
	res, err := d.deps.Launcher.Launch(ctx, protocol.RunGoalParams{
		GoalID:       inst.ID,
		Epoch:        inst.Epoch,
		Push:         *p,
		TraceContext: telemetry.InjectTraceContext(ctx),
	})
	if err != nil {
		logger := d.goalLogger(inst)
		logger.Error().Err(err).Msg("Goal runner failed")
		logPath, _ := d.logLocation(inst)
		return d.finish(ctx, inst, p, Result{}, err, logPath, start)
	}

	current, err := d.deps.Store.GetGoal(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	if current.State == goal.StateInProcess && current.Epoch == inst.Epoch {
		logPath, _ := d.logLocation(inst)
		return d.finish(ctx, current, p, Result{}, goal.NewExecutionError(
			fmt.Sprintf("goal runner reported %s but the goal was not completed", res.State), nil,
		), logPath, start)
	}
	return current, nil
}

// finish records the outcome of a run. A goal that was canceled or retried
// while it ran keeps its newer state.
func (d *Dispatcher) finish(ctx context.Context, inst *goal.Instance, p *push.Push, res Result, runErr error, logPath string, start time.Time) (*goal.Instance, error) {
	ctx = context.WithoutCancel(ctx)
	logger := d.goalLogger(inst)

	current, err := d.deps.Store.GetGoal(ctx, inst.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal: %w", err)
	}
	if current.Epoch != inst.Epoch || current.State != goal.StateInProcess {
		logger.Info().Str("state", string(current.State)).Msg("Goal changed while running, result discarded")
		return current, nil
	}

	duration := time.Since(start)
	ch := goal.Change{Actor: d.opts.Actor, CorrelationID: p.CorrelationID, Description: res.Message}
	if res.TargetURL != "" {
		ch.ExternalURLs = []string{res.TargetURL}
	}

	var to goal.State
	switch {
	case runErr != nil || res.ExitCode != 0:
		to = goal.StateFailure
		failure := runErr
		if failure == nil {
			failure = goal.NewExecutionError(fmt.Sprintf("exited with code %d", res.ExitCode), nil).
				WithCode(goal.ErrCodeNonZeroExit)
		}
		execErr := goal.AsExecution(failure)
		ch.Error = failure.Error()
		ch.Description = d.failureDescription(current, failure, logPath)
		d.deps.Metrics.RecordError(string(execErr.Kind), execErr.Code)
		telemetry.AddEvent(trace.SpanFromContext(ctx), "goal.failure",
			telemetry.AttrErrorKind.String(string(execErr.Kind)),
			telemetry.AttrErrorCode.String(execErr.Code))
		logger.Error().Err(failure).Dur("duration", duration).Msg("Goal failed")
	case res.RequireApproval || current.Definition.ApprovalRequired:
		to = goal.StateWaitingForApproval
		if res.RequireApproval && res.Message != "" {
			ch.Description = res.Message
		} else {
			ch.Description = ""
		}
		logger.Info().Dur("duration", duration).Msg("Goal waiting for approval")
	default:
		to = goal.StateSuccess
		logger.Info().Dur("duration", duration).Msg("Goal succeeded")
	}

	next, err := goal.Transition(current, to, ch)
	if err != nil {
		return current, err
	}
	saved, err := d.save(ctx, next)
	if err != nil || saved.State != to {
		return saved, err
	}

	d.deps.Metrics.RecordGoalCompleted(string(to), duration)
	switch to {
	case goal.StateSuccess:
		d.publish(d.deps.Events.PublishGoalSucceeded(ref(saved), duration))
	case goal.StateFailure:
		d.publish(d.deps.Events.PublishGoalFailed(ref(saved), saved.Error, d.RetryCommand(saved.ID)))
	case goal.StateWaitingForApproval:
		d.publish(d.deps.Events.PublishApprovalRequired(ref(saved), string(to)))
	}
	return saved, nil
}

// failEarly fails a requested goal before anything ran.
func (d *Dispatcher) failEarly(ctx context.Context, inst *goal.Instance, ch goal.Change, cause error) (*goal.Instance, error) {
	ch.Error = cause.Error()
	ch.Description = fmt.Sprintf("%s: %s", inst.Definition.Describe(goal.StateFailure), reason(cause))
	next, err := goal.Transition(inst, goal.StateFailure, ch)
	if err != nil {
		return inst, err
	}
	saved, err := d.save(ctx, next)
	if err != nil || saved.State != goal.StateFailure {
		return saved, err
	}

	var ge *goal.Error
	if errors.As(cause, &ge) {
		d.deps.Metrics.RecordError(string(ge.Kind), ge.Code)
	}
	d.publish(d.deps.Events.PublishGoalFailed(ref(saved), saved.Error, ""))
	return saved, nil
}

func (d *Dispatcher) failureDescription(inst *goal.Instance, cause error, logPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", inst.Definition.Describe(goal.StateFailure), reason(cause))
	if lines := tail(logPath, d.opts.TailLines); lines != "" {
		b.WriteString("\n\n")
		b.WriteString(lines)
	}
	if inst.URL != "" {
		fmt.Fprintf(&b, "\n\nLog: %s", inst.URL)
	}
	if inst.Definition.RetryFeasible {
		fmt.Fprintf(&b, "\nRetry: %s", d.RetryCommand(inst.ID))
	}
	return b.String()
}

// RetryCommand returns the command that retries a goal.
func (d *Dispatcher) RetryCommand(goalID string) string {
	return fmt.Sprintf(d.opts.RetryCommand, goalID)
}

// claim takes the in-memory claim and, when enabled, the store lease.
func (d *Dispatcher) claim(ctx context.Context, inst *goal.Instance) (func(), error) {
	key := claimKey(inst)
	if _, loaded := d.claims.LoadOrStore(key, d.owner); loaded {
		d.deps.Metrics.RecordClaimRejected()
		d.logger.Debug().Str("claim", key).Msg("Goal already claimed in this process")
		return nil, ErrClaimed
	}
	release := func() { d.claims.Delete(key) }

	if !d.opts.Lease {
		return release, nil
	}

	ok, err := d.deps.Leaser.AcquireLease(ctx, "claim/"+key, d.owner, d.opts.LeaseTTL)
	if err != nil {
		release()
		return nil, goal.NewTransientIOError("failed to acquire goal lease", err).WithOperation("claim")
	}
	if !ok {
		release()
		d.deps.Metrics.RecordClaimRejected()
		d.logger.Debug().Str("claim", key).Msg("Goal leased by another process")
		return nil, ErrClaimed
	}
	return func() {
		if err := d.deps.Leaser.ReleaseLease(context.WithoutCancel(ctx), "claim/"+key, d.owner); err != nil {
			d.logger.Warn().Err(err).Str("claim", key).Msg("Failed to release goal lease")
		}
		release()
	}, nil
}

// claimKey identifies a goal by repository, key and commit so that duplicate
// goal sets for one commit run each goal once.
func claimKey(inst *goal.Instance) string {
	return fmt.Sprintf("%s/%s/%s/%s@%s", inst.Workspace, inst.Owner, inst.Repo, inst.Key(), inst.Sha)
}

func (d *Dispatcher) lookup(inst *goal.Instance) (*Implementation, bool) {
	if inst.Fulfillment.Name != "" {
		if impl, ok := d.registry.Lookup(inst.Fulfillment.Name); ok {
			return impl, true
		}
	}
	return d.registry.Lookup(inst.Key().String())
}

func (d *Dispatcher) noImplementation(inst *goal.Instance) error {
	return goal.NewConfigurationError(fmt.Sprintf("no implementation registered for goal %s", inst.Key()), nil).
		WithGoal(inst.Key().String()).
		WithCode(goal.ErrCodeNoImplementation)
}

// implementation resolves the goal's implementation and checks it applies to the push.
func (d *Dispatcher) implementation(ctx context.Context, inst *goal.Instance, p *push.Push) (*Implementation, error) {
	impl, ok := d.lookup(inst)
	if !ok {
		return nil, d.noImplementation(inst)
	}
	if impl.Test == nil {
		return impl, nil
	}
	applies, err := impl.Test.Evaluate(ctx, p)
	if err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("implementation test %s failed", impl.Test.Name()), err).
			WithGoal(inst.Key().String())
	}
	if !applies {
		return nil, goal.NewConfigurationError(
			fmt.Sprintf("implementation %s does not apply to this push", impl.Name), nil,
		).WithGoal(inst.Key().String()).WithCode(goal.ErrCodeNoImplementation)
	}
	return impl, nil
}

// save stores inst. Losing reconciliation is not an error; the winner is returned.
func (d *Dispatcher) save(ctx context.Context, inst *goal.Instance) (*goal.Instance, error) {
	saved, err := d.deps.Store.SaveGoal(ctx, inst)
	if errors.Is(err, goal.ErrStale) {
		logger := d.goalLogger(inst)
		logger.Debug().Str("state", string(saved.State)).Msg("Newer goal version stored, keeping it")
		return saved, nil
	}
	if err != nil {
		return inst, fmt.Errorf("failed to save goal: %w", err)
	}
	return saved, nil
}

func (d *Dispatcher) goalLogger(inst *goal.Instance) zerolog.Logger {
	return d.logger.With().
		Str("goal_set_id", inst.GoalSetID).
		Str("goal_id", inst.ID).
		Str("goal", inst.Key().String()).
		Str("sha", shortSha(inst.Sha)).
		Logger()
}

func (d *Dispatcher) publish(err error) {
	if err != nil {
		d.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func ref(inst *goal.Instance) telemetry.GoalRef {
	return telemetry.GoalRef{GoalSetID: inst.GoalSetID, GoalID: inst.ID, Goal: inst.Name(), Sha: inst.Sha}
}

// reason returns the message of a classified error, or the first line of any other.
func reason(err error) string {
	var ge *goal.Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	s := err.Error()
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
