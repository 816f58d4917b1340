package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/goalflow/pkg/dispatch"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/stores"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// DefaultActor is recorded for transitions the engine makes on its own.
const DefaultActor = "goalflow/engine"

// PushResolver rebuilds the push of a goal set this process did not see,
// for example when a goal is retried from a later CLI invocation.
type PushResolver func(ctx context.Context, set *goal.Set) (*push.Push, error)

// Options configure an engine.
type Options struct {
	// ProjectDir is the checkout used for goal sets whose push is not known.
	ProjectDir string

	// Actor is recorded for promotions and skips.
	Actor string

	// PushResolver overrides how unknown pushes are rebuilt.
	PushResolver PushResolver
}

// Deps are the collaborators of an engine. The telemetry fields are optional.
type Deps struct {
	Store   stores.Store
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
	Logger  zerolog.Logger
}

// pipeline is the rule-dependent half of the engine, swapped as a unit on reload.
type pipeline struct {
	assembler  *goalset.Assembler
	dispatcher *dispatch.Dispatcher
}

// Engine turns pushes into goal sets and drives each set forward as its goals
// change state. It owns no workers: every call handles one event and fans out
// one goroutine per goal that became ready.
type Engine struct {
	pipeline atomic.Pointer[pipeline]
	deps     Deps
	opts     Options
	logger   zerolog.Logger

	// mu guards sets and pushes.
	mu sync.Mutex

	// sets serializes progression per goal set.
	sets map[string]*sync.Mutex

	// pushes holds the push of every goal set this process is driving.
	pushes map[string]*push.Push
}

// New creates an engine.
func New(assembler *goalset.Assembler, dispatcher *dispatch.Dispatcher, deps Deps, opts Options) (*Engine, error) {
	if assembler == nil || dispatcher == nil {
		return nil, goal.NewConfigurationError("engine needs an assembler and a dispatcher", nil).
			WithCode(goal.ErrCodeValidation)
	}
	if deps.Store == nil {
		return nil, goal.NewConfigurationError("engine needs a store", nil).WithCode(goal.ErrCodeValidation)
	}
	if opts.Actor == "" {
		opts.Actor = DefaultActor
	}
	if opts.PushResolver == nil {
		opts.PushResolver = checkoutResolver(opts.ProjectDir)
	}

	e := &Engine{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With().Str("component", "engine").Logger(),
		sets:   make(map[string]*sync.Mutex),
		pushes: make(map[string]*push.Push),
	}
	e.pipeline.Store(&pipeline{assembler: assembler, dispatcher: dispatcher})
	return e, nil
}

// checkoutResolver rebuilds a push from the goal set record and a local checkout.
func checkoutResolver(projectDir string) PushResolver {
	return func(_ context.Context, set *goal.Set) (*push.Push, error) {
		return &push.Push{
			Workspace:     set.Workspace,
			Owner:         set.Owner,
			Repo:          set.Repo,
			Branch:        set.Branch,
			Sha:           set.Sha,
			ProjectDir:    projectDir,
			CorrelationID: uuid.New().String(),
		}, nil
	}
}

// Swap replaces the assembler and dispatcher. Calls already running finish
// with the previous pair.
func (e *Engine) Swap(assembler *goalset.Assembler, dispatcher *dispatch.Dispatcher) {
	e.pipeline.Store(&pipeline{assembler: assembler, dispatcher: dispatcher})
	e.logger.Info().Int("rules", len(assembler.Rules())).Msg("Rules reloaded")
}

// Dispatcher returns the current dispatcher.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.pipeline.Load().dispatcher
}

// Plan assembles the goal set a push would produce without recording it.
// It returns nil when no rule matches.
func (e *Engine) Plan(ctx context.Context, p *push.Push) (*goalset.Result, error) {
	return e.pipeline.Load().assembler.Assemble(ctx, p)
}

// HandlePush assembles and records the goal set of a push, then drives it
// until no goal can make progress. It returns nil when no rule matches.
func (e *Engine) HandlePush(ctx context.Context, p *push.Push) (*goalset.Result, error) {
	if p.CorrelationID == "" {
		cp := *p
		cp.CorrelationID = uuid.New().String()
		p = &cp
	}
	ctx, span := e.deps.Tracer.StartPushSpan(ctx, p.Owner, p.Repo, p.Branch, p.Sha)
	defer span.End()

	lctx := e.logger.With().
		Str("repo", p.Slug()).
		Str("branch", p.Branch).
		Str("sha", p.Sha).
		Str("correlation_id", p.CorrelationID)
	if id := telemetry.TraceID(ctx); id != "" {
		lctx = lctx.Str("trace_id", id)
	}
	logger := lctx.Logger()

	res, err := e.pipeline.Load().assembler.Assemble(ctx, p)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if res == nil {
		logger.Info().Msg("No rule matched push")
		telemetry.RecordSuccess(span)
		return nil, nil
	}

	if err := e.deps.Store.CreateGoalSet(ctx, res.Set, res.Goals); err != nil {
		err = goal.NewTransientIOError("failed to record goal set", err).WithOperation("push")
		telemetry.RecordError(span, err)
		return nil, err
	}
	e.remember(res.Set.ID, p)

	logger.Info().
		Str("goal_set_id", res.Set.ID).
		Str("goal_set", res.Set.Name).
		Int("goals", len(res.Goals)).
		Bool("locked", res.Locked).
		Msg("Goal set created")

	e.audit(ctx, &stores.AuditEntry{
		Action:    stores.AuditGoalSetCreated,
		Actor:     e.opts.Actor,
		GoalSetID: res.Set.ID,
		Details:   details(p),
	})
	e.deps.Metrics.RecordGoalSetCreated(res.Set.Workspace)
	e.publish(e.deps.Events.PublishGoalSetCreated(res.Set.ID, res.Set.Name, res.Set.Sha, len(res.Goals)))
	for _, g := range res.Goals {
		if g.State == goal.StateRequested {
			e.publish(e.deps.Events.PublishGoalRequested(ref(g)))
		}
	}

	if err := e.progress(ctx, res.Set.ID, p); err != nil {
		telemetry.RecordError(span, err)
		return res, err
	}
	telemetry.RecordSuccess(span)
	return res, nil
}

// HandleGoalChange reacts to a goal changing state: its siblings are resolved
// again and whatever became ready is dispatched.
func (e *Engine) HandleGoalChange(ctx context.Context, goalID string) error {
	inst, err := e.getGoal(ctx, goalID)
	if err != nil {
		return err
	}
	p, err := e.pushFor(ctx, inst.GoalSetID)
	if err != nil {
		return err
	}
	return e.progress(ctx, inst.GoalSetID, p)
}

// Retry starts a new epoch for a goal that did not succeed. Dependents that
// were skipped because of it re-enter the new epoch too.
func (e *Engine) Retry(ctx context.Context, goalID, actor string) (*goal.Instance, error) {
	inst, err := e.getGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	ch := goal.Change{Actor: actor, CorrelationID: uuid.New().String()}

	unlock := e.lockSet(inst.GoalSetID)
	next, err := goal.Retry(inst, ch)
	if err != nil {
		unlock()
		return nil, err
	}
	saved, err := e.save(ctx, next)
	if err != nil {
		unlock()
		return nil, err
	}
	reset, err := e.resetDependents(ctx, saved, ch)
	unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("goal_id", saved.ID).
		Str("goal", saved.Key().String()).
		Int("epoch", saved.Epoch).
		Strs("dependents", reset).
		Str("actor", actor).
		Msg("Goal retried")
	e.audit(ctx, &stores.AuditEntry{
		Action:    stores.AuditGoalRetried,
		Actor:     actor,
		GoalSetID: saved.GoalSetID,
		GoalID:    saved.ID,
		Details:   details(map[string]interface{}{"epoch": saved.Epoch, "dependents": reset}),
	})
	if saved.State == goal.StateRequested {
		e.publish(e.deps.Events.PublishGoalRequested(ref(saved)))
	}

	if err := e.HandleGoalChange(ctx, saved.ID); err != nil {
		return saved, err
	}
	return e.getGoal(ctx, saved.ID)
}

// resetDependents retries every skipped or canceled goal downstream of root and returns
// their names.
func (e *Engine) resetDependents(ctx context.Context, root *goal.Instance, ch goal.Change) ([]string, error) {
	siblings, err := e.deps.Store.ListGoalSet(ctx, root.GoalSetID)
	if err != nil {
		return nil, goal.NewTransientIOError("failed to list goal set", err).WithOperation("retry")
	}

	var names []string
	queue := []goal.Key{root.Key()}
	seen := map[goal.Key]bool{root.Key(): true}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		for _, dep := range goal.Dependents(key, siblings) {
			if seen[dep.Key()] || (dep.State != goal.StateSkipped && dep.State != goal.StateCanceled) {
				continue
			}
			seen[dep.Key()] = true

			next, err := goal.Retry(dep, ch)
			if err != nil {
				return names, err
			}
			if _, err := e.save(ctx, next); err != nil {
				return names, err
			}
			names = append(names, dep.Name())
			queue = append(queue, dep.Key())
		}
	}
	return names, nil
}

// Approve releases the approval gate a goal is waiting at.
func (e *Engine) Approve(ctx context.Context, goalID, actor string) (*goal.Instance, error) {
	inst, err := e.getGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	unlock := e.lockSet(inst.GoalSetID)
	next, err := goal.Approve(inst, goal.Change{Actor: actor, CorrelationID: uuid.New().String()})
	if err != nil {
		unlock()
		return nil, err
	}
	saved, err := e.save(ctx, next)
	unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("goal_id", saved.ID).
		Str("goal", saved.Key().String()).
		Str("state", string(saved.State)).
		Str("actor", actor).
		Msg("Goal approved")
	e.audit(ctx, &stores.AuditEntry{
		Action:    stores.AuditGoalApproved,
		Actor:     actor,
		GoalSetID: saved.GoalSetID,
		GoalID:    saved.ID,
		Details:   details(map[string]interface{}{"state": saved.State}),
	})
	switch saved.State {
	case goal.StateSuccess:
		e.publish(e.deps.Events.PublishGoalSucceeded(ref(saved), 0))
	case goal.StateRequested:
		e.publish(e.deps.Events.PublishGoalRequested(ref(saved)))
	}

	if err := e.HandleGoalChange(ctx, saved.ID); err != nil {
		return saved, err
	}
	return e.getGoal(ctx, saved.ID)
}

// Cancel cancels every unfinished goal recorded for a commit and returns how
// many goals changed. Running goals notice on their next poll.
func (e *Engine) Cancel(ctx context.Context, owner, repo, sha, actor string) (int, error) {
	goals, err := e.deps.Store.ListGoalsBySha(ctx, owner, repo, sha)
	if err != nil {
		return 0, goal.NewTransientIOError("failed to list goals", err).WithOperation("cancel")
	}
	if len(goals) == 0 {
		return 0, goal.NewConfigurationError(fmt.Sprintf("no goals recorded for %s/%s@%s", owner, repo, sha), nil).
			WithCode(goal.ErrCodeNotFound)
	}

	open := make(map[string]map[string]bool)
	for _, g := range goals {
		if open[g.GoalSetID] == nil {
			open[g.GoalSetID] = make(map[string]bool)
		}
		if !g.State.IsTerminal() {
			open[g.GoalSetID][g.ID] = true
		}
	}
	setIDs := make([]string, 0, len(open))
	for id := range open {
		setIDs = append(setIDs, id)
	}
	sort.Strings(setIDs)

	ch := goal.Change{Actor: actor, CorrelationID: uuid.New().String()}
	total := 0
	for _, setID := range setIDs {
		unlock := e.lockSet(setID)
		n, err := dispatch.CancelGoalSet(ctx, e.deps.Store, setID, ch)
		unlock()
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			continue
		}

		e.logger.Info().Str("goal_set_id", setID).Int("goals", n).Str("actor", actor).Msg("Goal set canceled")
		e.audit(ctx, &stores.AuditEntry{
			Action:    stores.AuditGoalCanceled,
			Actor:     actor,
			GoalSetID: setID,
			Details:   details(map[string]interface{}{"sha": sha, "goals": n}),
		})

		after, err := e.deps.Store.ListGoalSet(ctx, setID)
		if err != nil {
			continue
		}
		for _, g := range after {
			if open[setID][g.ID] && g.State == goal.StateCanceled {
				e.publish(e.deps.Events.PublishGoalCanceled(ref(g), actor))
			}
		}
	}
	return total, nil
}

// progress resolves and dispatches the goals of a set until nothing is left
// to start. Each goal is attempted at most once per epoch within one call.
func (e *Engine) progress(ctx context.Context, setID string, p *push.Push) error {
	attempted := make(map[string]int)
	for {
		goals, err := e.promote(ctx, setID)
		if err != nil {
			return err
		}

		var ready []*goal.Instance
		done := true
		for _, g := range goals {
			if !g.State.IsTerminal() {
				done = false
			}
			if g.State != goal.StateRequested {
				continue
			}
			if epoch, ok := attempted[g.ID]; ok && epoch == g.Epoch {
				continue
			}
			attempted[g.ID] = g.Epoch
			ready = append(ready, g)
		}
		if done {
			e.forget(setID)
		}
		if len(ready) == 0 {
			return nil
		}

		if err := e.dispatchAll(ctx, ready, p); err != nil {
			return err
		}
	}
}

// dispatchAll runs the ready goals concurrently. A goal claimed elsewhere is
// left to its claimant.
func (e *Engine) dispatchAll(ctx context.Context, ready []*goal.Instance, p *push.Push) error {
	d := e.pipeline.Load().dispatcher

	var g errgroup.Group
	for _, inst := range ready {
		g.Go(func() error {
			_, err := d.Dispatch(ctx, inst.ID, p)
			if errors.Is(err, dispatch.ErrClaimed) {
				e.logger.Debug().Str("goal_id", inst.ID).Str("goal", inst.Key().String()).Msg("Goal already claimed")
				return nil
			}
			if err != nil {
				e.logger.Error().Err(err).Str("goal_id", inst.ID).Str("goal", inst.Key().String()).Msg("Dispatch failed")
				return fmt.Errorf("failed to dispatch %s: %w", inst.Key(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// promote resolves every planned goal of a set against a fresh snapshot,
// moving satisfied goals to requested and failed ones to skipped, until the
// snapshot is stable. It returns the final snapshot.
func (e *Engine) promote(ctx context.Context, setID string) ([]*goal.Instance, error) {
	unlock := e.lockSet(setID)
	defer unlock()

	goals, err := e.deps.Store.ListGoalSet(ctx, setID)
	if err != nil {
		return nil, goal.NewTransientIOError("failed to list goal set", err).WithOperation("progress")
	}

	for changed := true; changed; {
		changed = false
		for i, g := range goals {
			if g.State != goal.StatePlanned {
				continue
			}
			res := goal.Resolve(g, goals)

			var next *goal.Instance
			switch res.Verdict {
			case goal.VerdictSatisfied:
				next, err = goal.Transition(g, goal.StateRequested, goal.Change{Actor: e.opts.Actor})
			case goal.VerdictFailed:
				if res.Err != nil {
					e.logger.Error().Err(res.Err).Str("goal_id", g.ID).Msg("Goal set is inconsistent")
				}
				next, err = goal.Transition(g, goal.StateSkipped, goal.Change{Actor: e.opts.Actor, Description: res.Reason})
			default:
				continue
			}
			if err != nil {
				return goals, err
			}

			saved, err := e.save(ctx, next)
			if err != nil {
				return goals, err
			}
			goals[i] = saved
			changed = true
			if saved.State != next.State || saved.Epoch != next.Epoch {
				continue
			}

			switch saved.State {
			case goal.StateRequested:
				e.logger.Info().Str("goal_id", saved.ID).Str("goal", saved.Key().String()).Msg("Preconditions satisfied")
				e.publish(e.deps.Events.PublishGoalRequested(ref(saved)))
			case goal.StateSkipped:
				root := ""
				if res.Root != nil {
					root = res.Root.String()
				}
				e.logger.Info().Str("goal_id", saved.ID).Str("goal", saved.Key().String()).Str("root", root).Msg(res.Reason)
				e.deps.Metrics.RecordGoalSkipped()
				e.publish(e.deps.Events.PublishGoalSkipped(ref(saved), res.Reason, root))
			}
		}
	}
	return goals, nil
}

// lockSet takes the progression lock of a goal set.
func (e *Engine) lockSet(id string) func() {
	e.mu.Lock()
	m, ok := e.sets[id]
	if !ok {
		m = &sync.Mutex{}
		e.sets[id] = m
	}
	e.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func (e *Engine) remember(setID string, p *push.Push) {
	e.mu.Lock()
	e.pushes[setID] = p
	e.mu.Unlock()
}

func (e *Engine) forget(setID string) {
	e.mu.Lock()
	delete(e.pushes, setID)
	e.mu.Unlock()
}

// pushFor returns the push a goal set was created from, rebuilding it when
// this process never saw it.
func (e *Engine) pushFor(ctx context.Context, setID string) (*push.Push, error) {
	e.mu.Lock()
	p, ok := e.pushes[setID]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	set, err := e.deps.Store.GetGoalSet(ctx, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to load goal set: %w", err)
	}
	p, err = e.opts.PushResolver(ctx, set)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve push of goal set %s: %w", setID, err)
	}
	e.remember(setID, p)
	return p, nil
}

func (e *Engine) getGoal(ctx context.Context, id string) (*goal.Instance, error) {
	inst, err := e.deps.Store.GetGoal(ctx, id)
	if errors.Is(err, goal.ErrNotFound) {
		return nil, goal.NewConfigurationError(fmt.Sprintf("goal %s not found", id), err).
			WithCode(goal.ErrCodeNotFound)
	}
	if err != nil {
		return nil, goal.NewTransientIOError("failed to load goal", err)
	}
	return inst, nil
}

// save stores inst. Losing reconciliation returns the winner without error.
func (e *Engine) save(ctx context.Context, inst *goal.Instance) (*goal.Instance, error) {
	saved, err := e.deps.Store.SaveGoal(ctx, inst)
	if errors.Is(err, goal.ErrStale) {
		return saved, nil
	}
	if err != nil {
		return inst, goal.NewTransientIOError("failed to save goal", err).WithGoal(inst.Key().String())
	}
	return saved, nil
}

func (e *Engine) audit(ctx context.Context, entry *stores.AuditEntry) {
	if err := e.deps.Store.CreateAuditEntry(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("action", entry.Action).Msg("Failed to record audit entry")
	}
}

func (e *Engine) publish(err error) {
	if err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

func ref(inst *goal.Instance) telemetry.GoalRef {
	return telemetry.GoalRef{GoalSetID: inst.GoalSetID, GoalID: inst.ID, Goal: inst.Name(), Sha: inst.Sha}
}

func details(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
