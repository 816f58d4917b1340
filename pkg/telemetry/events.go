package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a goal lifecycle notification. GoalSetID, GoalID, Goal and Sha are
// set when the event refers to a goal.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`

	GoalSetID string `json:"goal_set_id,omitempty"`
	GoalID    string `json:"goal_id,omitempty"`
	Goal      string `json:"goal,omitempty"`
	Sha       string `json:"sha,omitempty"`

	Message string                 `json:"message"`
	Level   string                 `json:"level"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeGoalSetCreated   = "goal_set.created"
	EventTypeGoalRequested    = "goal.requested"
	EventTypeGoalInProcess    = "goal.in_process"
	EventTypeGoalSucceeded    = "goal.succeeded"
	EventTypeGoalFailed       = "goal.failed"
	EventTypeGoalSkipped      = "goal.skipped"
	EventTypeGoalCanceled     = "goal.canceled"
	EventTypeApprovalRequired = "goal.approval_required"
)

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// GoalRef identifies the goal an event refers to.
type GoalRef struct {
	GoalSetID string
	GoalID    string
	Goal      string
	Sha       string
}

type (
	EventSubscriber func(event Event)
	// EventFilter reports whether an event passes.
	EventFilter func(event Event) bool
)

// EventPublisher fans goal events out to subscribers. In async mode a single
// goroutine delivers buffered events in publish order; otherwise Publish
// delivers inline. A nil publisher drops every event.
type EventPublisher struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []subscription
	filters     []EventFilter

	queue    chan Event
	stop     chan struct{}
	stopOnce sync.Once
	drained  chan struct{}
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher starts the delivery goroutine when cfg is async.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{config: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if ep.config.MaxBatchSize <= 0 {
		ep.config.MaxBatchSize = 1
	}
	ep.queue = make(chan Event, cfg.BufferSize)
	ep.stop = make(chan struct{})
	ep.drained = make(chan struct{})
	go ep.run()
	return ep, nil
}

// Publish stamps the event and hands it to the subscribers. An async
// publisher with a full buffer drops the event and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !ep.passes(event) {
		return nil
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return fmt.Errorf("event publisher stopped")
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func (ep *EventPublisher) passes(event Event) bool {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, f := range ep.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

func goalEvent(eventType, level string, ref GoalRef, message string, data map[string]interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    "engine",
		GoalSetID: ref.GoalSetID,
		GoalID:    ref.GoalID,
		Goal:      ref.Goal,
		Sha:       ref.Sha,
		Message:   message,
		Level:     level,
		Data:      data,
	}
}

// PublishGoalSetCreated publishes a goal set created event.
func (ep *EventPublisher) PublishGoalSetCreated(goalSetID, name, sha string, goals int) error {
	return ep.Publish(goalEvent(EventTypeGoalSetCreated, EventLevelInfo,
		GoalRef{GoalSetID: goalSetID, Sha: sha},
		fmt.Sprintf("Goal set %s created with %d goals", name, goals),
		map[string]interface{}{"name": name, "goals": goals}))
}

// PublishGoalRequested publishes a goal requested event.
func (ep *EventPublisher) PublishGoalRequested(ref GoalRef) error {
	return ep.Publish(goalEvent(EventTypeGoalRequested, EventLevelInfo, ref,
		fmt.Sprintf("Goal %s requested", ref.Goal), nil))
}

// PublishGoalInProcess publishes a goal started event.
func (ep *EventPublisher) PublishGoalInProcess(ref GoalRef, mode string) error {
	return ep.Publish(goalEvent(EventTypeGoalInProcess, EventLevelInfo, ref,
		fmt.Sprintf("Goal %s started", ref.Goal),
		map[string]interface{}{"mode": mode}))
}

// PublishGoalSucceeded publishes a goal succeeded event.
func (ep *EventPublisher) PublishGoalSucceeded(ref GoalRef, duration time.Duration) error {
	return ep.Publish(goalEvent(EventTypeGoalSucceeded, EventLevelInfo, ref,
		fmt.Sprintf("Goal %s succeeded", ref.Goal),
		map[string]interface{}{"duration": duration.Seconds()}))
}

// PublishGoalFailed publishes a goal failed event with the command that retries it.
func (ep *EventPublisher) PublishGoalFailed(ref GoalRef, reason, retryCommand string) error {
	data := map[string]interface{}{"reason": reason}
	if retryCommand != "" {
		data["retry_command"] = retryCommand
	}
	return ep.Publish(goalEvent(EventTypeGoalFailed, EventLevelError, ref,
		fmt.Sprintf("Goal %s failed: %s", ref.Goal, reason), data))
}

// PublishGoalSkipped publishes a goal skipped event naming the root failure.
func (ep *EventPublisher) PublishGoalSkipped(ref GoalRef, reason, root string) error {
	return ep.Publish(goalEvent(EventTypeGoalSkipped, EventLevelInfo, ref, reason,
		map[string]interface{}{"root": root}))
}

// PublishGoalCanceled publishes a goal canceled event.
func (ep *EventPublisher) PublishGoalCanceled(ref GoalRef, actor string) error {
	return ep.Publish(goalEvent(EventTypeGoalCanceled, EventLevelWarning, ref,
		fmt.Sprintf("Goal %s canceled by %s", ref.Goal, actor),
		map[string]interface{}{"actor": actor}))
}

// PublishApprovalRequired publishes an event for a goal waiting on a human decision.
func (ep *EventPublisher) PublishApprovalRequired(ref GoalRef, state string) error {
	return ep.Publish(goalEvent(EventTypeApprovalRequired, EventLevelInfo, ref,
		fmt.Sprintf("Goal %s is %s", ref.Goal, state),
		map[string]interface{}{"state": state}))
}

// Subscribe registers fn for the events filter accepts. A nil filter accepts all.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subscribers = append(ep.subscribers, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter registers a filter every event must pass before any delivery.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

// run delivers queued events in batches of MaxBatchSize, or every
// FlushInterval, until Shutdown. Events still queued at shutdown are delivered.
func (ep *EventPublisher) run() {
	defer close(ep.drained)

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, e := range batch {
			ep.deliver(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-ep.queue:
			if batch = append(batch, e); len(batch) >= ep.config.MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ep.stop:
			for {
				select {
				case e := <-ep.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subscribers
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until the queued ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.stopOnce.Do(func() { close(ep.stop) })

	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var eventLevelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel passes events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := eventLevelRank[minLevel]
	return func(event Event) bool {
		return eventLevelRank[event.Level] >= floor
	}
}

// FilterByType passes events of the given types.
func FilterByType(types ...string) EventFilter {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := allowed[event.Type]
		return ok
	}
}
