package goal

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Definition is the immutable template of a goal.
type Definition struct {
	// Name is the unique goal name within a goal set (e.g., "compile").
	Name string `json:"name"`

	// DisplayName is the human-readable name, defaults to Name.
	DisplayName string `json:"display_name,omitempty"`

	// Environment is the stage tag the goal belongs to (e.g., "testing", "production").
	Environment string `json:"environment,omitempty"`

	// Descriptions holds per-state human-readable descriptions.
	Descriptions map[State]string `json:"descriptions,omitempty"`

	// RetryFeasible indicates the goal may be retried manually after failure.
	RetryFeasible bool `json:"retry_feasible"`

	// ApprovalRequired holds the goal in waiting_for_approval after a successful body.
	ApprovalRequired bool `json:"approval_required"`

	// PreApprovalRequired holds the goal in waiting_for_pre_approval before its body runs.
	PreApprovalRequired bool `json:"pre_approval_required"`
}

// Label returns the display name, falling back to the goal name.
func (d Definition) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Describe returns the description for a state, or a generic sentence.
func (d Definition) Describe(state State) string {
	if desc, ok := d.Descriptions[state]; ok && desc != "" {
		return desc
	}
	switch state {
	case StatePlanned:
		return fmt.Sprintf("Planned: %s", d.Label())
	case StateRequested:
		return fmt.Sprintf("Ready: %s", d.Label())
	case StateWaitingForPreApproval:
		return fmt.Sprintf("Start required: %s", d.Label())
	case StateInProcess:
		return fmt.Sprintf("Working: %s", d.Label())
	case StateWaitingForApproval:
		return fmt.Sprintf("Approval required: %s", d.Label())
	case StateSuccess:
		return fmt.Sprintf("Complete: %s", d.Label())
	case StateFailure:
		return fmt.Sprintf("Failed: %s", d.Label())
	case StateSkipped:
		return fmt.Sprintf("Skipped: %s", d.Label())
	case StateCanceled:
		return fmt.Sprintf("Canceled: %s", d.Label())
	default:
		return fmt.Sprintf("Stopped: %s", d.Label())
	}
}

// Key identifies a goal instance within a goal set.
type Key struct {
	// Environment is the stage tag of the goal.
	Environment string `json:"environment"`

	// Name is the goal name.
	Name string `json:"name"`
}

// String returns the key as "environment/name", or just the name without an environment.
func (k Key) String() string {
	if k.Environment == "" {
		return k.Name
	}
	return k.Environment + "/" + k.Name
}

// Fulfillment records how a goal is fulfilled.
type Fulfillment struct {
	// Method is the dispatch mode that ran the goal.
	Method Mode `json:"method"`

	// Name is the registry implementation name.
	Name string `json:"name"`
}

// Provenance is one append-only audit entry on a goal instance.
type Provenance struct {
	// Actor is who caused the change (e.g., "dispatcher", "user:alice").
	Actor string `json:"actor"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID ties the change to the event that caused it.
	CorrelationID string `json:"correlation_id"`

	// State is the state entered by this change.
	State State `json:"state"`

	// Epoch is the retry epoch the change belongs to.
	Epoch int `json:"epoch"`
}

// Approval records a human decision on a goal.
type Approval struct {
	// Actor is who approved.
	Actor string `json:"actor"`

	// Timestamp is when the approval happened.
	Timestamp time.Time `json:"timestamp"`

	// CorrelationID ties the approval to its triggering event.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ClassifierRef names a cache classifier a goal restores before it runs.
type ClassifierRef struct {
	Classifier string `json:"classifier"`

	// Fallbacks run in order when the classifier cannot be restored.
	Fallbacks []FallbackRef `json:"fallbacks,omitempty"`
}

// FallbackRef repairs a failed restore, either from another classifier or by
// running a command. Exactly one of Classifier and Command is set.
type FallbackRef struct {
	Name       string `json:"name,omitempty"`
	Classifier string `json:"classifier,omitempty"`
	Command    string `json:"command,omitempty"`
}

// Pattern selects the files of a cache entry. Exactly one field is set.
type Pattern struct {
	// GlobPattern lists glob patterns relative to the project directory.
	GlobPattern []string `json:"glob_pattern,omitempty"`

	// Directory is a whole directory relative to the project directory.
	Directory string `json:"directory,omitempty"`
}

// Validate checks that exactly one selector is set and that it stays inside
// the project directory.
func (p Pattern) Validate() error {
	hasGlob := len(p.GlobPattern) > 0
	hasDir := p.Directory != ""
	if hasGlob == hasDir {
		return fmt.Errorf("cache pattern needs exactly one of glob pattern or directory")
	}
	if hasDir && escapesProject(p.Directory) {
		return fmt.Errorf("cache directory %q must be relative to the project directory", p.Directory)
	}
	for _, g := range p.GlobPattern {
		if escapesProject(g) {
			return fmt.Errorf("cache glob pattern %q must be relative to the project directory", g)
		}
	}
	return nil
}

func escapesProject(rel string) bool {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if path.IsAbs(rel) || (len(rel) > 1 && rel[1] == ':') {
		return true
	}
	clean := path.Clean(rel)
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// CacheEntry names the files a goal stores after it succeeds.
type CacheEntry struct {
	Classifier string  `json:"classifier"`
	Pattern    Pattern `json:"pattern"`
}

// CacheData is the typed cache bookkeeping of a goal instance.
type CacheData struct {
	// Inputs are restored before the goal body runs.
	Inputs []ClassifierRef `json:"inputs,omitempty"`

	// Outputs are archived after the goal body succeeds.
	Outputs []CacheEntry `json:"outputs,omitempty"`
}

// Instance is the mutable record of one goal's progress on one commit.
type Instance struct {
	// ID is the unique identifier of this instance.
	ID string `json:"id"`

	// GoalSetID groups the goals produced for one push.
	GoalSetID string `json:"goal_set_id"`

	// GoalSet is the derived goal set name.
	GoalSet string `json:"goal_set"`

	// Definition is the goal template.
	Definition Definition `json:"definition"`

	// Workspace is the tenant the goal runs for.
	Workspace string `json:"workspace"`

	// Owner is the repository owner.
	Owner string `json:"owner"`

	// Repo is the repository name.
	Repo string `json:"repo"`

	// Branch is the pushed branch.
	Branch string `json:"branch"`

	// Sha is the commit the goal applies to.
	Sha string `json:"sha"`

	// State is the current lifecycle state.
	State State `json:"state"`

	// Fulfillment records the implementation chosen for this goal.
	Fulfillment Fulfillment `json:"fulfillment"`

	// PreConditions lists sibling goals that must succeed first, in declared order.
	PreConditions []Key `json:"pre_conditions,omitempty"`

	// Data holds cache bookkeeping.
	Data CacheData `json:"data"`

	// Provenance is the append-only change history.
	Provenance []Provenance `json:"provenance"`

	// PreApproval records the decision that released a pre-approval gate.
	PreApproval *Approval `json:"pre_approval,omitempty"`

	// Approval records the decision that released an approval gate.
	Approval *Approval `json:"approval,omitempty"`

	// URL links to the goal's execution log.
	URL string `json:"url,omitempty"`

	// ExternalURLs link to targets produced by the goal (e.g., a deployment).
	ExternalURLs []string `json:"external_urls,omitempty"`

	// Description is the current human-readable status line.
	Description string `json:"description"`

	// Error holds the failure message, if any.
	Error string `json:"error,omitempty"`

	// Epoch increases with every manual retry.
	Epoch int `json:"epoch"`

	// Ts is the timestamp of the last change and drives reconciliation.
	Ts time.Time `json:"ts"`
}

// Key returns the goal key of this instance.
func (i *Instance) Key() Key {
	return Key{Environment: i.Definition.Environment, Name: i.Definition.Name}
}

// Name returns the goal name.
func (i *Instance) Name() string {
	return i.Definition.Name
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	c := *i
	c.PreConditions = append([]Key(nil), i.PreConditions...)
	c.Provenance = append([]Provenance(nil), i.Provenance...)
	c.ExternalURLs = append([]string(nil), i.ExternalURLs...)
	c.Data.Inputs = append([]ClassifierRef(nil), i.Data.Inputs...)
	c.Data.Outputs = append([]CacheEntry(nil), i.Data.Outputs...)
	if i.Definition.Descriptions != nil {
		c.Definition.Descriptions = make(map[State]string, len(i.Definition.Descriptions))
		for k, v := range i.Definition.Descriptions {
			c.Definition.Descriptions[k] = v
		}
	}
	if i.Approval != nil {
		a := *i.Approval
		c.Approval = &a
	}
	if i.PreApproval != nil {
		a := *i.PreApproval
		c.PreApproval = &a
	}
	return &c
}

// Set is the record of one assembled goal set.
type Set struct {
	// ID is the goal set identifier.
	ID string `json:"id"`

	// Name is the comma-joined names of the contributing rules.
	Name string `json:"name"`

	// Workspace is the tenant of the push.
	Workspace string `json:"workspace"`

	// Owner is the repository owner.
	Owner string `json:"owner"`

	// Repo is the repository name.
	Repo string `json:"repo"`

	// Branch is the pushed branch.
	Branch string `json:"branch"`

	// Sha is the pushed commit.
	Sha string `json:"sha"`

	// CreatedAt is when the set was assembled.
	CreatedAt time.Time `json:"created_at"`
}

// IndexByKey maps siblings by key. Later duplicates are ignored.
func IndexByKey(goals []*Instance) map[Key]*Instance {
	idx := make(map[Key]*Instance, len(goals))
	for _, g := range goals {
		if _, ok := idx[g.Key()]; !ok {
			idx[g.Key()] = g
		}
	}
	return idx
}

// Dependents returns the siblings that list key as a direct precondition, sorted by name.
func Dependents(key Key, goals []*Instance) []*Instance {
	var out []*Instance
	for _, g := range goals {
		for _, pc := range g.PreConditions {
			if pc == key {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}
