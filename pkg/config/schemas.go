package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Builtin schema names.
const (
	SchemaConfig = "config"
	SchemaRules  = "rules"
)

// SchemaRegistry holds CUE schemas documents are checked against before
// they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the builtin schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(SchemaConfig, builtinConfigSchema, "#Config"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema(SchemaRules, builtinRulesSchema, "#Rules"); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles source and registers the definition named root.
func (sr *SchemaRegistry) RegisterSchema(name, source, root string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(root))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no %s definition", name, root)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema unifies data with the named schema and requires a
// concrete result.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, name string, data interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	if data == nil {
		data = map[string]interface{}{}
	}
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueError(err)
	}
	return nil
}

// ListSchemas returns the registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cueError flattens a CUE error list into one error with positions.
func cueError(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 && pos[0].Filename() != "" {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	if len(msgs) == 0 {
		return err
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// normalize converts map[interface{}]interface{} values to string-keyed maps.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	default:
		return v
	}
}

const builtinConfigSchema = `
#Duration: string | int

#Config: {
	workspace?: string & != ""
	store?: {
		path?:              string
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}
	rules?: {
		path?:     string
		policies?: [...string]
	}
	dispatch?: {
		mode?:                 "in_process" | "isolated"
		runner_path?:          string
		runner_args?:          [...string]
		log_dir?:              string
		log_base_url?:         string
		tail_lines?:           int & >=0
		hooks_dir?:            string
		retry_command?:        string
		cancel_poll_interval?: #Duration
		lease?: {
			enabled?: bool
			ttl?:     #Duration
		}
	}
	cache?: {
		enabled?:          bool
		store?:            "file" | "sftp"
		directory?:        string
		sftp?:             {...}
		tar_path?:         string
		tolerate_failure?: bool
		retention?:        #Duration
	}
	starlark?: {
		timeout?: #Duration
	}
	telemetry?: {...}
}
`

const builtinRulesSchema = `
#Duration: string | int

#Rules: {
	rules: [...#Rule]
}

#Rule: {
	name:        string & =~"^[A-Za-z0-9_.-]+$"
	test?:       string
	tests?:      [...string]
	depends_on?: [...string]
	goals:       [...#GoalEntry]
	then?:       [...[...#GoalEntry]]
}

#GoalEntry: #Goal | "lock" | "immaterial"

#Goal: {
	name:                   string & != ""
	display_name?:          string
	environment?:           string
	descriptions?:          {[string]: string}
	retry_feasible?:        bool
	approval_required?:     bool
	pre_approval_required?: bool

	script?: {
		command:  string
		dir?:     string
		env?:     {[string]: string}
		timeout?: #Duration
	}
	container?: {
		image:     string
		runtime?:  "docker" | "podman"
		command?:  [...string]
		env?:      {[string]: string}
		volumes?:  [...string]
		workdir?:  string
		network?:  string
		timeout?:  #Duration
	}
	use?:    string
	params?: {[string]: string}
	queue?: {
		concurrent?:    int & >=0
		poll_interval?: #Duration
	}
	cancel?: {
		goal_sets?: [...string]
	}
	immaterial?: bool

	cache?: {
		inputs?: [...{
			classifier: string
			fallbacks?: [...{
				name?:       string
				classifier?: string
				command?:    string
			}]
		}]
		outputs?: [...{
			classifier: string
			glob?:      [...string]
			directory?: string
		}]
	}
}
`
