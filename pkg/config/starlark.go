package config

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// DefaultStarlarkTimeout bounds one script evaluation.
const DefaultStarlarkTimeout = 5 * time.Second

// StarlarkEvaluator runs Starlark scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// StarlarkResult holds the globals a script defined.
type StarlarkResult struct {
	Globals       map[string]interface{}
	ExecutionTime time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultStarlarkTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input as predeclared values. Globals starting
// with an underscore are dropped from the result.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	predeclared := starlark.StringDict{
		"struct":     starlarkstruct.Default,
		"glob_match": starlark.NewBuiltin("glob_match", builtinGlobMatch),
	}
	for key, val := range input {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := &starlark.Thread{
		Name:  "goalflow",
		Print: func(*starlark.Thread, string) {},
	}

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		globals, err := starlark.ExecFileOptions(&syntax.FileOptions{Set: true, While: true, TopLevelControl: true, GlobalReassign: true}, thread, filename, script, predeclared)
		done <- outcome{globals, err}
	}()

	var out outcome
	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		<-done
		return nil, fmt.Errorf("starlark execution of %s timed out after %v", filename, se.timeout)
	case out = <-done:
	}
	if out.err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", out.err)
	}

	result := &StarlarkResult{Globals: make(map[string]interface{}, len(out.globals))}
	for name, val := range out.globals {
		if name[0] == '_' {
			continue
		}
		gv, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", name, err)
		}
		result.Globals[name] = gv
	}
	result.ExecutionTime = time.Since(start)
	return result, nil
}

// Test returns a push test running script with the push predeclared as
// "push". The script must assign a boolean to the global "allow".
func (se *StarlarkEvaluator) Test(name, script string) push.Test {
	return push.Func("starlark:"+name, func(ctx context.Context, p *push.Push) (bool, error) {
		res, err := se.Evaluate(ctx, name, script, map[string]interface{}{"push": p.Input()})
		if err != nil {
			return false, goal.NewConfigurationError(fmt.Sprintf("push test %s failed", name), err).
				WithOperation("starlark.test")
		}
		allow, ok := res.Globals["allow"].(bool)
		if !ok {
			return false, goal.NewConfigurationError(
				fmt.Sprintf("push test %s must set allow to a bool, got %T", name, res.Globals["allow"]), nil,
			).WithOperation("starlark.test")
		}
		return allow, nil
	})
}

// builtinGlobMatch implements glob_match(pattern, path).
func builtinGlobMatch(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pattern", &pattern, "path", &path); err != nil {
		return nil, err
	}
	m, err := push.CompileGlobs([]string{pattern})
	if err != nil {
		return nil, err
	}
	return starlark.Bool(m.Match(path)), nil
}

// toStarlarkValue converts a Go value to a Starlark value. Maps become structs
// so fields read as push.branch.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		fields := make(starlark.StringDict, len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			fields[k] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	case *starlark.Function, *starlark.Builtin:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
