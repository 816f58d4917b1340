package push

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// Test is a predicate over a push.
type Test interface {
	// Name identifies the test in logs and plan output.
	Name() string

	// Evaluate reports whether the push satisfies the test.
	Evaluate(ctx context.Context, p *Push) (bool, error)
}

type funcTest struct {
	name string
	fn   func(ctx context.Context, p *Push) (bool, error)
}

func (f *funcTest) Name() string { return f.name }

func (f *funcTest) Evaluate(ctx context.Context, p *Push) (bool, error) {
	return f.fn(ctx, p)
}

// Func adapts a function to a Test.
func Func(name string, fn func(ctx context.Context, p *Push) (bool, error)) Test {
	return &funcTest{name: name, fn: fn}
}

// Always matches every push.
func Always() Test {
	return Func("always", func(context.Context, *Push) (bool, error) { return true, nil })
}

// ToDefaultBranch matches pushes to the repository's default branch.
func ToDefaultBranch() Test {
	return Func("to_default_branch", func(_ context.Context, p *Push) (bool, error) {
		return p.IsDefaultBranch(), nil
	})
}

// IsBranch matches pushes whose branch matches the regular expression.
func IsBranch(pattern string) (Test, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile branch pattern %q: %w", pattern, err)
	}
	return Func(fmt.Sprintf("is_branch(%s)", pattern), func(_ context.Context, p *Push) (bool, error) {
		return re.MatchString(p.Branch), nil
	}), nil
}

// HasFile matches pushes whose checkout contains path.
func HasFile(path string) Test {
	return Func(fmt.Sprintf("has_file(%s)", path), func(_ context.Context, p *Push) (bool, error) {
		if p.ProjectDir == "" {
			return false, nil
		}
		_, err := os.Stat(filepath.Join(p.ProjectDir, filepath.FromSlash(path)))
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	})
}

// HasChangedFiles matches pushes that change at least one file matching any pattern.
func HasChangedFiles(patterns ...string) (Test, error) {
	m, err := CompileGlobs(patterns)
	if err != nil {
		return nil, err
	}
	return Func(fmt.Sprintf("has_changed_files(%s)", strings.Join(patterns, ",")), func(_ context.Context, p *Push) (bool, error) {
		for _, f := range p.ChangedFiles {
			if m.Match(filepath.ToSlash(f)) {
				return true, nil
			}
		}
		return false, nil
	}), nil
}

// Not negates a test.
func Not(t Test) Test {
	return Func("not("+t.Name()+")", func(ctx context.Context, p *Push) (bool, error) {
		ok, err := t.Evaluate(ctx, p)
		return !ok && err == nil, err
	})
}

// And matches when every test matches. Evaluation stops at the first miss.
func And(tests ...Test) Test {
	return Func("and("+names(tests)+")", func(ctx context.Context, p *Push) (bool, error) {
		for _, t := range tests {
			ok, err := t.Evaluate(ctx, p)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	})
}

// Or matches when any test matches. Evaluation stops at the first hit.
func Or(tests ...Test) Test {
	return Func("or("+names(tests)+")", func(ctx context.Context, p *Push) (bool, error) {
		for _, t := range tests {
			ok, err := t.Evaluate(ctx, p)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	})
}

func names(tests []Test) string {
	out := make([]string, len(tests))
	for i, t := range tests {
		out[i] = t.Name()
	}
	return strings.Join(out, ",")
}

// Matcher matches slash-separated relative paths against a list of globs.
type Matcher struct {
	globs []glob.Glob
}

// CompileGlobs compiles glob patterns with '/' as the separator.
// A pattern starting with "**/" also matches paths at the root.
func CompileGlobs(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "./")
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("failed to compile glob %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
		if rest := strings.TrimPrefix(pattern, "**/"); rest != pattern {
			g, err := glob.Compile(rest, '/')
			if err != nil {
				return nil, fmt.Errorf("failed to compile glob %q: %w", rest, err)
			}
			m.globs = append(m.globs, g)
		}
	}
	return m, nil
}

// Match reports whether path matches any pattern.
func (m *Matcher) Match(path string) bool {
	for _, g := range m.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
