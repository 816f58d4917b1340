package cache

import (
	"path"
	"strings"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// DefaultClassifier replaces a classifier that sanitizes to nothing.
const DefaultClassifier = "default"

// Scope is the context a classifier is resolved against and the checkout a
// cache operation reads from or writes into.
type Scope struct {
	Workspace   string
	Owner       string
	Repo        string
	Branch      string
	Sha         string
	Goal        string
	Environment string

	// ProjectDir is the checkout files are archived from and restored into.
	ProjectDir string

	// Push gates fallbacks. Nil disables every fallback that declares a test.
	Push *push.Push
}

// NewScope builds the scope of a goal instance on a push.
func NewScope(p *push.Push, inst *goal.Instance) Scope {
	s := Scope{
		Workspace:  p.Workspace,
		Owner:      p.Owner,
		Repo:       p.Repo,
		Branch:     p.Branch,
		Sha:        p.Sha,
		ProjectDir: p.ProjectDir,
		Push:       p,
	}
	if inst != nil {
		s.Goal = inst.Name()
		s.Environment = inst.Definition.Environment
	}
	return s
}

// Resolve replaces placeholder tokens in classifier with values from the scope.
// Unknown tokens are left untouched and later sanitized.
func (s Scope) Resolve(classifier string) string {
	return strings.NewReplacer(
		"${workspace}", s.Workspace,
		"${owner}", s.Owner,
		"${repo}", s.Repo,
		"${branch}", s.Branch,
		"${sha}", s.Sha,
		"${goal}", s.Goal,
		"${environment}", s.Environment,
	).Replace(classifier)
}

// Key resolves, sanitizes and namespaces classifier under the scope's workspace.
func (s Scope) Key(classifier string) string {
	return Namespace(s.Workspace, Sanitize(s.Resolve(classifier)))
}

// Sanitize maps a classifier to a single safe path segment.
// Characters outside [A-Za-z0-9._-] become '_', leading dots are stripped and
// an empty result becomes DefaultClassifier.
//
// Distinct inputs can collide: "feature/x" and "feature_x" both become
// "feature_x", so a branch placeholder can share an archive with a literal.
func Sanitize(classifier string) string {
	var b strings.Builder
	b.Grow(len(classifier))
	for _, r := range classifier {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return DefaultClassifier
	}
	return out
}

// Namespace prefixes a sanitized classifier with the sanitized workspace id.
func Namespace(workspace, classifier string) string {
	return path.Join(Sanitize(workspace), classifier)
}
