// Package push describes the code-change events that drive goal assembly and
// the predicates rules use to decide whether they apply to a push.
package push

import (
	"fmt"
	"strings"
)

// Push is the descriptor of one code-change event on a commit.
type Push struct {
	// Workspace is the tenant the push belongs to.
	Workspace string `json:"workspace" yaml:"workspace" validate:"required"`

	// Owner is the repository owner.
	Owner string `json:"owner" yaml:"owner" validate:"required"`

	// Repo is the repository name.
	Repo string `json:"repo" yaml:"repo" validate:"required"`

	// Branch is the branch the commit was pushed to.
	Branch string `json:"branch" yaml:"branch" validate:"required"`

	// DefaultBranch is the repository's default branch (e.g., "main").
	DefaultBranch string `json:"default_branch" yaml:"default_branch"`

	// Sha is the pushed commit.
	Sha string `json:"sha" yaml:"sha" validate:"required"`

	// ChangedFiles lists paths changed by the push, relative to the repository root.
	ChangedFiles []string `json:"changed_files,omitempty" yaml:"changed_files,omitempty"`

	// ProjectDir is the local checkout of the commit.
	ProjectDir string `json:"project_dir" yaml:"project_dir"`

	// CorrelationID ties every change caused by this push together.
	CorrelationID string `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
}

// Validate checks the fields every push must carry.
func (p *Push) Validate() error {
	var missing []string
	if p.Workspace == "" {
		missing = append(missing, "workspace")
	}
	if p.Owner == "" {
		missing = append(missing, "owner")
	}
	if p.Repo == "" {
		missing = append(missing, "repo")
	}
	if p.Branch == "" {
		missing = append(missing, "branch")
	}
	if p.Sha == "" {
		missing = append(missing, "sha")
	}
	if len(missing) > 0 {
		return fmt.Errorf("push is missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsDefaultBranch reports whether the push targets the default branch.
func (p *Push) IsDefaultBranch() bool {
	return p.DefaultBranch != "" && p.Branch == p.DefaultBranch
}

// Slug returns "owner/repo".
func (p *Push) Slug() string {
	return p.Owner + "/" + p.Repo
}

// Input returns the push as a plain map, the form policy and script evaluators consume.
func (p *Push) Input() map[string]interface{} {
	files := make([]interface{}, len(p.ChangedFiles))
	for i, f := range p.ChangedFiles {
		files[i] = f
	}
	return map[string]interface{}{
		"workspace":         p.Workspace,
		"owner":             p.Owner,
		"repo":              p.Repo,
		"branch":            p.Branch,
		"default_branch":    p.DefaultBranch,
		"is_default_branch": p.IsDefaultBranch(),
		"sha":               p.Sha,
		"changed_files":     files,
		"project_dir":       p.ProjectDir,
	}
}
