package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/cache"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goal"
)

// scopeFlags fill the placeholders of a classifier.
type scopeFlags struct {
	workspace string
	owner     string
	repo      string
	branch    string
	sha       string
	goal      string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "workspace (defaults to the configured one)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "value of ${owner}")
	cmd.Flags().StringVar(&f.repo, "repo", "", "value of ${repo}")
	cmd.Flags().StringVar(&f.branch, "branch", "", "value of ${branch}")
	cmd.Flags().StringVar(&f.sha, "sha", "", "value of ${sha}")
	cmd.Flags().StringVar(&f.goal, "goal", "", "value of ${goal}")
}

func (f *scopeFlags) scope(rt *engine.Runtime) (cache.Scope, error) {
	dir, err := absProjectDir()
	if err != nil {
		return cache.Scope{}, err
	}
	ws := f.workspace
	if ws == "" {
		ws = rt.Config.Workspace
	}
	return cache.Scope{
		Workspace:  ws,
		Owner:      f.owner,
		Repo:       f.repo,
		Branch:     f.branch,
		Sha:        f.sha,
		Goal:       f.goal,
		ProjectDir: dir,
	}, nil
}

// withCache runs fn when the goal cache is enabled.
func withCache(cmd *cobra.Command, fn func(rt *engine.Runtime, c *cache.GoalCache) error) error {
	return withRuntime(cmd.Context(), func(_ context.Context, rt *engine.Runtime) error {
		if rt.Cache == nil {
			return goal.NewConfigurationError("the goal cache is disabled", nil).WithOperation("cache")
		}
		return fn(rt, rt.Cache)
	})
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage goal cache archives",
		Long: `Store, restore and remove goal cache archives by classifier.

Classifiers may use the placeholders ${workspace}, ${owner}, ${repo},
${branch}, ${sha}, ${goal} and ${environment}.`,
	}

	cmd.AddCommand(newCachePutCommand())
	cmd.AddCommand(newCacheRestoreCommand())
	cmd.AddCommand(newCacheRemoveCommand())
	cmd.AddCommand(newCacheSweepCommand())
	return cmd
}

func newCachePutCommand() *cobra.Command {
	var (
		scope      scopeFlags
		classifier string
		globs      []string
		directory  string
	)

	cmd := &cobra.Command{
		Use:   "put",
		Short: "Archive files of the project directory under a classifier",
		Example: `  goalflow cache put --classifier 'npm-${branch}' --directory node_modules --branch main
  goalflow cache put --classifier reports --glob '**/*.txt'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(rt *engine.Runtime, c *cache.GoalCache) error {
				s, err := scope.scope(rt)
				if err != nil {
					return err
				}
				entry := goal.CacheEntry{
					Classifier: classifier,
					Pattern:    goal.Pattern{GlobPattern: globs, Directory: directory},
				}
				if err := entry.Pattern.Validate(); err != nil {
					return goal.NewConfigurationError("invalid cache pattern", err).WithOperation("cache.put")
				}
				handle, err := c.Put(cmd.Context(), s, entry)
				if err != nil {
					return err
				}
				if handle == "" {
					fmt.Println("No files matched, nothing stored")
					return nil
				}
				fmt.Printf("Stored %s as %s\n", s.Key(classifier), handle)
				return nil
			})
		},
	}

	scope.register(cmd)
	cmd.Flags().StringVar(&classifier, "classifier", "", "archive classifier")
	cmd.Flags().StringSliceVar(&globs, "glob", nil, "glob patterns relative to the project directory")
	cmd.Flags().StringVar(&directory, "directory", "", "directory relative to the project directory")
	cmd.MarkFlagRequired("classifier")
	return cmd
}

func newCacheRestoreCommand() *cobra.Command {
	var (
		scope      scopeFlags
		classifier string
		fallbacks  []string
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Extract an archive into the project directory",
		Example: `  # Restore the branch cache, falling back to the main branch cache
  goalflow cache restore --classifier 'npm-${branch}' --branch feature/x --fallback npm-main`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(rt *engine.Runtime, c *cache.GoalCache) error {
				s, err := scope.scope(rt)
				if err != nil {
					return err
				}
				var fbs []cache.Fallback
				for _, fb := range fallbacks {
					fbs = append(fbs, cache.ClassifierFallback(fb, fb, nil))
				}
				if err := c.Restore(cmd.Context(), s, classifier, fbs...); err != nil {
					return err
				}
				fmt.Printf("Restored %s into %s\n", s.Key(classifier), s.ProjectDir)
				return nil
			})
		},
	}

	scope.register(cmd)
	cmd.Flags().StringVar(&classifier, "classifier", "", "archive classifier")
	cmd.Flags().StringSliceVar(&fallbacks, "fallback", nil, "classifiers tried in order when the archive is missing")
	cmd.MarkFlagRequired("classifier")
	return cmd
}

func newCacheRemoveCommand() *cobra.Command {
	var (
		scope      scopeFlags
		classifier string
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete the archive stored under a classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(rt *engine.Runtime, c *cache.GoalCache) error {
				s, err := scope.scope(rt)
				if err != nil {
					return err
				}
				if err := c.Remove(cmd.Context(), s, classifier); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", s.Key(classifier))
				return nil
			})
		},
	}

	scope.register(cmd)
	cmd.Flags().StringVar(&classifier, "classifier", "", "archive classifier")
	cmd.MarkFlagRequired("classifier")
	return cmd
}

func newCacheSweepCommand() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete archives older than the retention period",
		Example: `  goalflow cache sweep
  goalflow cache sweep --max-age 72h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd, func(rt *engine.Runtime, c *cache.GoalCache) error {
				age := maxAge
				if age == 0 {
					age = rt.Config.Cache.Retention
				}
				if age <= 0 {
					return goal.NewConfigurationError("no retention configured, pass --max-age", nil).
						WithOperation("cache.sweep")
				}
				removed, err := c.Sweep(cmd.Context(), age)
				if err != nil {
					return err
				}
				fmt.Printf("Removed %d archives older than %s\n", removed, age)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "maximum archive age (defaults to the configured retention)")
	return cmd
}
