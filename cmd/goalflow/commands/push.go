package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// pushFlags describe a push on the command line.
type pushFlags struct {
	workspace     string
	owner         string
	repo          string
	branch        string
	defaultBranch string
	sha           string
	changed       []string
}

func (f *pushFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "workspace (defaults to the configured one)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&f.repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&f.branch, "branch", "", "pushed branch")
	cmd.Flags().StringVar(&f.defaultBranch, "default-branch", "main", "default branch of the repository")
	cmd.Flags().StringVar(&f.sha, "sha", "", "pushed commit")
	cmd.Flags().StringSliceVar(&f.changed, "changed", nil, "changed files, relative to the repository root")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("branch")
	cmd.MarkFlagRequired("sha")
}

func (f *pushFlags) push(cfg *config.Config) (*push.Push, error) {
	dir, err := absProjectDir()
	if err != nil {
		return nil, err
	}
	workspace := f.workspace
	if workspace == "" {
		workspace = cfg.Workspace
	}
	return &push.Push{
		Workspace:     workspace,
		Owner:         f.owner,
		Repo:          f.repo,
		Branch:        f.branch,
		DefaultBranch: f.defaultBranch,
		Sha:           f.sha,
		ChangedFiles:  f.changed,
		ProjectDir:    dir,
	}, nil
}

func newPushCommand() *cobra.Command {
	var flags pushFlags

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Handle a push and run its goal set",
		Long: `Evaluate the rules against a push, record the resulting goal set and run
every goal whose preconditions are met, until nothing is left to start.

Goals waiting for approval stay there; release them with 'goalflow approve'.`,
		Example: `  # Run the goals of a commit on main
  goalflow push --owner acme --repo web --branch main --sha abc123

  # Pass the changed files for changed: and rego: tests
  goalflow push --owner acme --repo web --branch feature/x --sha def456 \
    --changed go.mod,cmd/main.go`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				p, err := flags.push(rt.Config)
				if err != nil {
					return err
				}
				if err := rt.Telemetry.StartMetricsServer(ctx); err != nil {
					return err
				}

				res, err := rt.Engine.HandlePush(ctx, p)
				if err != nil {
					return err
				}
				if res == nil {
					fmt.Println("No rule matched the push")
					return nil
				}
				telemetry.FromContext(ctx).WithGoalSetID(res.Set.ID).WithSha(p.Sha).Debug("Push handled")

				goals, err := rt.Store.ListGoalSet(ctx, res.Set.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"goal_set": res.Set, "goals": goals})
				}
				fmt.Printf("Goal set %s (%s)\n", res.Set.ID, res.Set.Name)
				printGoals(goals)
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

// printGoals writes one line per goal.
func printGoals(goals []*goal.Instance) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGOAL\tSTATE\tEPOCH\tDESCRIPTION")
	for _, g := range goals {
		desc := g.Description
		if i := strings.IndexByte(desc, '\n'); i >= 0 {
			desc = desc[:i]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", g.ID, g.Name(), g.State, g.Epoch, desc)
	}
	w.Flush()
}
