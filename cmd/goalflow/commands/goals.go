package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goal"
)

func newGoalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goals",
		Short: "Inspect recorded goal sets and goals",
	}

	cmd.AddCommand(newGoalsListCommand())
	cmd.AddCommand(newGoalsShowCommand())
	return cmd
}

func newGoalsListCommand() *cobra.Command {
	var (
		setID     string
		workspace string
		owner     string
		repo      string
		branch    string
		sha       string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goal sets, or the goals of one set or commit",
		Example: `  # Goal sets of the workspace, newest first
  goalflow goals list

  # Goal sets of one branch
  goalflow goals list --owner acme --repo web --branch main

  # Goals of a goal set
  goalflow goals list --set 1b4e28ba-2fa1-11d2-883f-0016d3cca427

  # Goals of a commit across goal sets
  goalflow goals list --owner acme --repo web --sha abc123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				var (
					goals []*goal.Instance
					err   error
				)
				switch {
				case setID != "":
					goals, err = rt.Store.ListGoalSet(ctx, setID)
				case sha != "":
					if owner == "" || repo == "" {
						return fmt.Errorf("--sha needs --owner and --repo")
					}
					goals, err = rt.Store.ListGoalsBySha(ctx, owner, repo, sha)
				default:
					ws := workspace
					if ws == "" {
						ws = rt.Config.Workspace
					}
					sets, err := rt.Store.ListGoalSets(ctx, ws, owner, repo, branch)
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(sets)
					}
					printSets(sets)
					return nil
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(goals)
				}
				printGoals(goals)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&setID, "set", "", "goal set ID")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace (defaults to the configured one)")
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&branch, "branch", "", "branch")
	cmd.Flags().StringVar(&sha, "sha", "", "commit")
	return cmd
}

func printSets(sets []*goal.Set) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tREPO\tBRANCH\tSHA\tCREATED")
	for _, s := range sets {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			s.ID, s.Name, s.Owner, s.Repo, s.Branch, s.Sha, s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func newGoalsShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <goal-id>",
		Short: "Show a goal with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				inst, err := rt.Store.GetGoal(ctx, args[0])
				if err != nil {
					return err
				}
				audit, err := rt.Store.ListAuditEntries(ctx, inst.ID, 50)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]interface{}{"goal": inst, "audit": audit})
				}

				fmt.Printf("Goal:        %s\n", inst.Key())
				fmt.Printf("ID:          %s\n", inst.ID)
				fmt.Printf("Goal set:    %s (%s)\n", inst.GoalSet, inst.GoalSetID)
				fmt.Printf("Commit:      %s/%s %s@%s\n", inst.Owner, inst.Repo, inst.Branch, inst.Sha)
				fmt.Printf("State:       %s (epoch %d)\n", inst.State, inst.Epoch)
				if inst.URL != "" {
					fmt.Printf("Log:         %s\n", inst.URL)
				}
				for _, u := range inst.ExternalURLs {
					fmt.Printf("Link:        %s\n", u)
				}
				if len(inst.PreConditions) > 0 {
					fmt.Println("Preconditions:")
					for _, pc := range inst.PreConditions {
						fmt.Printf("  - %s\n", pc)
					}
				}
				fmt.Printf("\n%s\n", inst.Description)

				fmt.Println("\nHistory:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				for _, p := range inst.Provenance {
					fmt.Fprintf(w, "  %s\t%s\tepoch %d\t%s\n",
						p.Timestamp.Local().Format("2006-01-02 15:04:05"), p.State, p.Epoch, p.Actor)
				}
				w.Flush()

				if len(audit) > 0 {
					fmt.Println("\nAudit:")
					for _, a := range audit {
						fmt.Printf("  %s  %s by %s\n", a.Timestamp.Local().Format("2006-01-02 15:04:05"), a.Action, a.Actor)
					}
				}
				return nil
			})
		},
	}
	return cmd
}
