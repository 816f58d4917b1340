package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goal"
)

// defaultActor names the operator in provenance and audit entries.
func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "user:" + u
	}
	return "user:unknown"
}

func printGoal(inst *goal.Instance) error {
	if jsonOutput {
		return printJSON(inst)
	}
	fmt.Printf("%s is %s (epoch %d)\n", inst.Key(), inst.State, inst.Epoch)
	if inst.Description != "" {
		fmt.Println(inst.Description)
	}
	return nil
}

func newRetryCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "retry <goal-id>",
		Short: "Retry a goal that failed, was skipped or canceled",
		Long: `Start a new epoch for a goal that did not succeed and run it again.

Goals that were skipped because of it are reset into the new epoch as well.
A failed goal can only be retried when its definition allows it.`,
		Example: `  goalflow retry 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				inst, err := rt.Engine.Retry(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printGoal(inst)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who is retrying")
	return cmd
}

func newApproveCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "approve <goal-id>",
		Short: "Approve a goal waiting for approval or pre-approval",
		Example: `  goalflow approve 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --actor user:alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				inst, err := rt.Engine.Approve(ctx, args[0], actor)
				if err != nil {
					return err
				}
				return printGoal(inst)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who is approving")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var (
		owner string
		repo  string
		sha   string
		actor string
	)

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel every unfinished goal of a commit",
		Long: `Cancel every goal recorded for a commit that has not finished yet.

Running goals stop at their next cancellation poll.`,
		Example: `  goalflow cancel --owner acme --repo web --sha abc123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				n, err := rt.Engine.Cancel(ctx, owner, repo, sha, actor)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]int{"canceled": n})
				}
				fmt.Printf("Canceled %d goals\n", n)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name")
	cmd.Flags().StringVar(&sha, "sha", "", "commit")
	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who is canceling")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("sha")
	return cmd
}
