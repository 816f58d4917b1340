package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goalset"
)

func newPlanCommand() *cobra.Command {
	var (
		flags   pushFlags
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the goal set a push would produce",
		Long: `Evaluate the rules against a push and print the goal set without recording
or running it.

The plan lists every goal with its preconditions and, with --dot, writes the
precondition graph in Graphviz format.`,
		Example: `  # Show the goals of a push to main
  goalflow plan --owner acme --repo web --branch main --sha abc123

  # Render the precondition graph
  goalflow plan --owner acme --repo web --branch main --sha abc123 --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withRuntime(ctx, func(ctx context.Context, rt *engine.Runtime) error {
				p, err := flags.push(rt.Config)
				if err != nil {
					return err
				}
				res, err := rt.Engine.Plan(ctx, p)
				if err != nil {
					return err
				}
				if res == nil {
					fmt.Println("No rule matched the push")
					return nil
				}
				return printPlan(res, dotFile)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file, - for stdout")
	return cmd
}

func printPlan(res *goalset.Result, dotFile string) error {
	if dotFile != "" {
		dot := res.Graph.ToDOT(res.Set.Name)
		if dotFile == "-" {
			fmt.Print(dot)
			return nil
		}
		if err := os.WriteFile(dotFile, []byte(dot), 0644); err != nil {
			return fmt.Errorf("failed to write DOT graph: %w", err)
		}
		log.Info().Str("file", dotFile).Msg("Wrote precondition graph")
	}

	if jsonOutput {
		return printJSON(map[string]interface{}{"goal_set": res.Set, "goals": res.Goals, "locked": res.Locked})
	}

	fmt.Printf("Goal set %s: %d goals, depth %d", res.Set.Name, len(res.Goals), res.Graph.Depth())
	if res.Locked {
		fmt.Print(" (locked)")
	}
	fmt.Println()
	for _, g := range res.Goals {
		kind := ""
		if spec, ok := res.Specs[g.Name()]; ok && spec.Kind != nil {
			kind = spec.Kind.KindName()
		}
		var pre []string
		for _, pc := range g.PreConditions {
			pre = append(pre, pc.Name)
		}
		line := fmt.Sprintf("  %-24s %-10s %s", g.Name(), kind, g.State)
		if len(pre) > 0 {
			line += " after " + strings.Join(pre, ", ")
		}
		fmt.Println(line)
	}
	return nil
}
