package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

func newDevCommand() *cobra.Command {
	var (
		flags   pushFlags
		run     bool
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Watch the rules and re-plan on every change",
		Long: `Watch the rule document and Rego policies. Every change reloads them and
plans the given push again, so rule edits can be checked as they are made.

With --run the push is handled instead of planned, running its goals.
Stop with Ctrl+C.`,
		Example: `  # Re-plan a push to main whenever the rules change
  goalflow dev --owner acme --repo web --branch main --sha abc123

  # Run the goals on every change
  goalflow dev --owner acme --repo web --branch main --sha abc123 --run`,
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

				evaluate := func(ctx context.Context) error {
					return devEvaluate(ctx, rt, p, run, dotFile)
				}
				if err := evaluate(ctx); err != nil {
					telemetry.FromContext(ctx).WithError(err).Error("Initial evaluation failed")
				}

				watcher := config.NewWatcher(rt.WatchPaths(), config.DefaultDebounce, rt.Telemetry.Logger.Zerolog())
				log.Info().Strs("paths", rt.WatchPaths()).Msg("Watching for changes")
				return watcher.Run(ctx, func(ctx context.Context) error {
					if err := rt.Reload(ctx); err != nil {
						return err
					}
					return evaluate(ctx)
				})
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&run, "run", false, "handle the push instead of planning it")
	cmd.Flags().StringVar(&dotFile, "dot", "", "rewrite this DOT graph file on every change")
	return cmd
}

func devEvaluate(ctx context.Context, rt *engine.Runtime, p *push.Push, run bool, dotFile string) error {
	if !run {
		res, err := rt.Engine.Plan(ctx, p)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Println("No rule matched the push")
			return nil
		}
		return printPlan(res, dotFile)
	}

	// Every run is a fresh goal set, not a retry of the previous one.
	cp := *p
	cp.CorrelationID = ""
	res, err := rt.Engine.HandlePush(ctx, &cp)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Println("No rule matched the push")
		return nil
	}
	goals, err := rt.Store.ListGoalSet(ctx, res.Set.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Goal set %s (%s)\n", res.Set.ID, res.Set.Name)
	printGoals(goals)
	return nil
}
