package commands

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/dispatch"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/policy"
	"github.com/openfroyo/goalflow/pkg/stores"
)

func newValidateCommand() *cobra.Command {
	var policyPaths []string

	cmd := &cobra.Command{
		Use:   "validate [rules]",
		Short: "Validate the configuration and rule document",
		Long: `Validate the configuration and the rule document without running anything.

This command checks:
  - Configuration schema conformance
  - Rule document syntax and schema (YAML, CUE or HCL)
  - Rego policies and rego:/starlark: test references
  - Goal definitions and rule dependencies
  - That every goal has exactly one implementation`,
		Example: `  # Validate the configured rules
  goalflow validate

  # Validate another rule document with extra policies
  goalflow validate rules.hcl --policies ./policies`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			rulesPath := cfg.Rules.Path
			if len(args) > 0 {
				rulesPath = args[0]
			}

			logger := log.Logger
			policies, err := policy.NewEngine(logger)
			if err != nil {
				return err
			}
			if err := policies.LoadPaths(ctx, append(cfg.Rules.Policies, policyPaths...)); err != nil {
				return err
			}

			compiler := &config.Compiler{
				Policies: policies,
				Starlark: config.NewStarlarkEvaluator(cfg.Starlark.Timeout),
				BaseDir:  filepath.Dir(rulesPath),
			}
			rules, err := compiler.LoadRules(ctx, rulesPath)
			if err != nil {
				return err
			}
			if _, err := goalset.NewAssembler(rules, logger); err != nil {
				return err
			}
			registry, err := dispatch.BuildRegistry(rules, stores.NewMemoryStore(), dispatch.DefaultMakers())
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"rules":    len(rules),
					"goals":    registry.Names(),
					"policies": len(policies.Policies()),
				})
			}
			fmt.Printf("%s is valid: %d rules, %d goals, %d policies\n",
				rulesPath, len(rules), len(registry.Names()), len(policies.Policies()))
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policyPaths, "policies", nil, "additional .rego files or directories")
	return cmd
}
