package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
)

var (
	// Global flags
	configPath string
	projectDir string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "goalflow",
		Short: "goalflow - goal-driven delivery orchestration",
		Long: `goalflow turns pushes into goal sets and drives every goal to completion.

Features:
  - Push rules in YAML, CUE or HCL
  - Rego and Starlark push tests
  - Precondition cascade with retry, approval and cancellation
  - Goal cache backed by a local directory or SFTP
  - In-process or isolated goal execution`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project-dir", "C", ".", "checkout goals run in")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPushCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGoalsCommand())
	rootCmd.AddCommand(newRetryCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// loadConfig reads the --config file, the first default file in the working
// directory, or falls back to the defaults.
func loadConfig(ctx context.Context) (*config.Config, error) {
	path := configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = config.FindConfig(wd)
	}
	if path == "" {
		log.Debug().Msg("No configuration file found, using defaults")
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}

	log.Debug().Str("config", path).Msg("Loading configuration")
	return config.Load(ctx, path)
}

func absProjectDir() (string, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project directory: %w", err)
	}
	return dir, nil
}

// withRuntime builds the runtime for one command and closes it afterwards.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *engine.Runtime) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	dir, err := absProjectDir()
	if err != nil {
		return err
	}

	rt, err := engine.NewRuntime(ctx, cfg, engine.RuntimeOptions{ProjectDir: dir})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to close runtime")
		}
	}()
	return fn(rt.Telemetry.WithContext(ctx), rt)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
