// Package main implements the goal-runner worker used by isolated dispatch.
// It reads one RUN_GOAL command per line on stdin, completes the goal against
// the shared goal store and reports the goal as it left it on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/config"
	"github.com/openfroyo/goalflow/pkg/engine"
	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/runner"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
	"github.com/openfroyo/goalflow/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the goalflow configuration")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("component", "goal-runner").Logger()
	logger = logger.Level(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exit := run(ctx, *configPath, logger)
	os.Exit(exit)
}

func run(ctx context.Context, configPath string, logger zerolog.Logger) int {
	if configPath == "" {
		wd, _ := os.Getwd()
		configPath = config.FindConfig(wd)
	}
	if configPath == "" {
		logger.Error().Msg("No configuration file found")
		return 1
	}

	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		logger.Error().Err(err).Str("config", configPath).Msg("Failed to load configuration")
		return 1
	}

	// stdout carries the protocol; the worker completes goals itself.
	cfg.Dispatch.Mode = goal.ModeInProcess
	cfg.Telemetry.Logging.Output = "stderr"
	cfg.Telemetry.Metrics.Enabled = false

	rt, err := engine.NewRuntime(ctx, cfg, engine.RuntimeOptions{})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize runtime")
		return 1
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to close runtime")
		}
	}()

	handler := func(ctx context.Context, params protocol.RunGoalParams, progress runner.Progress) (*protocol.RunGoalResult, error) {
		progress("info", fmt.Sprintf("Running goal %s (epoch %d)", params.GoalID, params.Epoch))
		ctx = telemetry.ExtractTraceContext(ctx, params.TraceContext)
		glog := rt.Telemetry.Logger.WithGoalID(params.GoalID).WithSha(params.Push.Sha)

		inst, err := rt.Engine.Dispatcher().Complete(ctx, params.GoalID, &params.Push)
		if inst == nil {
			return nil, err
		}
		if err != nil {
			glog.WithError(err).Warn("Goal completed with error")
		} else {
			glog.Debug("Goal completed")
		}
		return &protocol.RunGoalResult{
			GoalID:      inst.ID,
			State:       inst.State,
			Description: inst.Description,
			URL:         inst.URL,
		}, nil
	}

	exit := runner.Serve(ctx, os.Stdin, os.Stdout, handler, logger)
	return exit.ExitCode
}
