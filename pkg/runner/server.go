// Package runner runs goals in a separate worker process. The dispatcher side
// (Client) starts a goal-runner process and hands it one goal; the worker side
// (Serve) reads the command, runs the goal and reports the outcome.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
)

// Progress reports a line of progress back to the dispatcher.
type Progress func(level, message string)

// Handler runs one goal inside the worker.
type Handler func(ctx context.Context, params protocol.RunGoalParams, progress Progress) (*protocol.RunGoalResult, error)

// Serve speaks the worker side of the protocol until in is closed or ctx ends.
// It returns the exit message it sent.
func Serve(ctx context.Context, in io.Reader, out io.Writer, handler Handler, logger zerolog.Logger) *protocol.ExitMessage {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	exit := &protocol.ExitMessage{Reason: "stdin_closed"}
	defer func() {
		if err := enc.EncodeExit(exit); err != nil {
			logger.Debug().Err(err).Msg("Failed to send EXIT")
		}
	}()

	ready := &protocol.ReadyMessage{
		Version: protocol.Version,
		PID:     os.Getpid(),
		Caps:    []protocol.CommandType{protocol.CommandTypeRunGoal},
	}
	if err := enc.EncodeReady(ready); err != nil {
		exit.Reason, exit.ExitCode = "error", 1
		return exit
	}

	for {
		if ctx.Err() != nil {
			exit.Reason = "canceled"
			return exit
		}

		cmd, err := dec.DecodeCommand()
		if errors.Is(err, io.EOF) {
			return exit
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to read command")
			_ = enc.EncodeError(&protocol.ErrorMessage{Code: "BAD_COMMAND", Message: err.Error()})
			exit.Reason, exit.ExitCode = "error", 1
			return exit
		}

		exit.CommandsTotal++
		if err := handle(ctx, enc, cmd, handler); err != nil {
			logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Failed to report command result")
			exit.Reason, exit.ExitCode = "error", 1
			return exit
		}
	}
}

func handle(ctx context.Context, enc *protocol.Encoder, cmd *protocol.CommandMessage, handler Handler) error {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
		defer cancel()
	}

	var params protocol.RunGoalParams
	if err := protocol.ParseData(cmd.Params, &params); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "BAD_PARAMS", Message: err.Error()})
	}
	if err := params.Validate(); err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{CommandID: cmd.ID, Code: "BAD_PARAMS", Message: err.Error()})
	}

	progress := func(level, message string) {
		_ = enc.EncodeEvent(&protocol.EventMessage{CommandID: cmd.ID, Level: level, Message: message})
	}

	start := time.Now()
	result, err := handler(ctx, params, progress)
	if err != nil {
		return enc.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "RUN_FAILED",
			Message:   err.Error(),
			Retryable: goal.IsRetryable(err),
		})
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return enc.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    raw,
		Duration:  time.Since(start).Seconds(),
	})
}
