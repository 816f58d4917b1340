package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
)

// Transport starts a worker and returns its stdio.
type Transport interface {
	// Start launches the worker. wait blocks until it has terminated.
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
}

// ProcessTransport starts the goal-runner binary as a child process.
type ProcessTransport struct {
	// Path is the goal-runner executable.
	Path string

	// Args are passed to the runner (e.g., "--config", "goalflow.yaml").
	Args []string

	// Env is added to the inherited environment.
	Env []string

	// Stderr receives the runner's own log output, defaults to os.Stderr.
	Stderr io.Writer
}

// Start launches the runner process.
func (t *ProcessTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, t.Path, t.Args...)
	cmd.Env = append(os.Environ(), t.Env...)
	cmd.Stderr = t.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open runner stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open runner stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to start runner %s: %w", t.Path, err)
	}
	return stdin, stdout, cmd.Wait, nil
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration
	Logger         zerolog.Logger
}

// Client launches one worker per goal.
type Client struct {
	transport      Transport
	startupTimeout time.Duration
	logger         zerolog.Logger
}

// NewClient creates a new runner client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	return &Client{
		transport:      cfg.Transport,
		startupTimeout: cfg.StartupTimeout,
		logger:         cfg.Logger.With().Str("component", "runner-client").Logger(),
	}, nil
}

// NewProcessClient creates a client that starts the runner binary at path.
func NewProcessClient(path string, args []string, logger zerolog.Logger) (*Client, error) {
	if path == "" {
		return nil, fmt.Errorf("runner path is required")
	}
	return NewClient(Config{Transport: &ProcessTransport{Path: path, Args: args}, Logger: logger})
}

// Launch starts a worker, asks it to run the goal and waits for the outcome.
// Failures to reach the worker are transient I/O errors.
func (c *Client) Launch(ctx context.Context, params protocol.RunGoalParams) (*protocol.RunGoalResult, error) {
	stdin, stdout, wait, err := c.transport.Start(ctx)
	if err != nil {
		return nil, goal.NewTransientIOError("failed to start goal runner", err).WithOperation("runner.start")
	}

	enc := protocol.NewEncoder(stdin)
	dec := protocol.NewDecoder(stdout)

	var result *protocol.RunGoalResult
	runErr := c.awaitReady(ctx, dec)
	ready := runErr == nil
	if ready {
		result, runErr = c.session(ctx, enc, dec, params)
	} else {
		runErr = goal.NewTransientIOError("goal runner did not become ready", runErr).WithOperation("runner.ready")
	}

	// Closing stdin asks the runner to exit.
	_ = stdin.Close()
	if ready {
		c.drain(dec)
	} else {
		// The READY reader may still be blocked; closing stdout releases it.
		_ = stdout.Close()
	}
	if err := wait(); err != nil && runErr == nil {
		c.logger.Warn().Err(err).Str("goal_id", params.GoalID).Msg("Goal runner exited with error")
	}
	return result, runErr
}

func (c *Client) session(ctx context.Context, enc *protocol.Encoder, dec *protocol.Decoder, params protocol.RunGoalParams) (*protocol.RunGoalResult, error) {
	cmd, err := newRunCommand(params)
	if err != nil {
		return nil, err
	}
	if err := enc.EncodeCommand(cmd); err != nil {
		return nil, goal.NewTransientIOError("failed to send command to goal runner", err).WithOperation("runner.command")
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			return nil, goal.NewTransientIOError("failed to read from goal runner", err).WithOperation("runner.read")
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				return nil, fmt.Errorf("failed to parse event: %w", err)
			}
			c.logEvent(params.GoalID, &event)

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return nil, fmt.Errorf("failed to parse done: %w", err)
			}
			if done.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID)
			}
			var result protocol.RunGoalResult
			if err := protocol.ParseData(done.Result, &result); err != nil {
				return nil, fmt.Errorf("failed to parse result: %w", err)
			}
			return &result, nil

		case protocol.MessageTypeError:
			var errMsg protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
				return nil, fmt.Errorf("failed to parse error: %w", err)
			}
			if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
				return nil, fmt.Errorf("command ID mismatch: expected %s, got %s", cmd.ID, errMsg.CommandID)
			}
			cause := fmt.Errorf("%s: %s", errMsg.Code, errMsg.Message)
			if errMsg.Retryable {
				return nil, goal.NewTransientIOError("goal runner failed", cause).WithCode(errMsg.Code)
			}
			return nil, goal.NewExecutionError("goal runner failed", cause).WithCode(errMsg.Code)

		case protocol.MessageTypeExit:
			return nil, goal.NewTransientIOError("goal runner exited unexpectedly", nil).WithOperation("runner.read")

		default:
			return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
		}
	}
}

func (c *Client) awaitReady(ctx context.Context, dec *protocol.Decoder) error {
	readyCtx, cancel := context.WithTimeout(ctx, c.startupTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		var ready protocol.ReadyMessage
		if err := dec.Expect(protocol.MessageTypeReady, &ready); err != nil {
			errCh <- err
			return
		}
		if ready.Version != protocol.Version {
			errCh <- fmt.Errorf("protocol version mismatch: runner speaks %s, expected %s", ready.Version, protocol.Version)
			return
		}
		errCh <- nil
	}()

	select {
	case <-readyCtx.Done():
		return fmt.Errorf("timeout waiting for READY message")
	case err := <-errCh:
		return err
	}
}

// drain consumes what the runner writes after the session so it can exit.
func (c *Client) drain(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug().Err(err).Msg("Stopped reading goal runner output")
			}
			return
		}
		if msg.Type == protocol.MessageTypeExit {
			var exit protocol.ExitMessage
			if err := protocol.ParseData(msg.Data, &exit); err == nil {
				c.logger.Debug().Str("reason", exit.Reason).Int("exit_code", exit.ExitCode).Msg("Goal runner exited")
			}
			return
		}
	}
}

func (c *Client) logEvent(goalID string, event *protocol.EventMessage) {
	var e *zerolog.Event
	switch event.Level {
	case "warn":
		e = c.logger.Warn()
	case "debug":
		e = c.logger.Debug()
	default:
		e = c.logger.Info()
	}
	e.Str("goal_id", goalID).Msg(event.Message)
}

func newRunCommand(params protocol.RunGoalParams) (*protocol.CommandMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &protocol.CommandMessage{
		ID:     uuid.New().String(),
		Type:   protocol.CommandTypeRunGoal,
		Params: raw,
	}, nil
}
