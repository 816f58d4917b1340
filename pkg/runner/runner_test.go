package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
	"github.com/openfroyo/goalflow/pkg/runner/protocol"
)

// pipeTransport runs Serve in a goroutine instead of a child process.
type pipeTransport struct {
	handler Handler
	exit    chan *protocol.ExitMessage
}

func (t *pipeTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		exit := Serve(ctx, serverRead, serverWrite, t.handler, zerolog.Nop())
		_ = serverWrite.Close()
		if t.exit != nil {
			t.exit <- exit
		}
	}()

	wait := func() error {
		<-done
		return nil
	}
	return clientWrite, clientRead, wait, nil
}

// silentTransport never sends READY.
type silentTransport struct{}

func (silentTransport) Start(context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	r, w := io.Pipe()
	stdout, _ := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, r) }()
	return w, stdout, func() error { return nil }, nil
}

func testParams() protocol.RunGoalParams {
	return protocol.RunGoalParams{
		GoalID: "g1",
		Epoch:  0,
		Push:   push.Push{Workspace: "T123", Owner: "acme", Repo: "web", Branch: "main", Sha: "abc123"},
	}
}

func TestClient_Launch(t *testing.T) {
	var events []string
	transport := &pipeTransport{
		exit: make(chan *protocol.ExitMessage, 1),
		handler: func(ctx context.Context, params protocol.RunGoalParams, progress Progress) (*protocol.RunGoalResult, error) {
			progress("info", "running "+params.GoalID)
			events = append(events, params.Push.Sha)
			return &protocol.RunGoalResult{GoalID: params.GoalID, State: goal.StateSuccess, Description: "Built"}, nil
		},
	}

	client, err := NewClient(Config{Transport: transport, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result, err := client.Launch(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.State != goal.StateSuccess || result.GoalID != "g1" {
		t.Errorf("Unexpected result: %+v", result)
	}
	if len(events) != 1 || events[0] != "abc123" {
		t.Errorf("Expected handler to see the push, got: %v", events)
	}

	exit := <-transport.exit
	if exit.Reason != "stdin_closed" || exit.CommandsTotal != 1 {
		t.Errorf("Unexpected exit: %+v", exit)
	}
}

func TestClient_LaunchHandlerError(t *testing.T) {
	transport := &pipeTransport{
		handler: func(context.Context, protocol.RunGoalParams, Progress) (*protocol.RunGoalResult, error) {
			return nil, goal.NewTransientIOError("store unavailable", errors.New("disk full"))
		},
	}
	client, _ := NewClient(Config{Transport: transport, Logger: zerolog.Nop()})

	_, err := client.Launch(context.Background(), testParams())
	if err == nil {
		t.Fatal("Expected error")
	}
	if !goal.IsTransient(err) {
		t.Errorf("Expected retryable runner error to stay transient, got: %v", err)
	}
	if !strings.Contains(err.Error(), "store unavailable") {
		t.Errorf("Expected runner message in error, got: %v", err)
	}
}

func TestClient_LaunchInvalidParams(t *testing.T) {
	transport := &pipeTransport{
		handler: func(context.Context, protocol.RunGoalParams, Progress) (*protocol.RunGoalResult, error) {
			t.Error("Handler must not run for invalid params")
			return nil, nil
		},
	}
	client, _ := NewClient(Config{Transport: transport, Logger: zerolog.Nop()})

	params := testParams()
	params.Push.Sha = ""
	_, err := client.Launch(context.Background(), params)
	if err == nil || !strings.Contains(err.Error(), "BAD_PARAMS") {
		t.Errorf("Expected BAD_PARAMS error, got: %v", err)
	}
}

func TestClient_StartupTimeout(t *testing.T) {
	client, _ := NewClient(Config{Transport: silentTransport{}, StartupTimeout: 50 * time.Millisecond, Logger: zerolog.Nop()})

	_, err := client.Launch(context.Background(), testParams())
	if !goal.IsTransient(err) {
		t.Fatalf("Expected transient error, got: %v", err)
	}
}

func TestNewClient_RequiresTransport(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error without transport")
	}
	if _, err := NewProcessClient("", nil, zerolog.Nop()); err == nil {
		t.Error("Expected error without runner path")
	}
}
