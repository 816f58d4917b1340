// Package protocol defines the JSON-lines protocol spoken over stdio between
// the dispatcher and an isolated goal-runner process.
//
// A session is: runner sends READY, dispatcher sends one CMD, runner streams
// EVENTs and answers with DONE or ERROR, then sends EXIT when stdin closes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Version is the protocol version announced in READY.
const Version = "1"

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the runner is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the dispatcher
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent indicates a progress event from the runner
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates the command completed
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates the command could not be completed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the runner is exiting
	MessageTypeExit MessageType = "EXIT"
)

// CommandType represents the type of command to execute.
type CommandType string

// CommandTypeRunGoal runs one goal to completion.
const CommandTypeRunGoal CommandType = "goal.run"

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the runner is ready to receive a command.
type ReadyMessage struct {
	Version string            `json:"version"`
	PID     int               `json:"pid"`
	Caps    []CommandType     `json:"capabilities"`
	Meta    map[string]string `json:"metadata,omitempty"`
}

// CommandMessage carries a command to the runner.
type CommandMessage struct {
	ID      string          `json:"id"`
	Type    CommandType     `json:"type"`
	Timeout int             `json:"timeout,omitempty"` // seconds, zero means none
	Params  json.RawMessage `json:"params"`
}

// EventMessage reports progress while a command runs.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage reports command completion.
type DoneMessage struct {
	CommandID string          `json:"command_id"`
	Result    json.RawMessage `json:"result"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage reports that a command could not be completed.
type ErrorMessage struct {
	CommandID string `json:"command_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ExitMessage is sent before the runner terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// RunGoalParams asks the runner to run one goal that is already in_process.
type RunGoalParams struct {
	GoalID string    `json:"goal_id"`
	Epoch  int       `json:"epoch"`
	Push   push.Push `json:"push"`

	// TraceContext carries the W3C trace headers of the dispatching span.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// RunGoalResult is the goal as the runner left it.
type RunGoalResult struct {
	GoalID      string     `json:"goal_id"`
	State       goal.State `json:"state"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command type is valid.
func (ct CommandType) Validate() error {
	if ct != CommandTypeRunGoal {
		return fmt.Errorf("invalid command type: %s", ct)
	}
	return nil
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if err := cmd.Type.Validate(); err != nil {
		return err
	}
	if cmd.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if len(cmd.Params) == 0 {
		return fmt.Errorf("command params are required")
	}
	return nil
}

// Validate checks the event level, defaulting it to info.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	switch evt.Level {
	case "":
		evt.Level = "info"
	case "info", "warn", "debug":
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
	return nil
}

// Validate checks the goal reference.
func (p *RunGoalParams) Validate() error {
	if p.GoalID == "" {
		return fmt.Errorf("goal ID is required")
	}
	return p.Push.Validate()
}
