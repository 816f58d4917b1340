package goal

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Format(t *testing.T) {
	err := NewExecutionError("exit status 2", errors.New("boom")).
		WithGoal("compile").
		WithOperation("run")

	want := "[execution] exit status 2 (goal=compile, operation=run): boom"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestError_KindPredicates(t *testing.T) {
	miss := NewCacheMiss("npm-deps")
	if !IsCacheMiss(miss) {
		t.Error("Expected cache miss")
	}
	if miss.Details["classifier"] != "npm-deps" {
		t.Errorf("Expected classifier detail, got %v", miss.Details)
	}

	wrapped := fmt.Errorf("restore failed: %w", NewTransientIOError("upload failed", nil))
	if !IsTransient(wrapped) || !IsRetryable(wrapped) {
		t.Error("Expected wrapped transient error to be retryable")
	}
	if IsConfiguration(wrapped) {
		t.Error("Did not expect configuration error")
	}

	if !errors.Is(NewConfigurationError("dup", nil).WithCode(ErrCodeDuplicate),
		&Error{Kind: KindConfiguration, Code: ErrCodeDuplicate}) {
		t.Error("Expected errors.Is to match on kind and code")
	}
}

func TestAsExecution(t *testing.T) {
	exec := NewExecutionError("panic", nil).WithCode(ErrCodePanic)
	if got := AsExecution(exec); got != exec {
		t.Error("Expected execution errors to pass through")
	}

	got := AsExecution(NewTransientIOError("spawn failed", nil))
	if got.Kind != KindExecution {
		t.Errorf("Expected execution kind, got %s", got.Kind)
	}
	if !strings.Contains(got.Error(), "spawn failed") {
		t.Errorf("Expected cause in message, got %q", got.Error())
	}
}

func TestStateValidate(t *testing.T) {
	for _, s := range AllStates {
		if err := s.Validate(); err != nil {
			t.Errorf("Expected %s to be valid, got: %v", s, err)
		}
	}
	if err := State("paused").Validate(); err == nil {
		t.Error("Expected error for unknown state")
	}

	var s State
	if err := s.UnmarshalJSON([]byte(`"in_process"`)); err != nil || s != StateInProcess {
		t.Errorf("Expected in_process, got %s (%v)", s, err)
	}
	if err := s.UnmarshalJSON([]byte(`"bogus"`)); err == nil {
		t.Error("Expected error for unknown state")
	}
}
