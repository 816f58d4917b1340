package goal

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which part of the goal lifecycle produced an error.
type ErrorKind string

const (
	// KindConfiguration covers ambiguous or missing goal implementations and malformed rules.
	// Raised at setup or assembly time and never retried automatically.
	KindConfiguration ErrorKind = "configuration"

	// KindPreconditionIntegrity covers preconditions that do not exist among the siblings.
	KindPreconditionIntegrity ErrorKind = "precondition_integrity"

	// KindExecution covers executors that fail, panic or exit non-zero.
	KindExecution ErrorKind = "execution"

	// KindCacheMiss signals that no archive exists for a classifier.
	// It is a control-flow signal, not a failure.
	KindCacheMiss ErrorKind = "cache_miss"

	// KindTransientIO covers archive store and subprocess spawn failures.
	KindTransientIO ErrorKind = "transient_io"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified goal error with context.
type Error struct {
	// Kind is the taxonomy entry of the error.
	Kind ErrorKind `json:"kind"`

	// Class is the retry classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Goal is the goal name or key the error refers to, if any.
	Goal string `json:"goal,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	switch {
	case e.Goal != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (goal=%s, operation=%s)", msg, e.Goal, e.Operation)
	case e.Goal != "":
		msg = fmt.Sprintf("%s (goal=%s)", msg, e.Goal)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func newError(kind ErrorKind, class ErrorClass, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, err error) *Error {
	return newError(KindConfiguration, ErrorClassPermanent, message, err)
}

// NewIntegrityError creates a precondition integrity error.
func NewIntegrityError(message string, err error) *Error {
	return newError(KindPreconditionIntegrity, ErrorClassPermanent, message, err)
}

// NewExecutionError creates an execution error.
func NewExecutionError(message string, err error) *Error {
	return newError(KindExecution, ErrorClassPermanent, message, err)
}

// NewCacheMiss creates a cache-miss signal for the given classifier.
func NewCacheMiss(classifier string) *Error {
	return newError(KindCacheMiss, ErrorClassPermanent, "no cache archive found", nil).
		WithCode(ErrCodeNotFound).
		WithDetail("classifier", classifier)
}

// NewTransientIOError creates a transient I/O error.
func NewTransientIOError(message string, err error) *Error {
	return newError(KindTransientIO, ErrorClassTransient, message, err)
}

// WithGoal adds goal context to an error.
func (e *Error) WithGoal(goal string) *Error {
	e.Goal = goal
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return hasKind(err, KindConfiguration)
}

// IsIntegrity returns true if the error is a precondition integrity error.
func IsIntegrity(err error) bool {
	return hasKind(err, KindPreconditionIntegrity)
}

// IsExecution returns true if the error is an execution error.
func IsExecution(err error) bool {
	return hasKind(err, KindExecution)
}

// IsCacheMiss returns true if the error signals a missing cache archive.
func IsCacheMiss(err error) bool {
	return hasKind(err, KindCacheMiss)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// AsExecution converts err into an execution error. Transient I/O errors are
// wrapped so they surface as goal failures; execution errors pass through.
func AsExecution(err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindExecution {
		return e
	}
	return NewExecutionError("goal execution failed", err)
}

// Common error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeDuplicate           = "DUPLICATE"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeMissingPrecondition = "MISSING_PRECONDITION"
	ErrCodeHookFailed          = "HOOK_FAILED"
	ErrCodePanic               = "PANIC"
	ErrCodeNonZeroExit         = "NON_ZERO_EXIT"
	ErrCodeNoImplementation    = "NO_IMPLEMENTATION"
)

// ErrNotFound is returned by stores when a goal does not exist.
var ErrNotFound = errors.New("goal not found")

// ErrStale is returned when a write loses latest-timestamp-wins reconciliation.
var ErrStale = errors.New("stale goal update")
