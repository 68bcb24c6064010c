package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeQueue             = "QUEUE_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeCascadeLimit      = "CASCADE_LIMIT"
)

// FlowError is the structured error type shared by every crmflow package.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the job that produced this error should be
// redelivered. Only infrastructure faults qualify; business-rule failures
// are recorded in the execution history instead.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStore, ErrCodeQueue:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a graph node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsNotFound is shorthand for HasCode(err, ErrCodeNotFound).
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}
