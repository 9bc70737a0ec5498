package chatstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
// These can be checked with errors.Is().
var (
	// ErrInvalidModel indicates the requested model identifier is empty or unusable.
	ErrInvalidModel = errors.New("chatstream: invalid or unsupported model")

	// ErrInvalidRequest indicates the request parameters are invalid.
	ErrInvalidRequest = errors.New("chatstream: invalid request")

	// ErrStreamAborted indicates the session was cancelled by the caller.
	ErrStreamAborted = errors.New("chatstream: stream aborted")

	// ErrRateLimited indicates the backend's rate limit has been exceeded.
	ErrRateLimited = errors.New("chatstream: rate limit exceeded")

	// ErrBackendUnavailable indicates the streaming backend is down or unreachable.
	ErrBackendUnavailable = errors.New("chatstream: backend unavailable")

	// ErrUnknownTool indicates a tool call named a tool that is not registered.
	ErrUnknownTool = errors.New("chatstream: unknown tool")

	// ErrNoImageFound indicates an image edit had no resolvable source image,
	// neither in the tool arguments nor in the turn's context.
	ErrNoImageFound = errors.New("chatstream: no image found to edit")
)

// TransportError represents an error from the streaming backend.
type TransportError struct {
	StatusCode int    // HTTP status code (if applicable)
	Message    string // Error message from the backend
	Retryable  bool   // Whether this error is potentially retryable
	Err        error  // Wrapped sentinel error (ErrRateLimited, ErrBackendUnavailable, etc.)
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError represents an error in request parameter validation.
type ValidationError struct {
	Field  string // The parameter field that failed validation
	Value  any    // The invalid value
	Reason string // Human-readable explanation
	Err    error  // Wrapped error (usually ErrInvalidRequest)
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed for '%s' (value: %v): %s (%v)", e.Field, e.Value, e.Reason, e.Err)
	}
	return fmt.Sprintf("validation failed for '%s' (value: %v): %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ToolError represents a failure inside a single tool execution.
// It is captured per tool call and converted into an error-shaped tool result;
// it never aborts the session on its own.
type ToolError struct {
	ToolName string // The tool that failed
	CallID   string // The tool call id
	Message  string // Human-readable explanation
	Err      error  // Wrapped error (ErrUnknownTool, ErrNoImageFound, parse errors, ...)
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool '%s' (call %s): %s (%v)", e.ToolName, e.CallID, e.Message, e.Err)
	}
	return fmt.Sprintf("tool '%s' (call %s): %s", e.ToolName, e.CallID, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error is potentially retryable.
// The core never retries on its own; this is a hint for the caller's policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Retryable
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}

	if errors.Is(err, ErrBackendUnavailable) {
		return true
	}

	return false
}

// IsAborted checks if an error was caused by caller-initiated cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrStreamAborted)
}
