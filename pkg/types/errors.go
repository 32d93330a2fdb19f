package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine and its backends.
var (
	// ErrTimeout indicates an operation exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrEngineClosed indicates the engine was shut down and can accept no
	// further work.
	ErrEngineClosed = errors.New("engine is closed")
)

// ValidationError reports rejected input: empty text, unknown source type,
// malformed metadata.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// QuerySyntaxError reports a query string the lexical compiler could not
// parse. The query is never silently rewritten; callers get the position and
// reason instead.
type QuerySyntaxError struct {
	Query  string
	Pos    int
	Reason string
}

func (e *QuerySyntaxError) Error() string {
	return fmt.Sprintf("query syntax error at position %d: %s", e.Pos, e.Reason)
}

// TransientBackendError wraps a failure that is expected to clear on retry,
// such as an embedding service timeout. The async pipeline retries these with
// backoff; anything else is treated as permanent.
type TransientBackendError struct {
	Backend string
	Err     error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Backend, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// NewTransientError wraps err as a retryable backend failure.
func NewTransientError(backend string, err error) *TransientBackendError {
	return &TransientBackendError{Backend: backend, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientBackendError
	return errors.As(err, &te)
}

// EngineUnavailableError reports that a retrieval path is down, for example
// the vector index circuit breaker being open.
type EngineUnavailableError struct {
	Component string
	Err       error
}

func (e *EngineUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Component, e.Err)
}

func (e *EngineUnavailableError) Unwrap() error { return e.Err }
