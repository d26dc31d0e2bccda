package remote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a remote call failure for retry policy decisions.
type ErrorKind string

const (
	// KindNetwork covers transport failures and 5xx responses; retryable.
	KindNetwork ErrorKind = "network"
	// KindTimeout covers deadline expiries; retryable.
	KindTimeout ErrorKind = "timeout"
	// KindValidation covers 4xx rejections; retrying the same payload is pointless.
	KindValidation ErrorKind = "validation"
	// KindConflict covers 409 responses; routed to conflict detection, not a failure.
	KindConflict ErrorKind = "conflict"
	// KindSystem covers local bugs and unexpected states.
	KindSystem ErrorKind = "system"
)

// CallError is a classified remote API failure.
type CallError struct {
	Kind       ErrorKind
	StatusCode int
	Operation  string
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("remote: %s: %s (status %d): %v", e.Operation, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("remote: %s: %s: %v", e.Operation, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt with the same payload may succeed.
func (e *CallError) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// Classify extracts the ErrorKind from an error chain. Unclassified errors
// report KindSystem.
func Classify(err error) ErrorKind {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Kind
	}
	return KindSystem
}

// IsRetryable reports whether the error chain carries a retryable CallError.
func IsRetryable(err error) bool {
	var callErr *CallError
	if errors.As(err, &callErr) {
		return callErr.Retryable()
	}
	return false
}
