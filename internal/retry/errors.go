package retry

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned inside an Outcome when the operation's circuit
// breaker rejects the call without invoking it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// TransientError marks an operation failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks an operation failure as permanent; no further
// attempts are made.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal: %v", e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Terminal wraps err as permanent. Returns nil for a nil err.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}
