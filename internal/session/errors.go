package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSignalingUnavailable means the call socket could not be established
	// within the configured window.
	ErrSignalingUnavailable = errors.New("signaling unavailable")

	// ErrNotActive is returned by operations that require a joined call.
	ErrNotActive = errors.New("no active call")
)

// Error annotates a failure with the session operation that produced it. The
// wrapped error keeps its classification, so callers can still pick apart
// device errors with errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}
