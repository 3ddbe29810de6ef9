package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInitialized = errors.New("engine already initialized")
	ErrNotInitialized     = errors.New("engine not initialized")
	ErrTransport          = errors.New("signaling transport failure")
	ErrCapability         = errors.New("peer capability failure")
	ErrLoginRejected      = errors.New("login rejected")
	ErrAlreadyLoggedIn    = errors.New("already logged in")
	ErrNoActiveSession    = errors.New("no active session")
	ErrNoInvitation       = errors.New("no pending invitation")
	ErrMediaAcquisition   = errors.New("local media unavailable")
	ErrSignalingFailure   = errors.New("session description failure")
	ErrClosed             = errors.New("engine closed")
)

// Error records the engine operation that failed. Err is one of the sentinel
// errors above; Cause, when set, is the underlying failure.
type Error struct {
	Op      string
	Err     error
	Cause   error
	Details string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func wrapError(op string, err, cause error) *Error {
	return &Error{Op: op, Err: err, Cause: cause}
}

func detailError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
