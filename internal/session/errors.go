package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSession means there is neither a live room nor usable
	// persisted credentials. The caller should send the user to onboarding.
	ErrInvalidSession = errors.New("session: invalid session")

	// ErrNoActiveSession is returned by submissions made without a room. It
	// is recoverable: the user is told through a notice.
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrSessionCleared is reported when a connection attempt completes
	// after the credentials it would have populated were cleared.
	ErrSessionCleared = errors.New("session: credentials cleared while connecting")
)

// CreateError wraps a failed room creation.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string { return fmt.Sprintf("create session: %v", e.Err) }
func (e *CreateError) Unwrap() error { return e.Err }

// JoinError wraps a failed join. Server-reported reasons (full, missing,
// already in progress) are carried verbatim in the wrapped error.
type JoinError struct {
	RoomID string
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join session %s: %v", e.RoomID, e.Err)
}
func (e *JoinError) Unwrap() error { return e.Err }

// ReconnectError wraps a failed resumption. Persisted credentials have
// already been cleared when it is returned.
type ReconnectError struct {
	Err error
}

func (e *ReconnectError) Error() string { return fmt.Sprintf("reconnect session: %v", e.Err) }
func (e *ReconnectError) Unwrap() error { return e.Err }

// NeedsOnboarding reports whether err means the session cannot be resumed
// and the user must create or join a room again.
func NeedsOnboarding(err error) bool {
	var re *ReconnectError
	return errors.Is(err, ErrInvalidSession) || errors.As(err, &re)
}
