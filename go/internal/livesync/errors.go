package livesync

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationInFlight is returned when Create, Join or Resume is called
	// while another one is still pending on the same controller
	ErrOperationInFlight = errors.New("a session request is already in progress")

	// ErrSessionAbandoned is returned by a Create or Join that resolved after
	// Leave or Close; anything it opened has been closed again
	ErrSessionAbandoned = errors.New("session request abandoned")

	// ErrControllerClosed is returned by any request after Close
	ErrControllerClosed = errors.New("controller closed")

	// ErrNotLeader is returned when a follower tries to send leader-only messages
	ErrNotLeader = errors.New("only the leader can broadcast")

	// ErrNoPendingSession is returned by Resume when nothing was saved
	ErrNoPendingSession = errors.New("no pending session")
)

// CreateError reports a failed session record insert. Its message is the
// store's message, unchanged, so it can be shown to the user as is.
type CreateError struct {
	Err error
}

func (e *CreateError) Error() string {
	return e.Err.Error()
}

func (e *CreateError) Unwrap() error { return e.Err }

// NotFoundError reports a join against a code with no session record
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string {
	return "session not found"
}

// TransportError reports a channel that failed to open or was lost
type TransportError struct {
	Code string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live sync unavailable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UserMessage returns the human-readable text for err that a UI should show
func UserMessage(err error) string {
	var (
		createErr    *CreateError
		notFoundErr  *NotFoundError
		transportErr *TransportError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &notFoundErr):
		return notFoundErr.Error()
	case errors.As(err, &createErr):
		return createErr.Error()
	case errors.As(err, &transportErr):
		return transportErr.Error()
	default:
		return err.Error()
	}
}
