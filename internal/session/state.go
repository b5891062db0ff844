package session

import (
	"errors"
	"fmt"
)

// ChatState is the lifecycle state of a session.
type ChatState int

const (
	Initial ChatState = iota
	Preparing
	Prepared
	Connecting
	Connected
	Ready
	Offline
	ConnectionLost
)

// String returns the string representation of the state
func (s ChatState) String() string {
	switch s {
	case Initial:
		return "initial"
	case Preparing:
		return "preparing"
	case Prepared:
		return "prepared"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Offline:
		return "offline"
	case ConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// MarshalText makes states readable in JSON and logs.
func (s ChatState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitional reports whether s carries an in-flight handle.
func (s ChatState) transitional() bool {
	return s == Preparing || s == Connecting
}

// socketOpen reports whether the customer is authorized on an open socket.
func (s ChatState) socketOpen() bool {
	return s == Connected || s == Ready || s == Offline
}

var (
	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotConnected is returned by socket operations without an authorized connection.
	ErrNotConnected = errors.New("not connected")
	// ErrMissingCredentials is returned by Connect when the channel requires
	// authorization and neither an authorization code nor a token is set.
	ErrMissingCredentials = errors.New("missing authorization credentials")
	// ErrClosed resolves requests outstanding when the session is closed.
	ErrClosed = errors.New("session closed")
	// ErrSignedOut resolves requests outstanding when the customer signs out.
	ErrSignedOut = errors.New("signed out")
)

// InvalidStateError reports an operation invoked from a state that forbids it.
type InvalidStateError struct {
	Op    string
	State ChatState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrInvalidState) true.
func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// RuntimeError is an asynchronous failure that no caller can receive. It is
// delivered to observers, never returned.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error { return e.Err }
