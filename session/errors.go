package session

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by every call on a session that was logged
// out or reaped.
var ErrSessionClosed = errors.New("session: closed")

// DispatchError wraps any failure while resolving a delegate or running a
// remote operation. It names the operation and the business class.
type DispatchError struct {
	Op    string
	Class string
	Cause error
}

func (e *DispatchError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("dispatch %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("dispatch %s on %s: %v", e.Op, e.Class, e.Cause)
}

func (e *DispatchError) Unwrap() error { return e.Cause }

// AuthError reports rejected credentials. Cause is optional.
type AuthError struct {
	User  string
	Cause error
}

func (e *AuthError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("authentication failed for %q", e.User)
	}
	return fmt.Sprintf("authentication failed for %q: %v", e.User, e.Cause)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// wrapDispatch returns err as a *DispatchError unless it already is one or
// reports a closed session.
func wrapDispatch(op, class string, err error) error {
	if err == nil || errors.Is(err, ErrSessionClosed) {
		return err
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return err
	}
	return &DispatchError{Op: op, Class: class, Cause: err}
}
