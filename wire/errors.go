package wire

import (
	"errors"
	"fmt"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
)

// Kind classifies errors on the wire so clients can rebuild typed errors.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindDispatch    Kind = "dispatch"
	KindClosed      Kind = "closed"
	KindConfig      Kind = "config"
	KindProtocol    Kind = "protocol"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "notfound"
	KindConsistency Kind = "consistency"
)

// Error is an error as transmitted.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Class   string `json:"class,omitempty"`
	User    string `json:"user,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Cause   *Error `json:"cause,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the sentinel of leaf kinds and the cause otherwise.
func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindClosed:
		return session.ErrSessionClosed
	case KindConflict:
		return db.ErrConflict
	case KindNotFound:
		return db.ErrNotFound
	case KindConsistency:
		return serial.ErrConsistency
	}
	if e.Cause != nil {
		return e.Cause.Err()
	}
	return nil
}

// Err rebuilds the typed error e was made from.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case KindClosed:
		return session.ErrSessionClosed
	case KindAuth:
		var cause error
		if e.Cause != nil {
			cause = e.Cause.Err()
		}
		return &session.AuthError{User: e.User, Cause: cause}
	case KindDispatch:
		var cause error = errors.New(e.Message)
		if e.Cause != nil {
			cause = e.Cause.Err()
		}
		return &session.DispatchError{Op: e.Op, Class: e.Class, Cause: cause}
	case KindConfig:
		return &policy.ConfigError{Key: e.Key, Value: e.Value, Reason: e.Message}
	}
	return e
}

// ErrorOf converts err for transmission.
func ErrorOf(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}

	var (
		de *session.DispatchError
		ae *session.AuthError
		ce *policy.ConfigError
	)
	switch {
	case errors.Is(err, session.ErrSessionClosed):
		return &Error{Kind: KindClosed, Message: err.Error()}
	case errors.As(err, &de):
		return &Error{Kind: KindDispatch, Message: err.Error(), Op: de.Op, Class: de.Class, Cause: causeOf(de.Cause)}
	case errors.As(err, &ae):
		return &Error{Kind: KindAuth, Message: err.Error(), User: ae.User, Cause: causeOf(ae.Cause)}
	case errors.As(err, &ce):
		return &Error{Kind: KindConfig, Message: ce.Reason, Key: ce.Key, Value: ce.Value}
	case errors.Is(err, db.ErrConflict):
		return &Error{Kind: KindConflict, Message: err.Error()}
	case errors.Is(err, db.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: err.Error()}
	case errors.Is(err, serial.ErrConsistency):
		return &Error{Kind: KindConsistency, Message: err.Error()}
	}
	return &Error{Kind: KindProtocol, Message: err.Error()}
}

func causeOf(err error) *Error {
	if err == nil {
		return nil
	}
	return ErrorOf(err)
}

// Errorf returns a protocol error.
func Errorf(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}
