// Package db defines the database handle contract sessions own, and the
// liveness bookkeeping the reaper reads from it.
package db

import (
	"context"
	"errors"
)

var (
	// ErrConflict marks a failure caused by a uniqueness or optimistic
	// concurrency violation. Callers retry with fresh data.
	ErrConflict = errors.New("db: conflict")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("db: not found")

	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("db: handle closed")
)

// Handle is one database connection, exclusively owned by a session.
type Handle interface {
	// Begin starts a transaction; AutoCommit reports false until Commit or
	// Rollback.
	Begin(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// AutoCommit reports whether no transaction is open.
	AutoCommit() bool
	// TxName returns the name given to Begin, "" in auto-commit mode.
	TxName() string

	IsOpen() bool
	Close() error

	// Liveness returns the handle's liveness record, never nil.
	Liveness() *Liveness
}

// Source hands out handles. A pooled source borrows and returns them; an
// unpooled one opens and closes them.
type Source interface {
	Acquire(ctx context.Context) (Handle, error)
	Release(h Handle) error
}
