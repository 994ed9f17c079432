// Package serial implements table serials: per-table monotonic version
// counters that let many sessions detect "has table X changed" without
// re-reading it.
//
// A Store keeps the counters. A Tracker answers sessions: a Proxy talks to
// the store on every call, an Authority keeps a local copy refreshed by a
// background loop. Both resolve unknown tables by registering them and
// querying again.
package serial

import (
	"context"
	"errors"
	"fmt"
)

// Unknown is returned for tables the store has never seen.
const Unknown int64 = -1

var (
	// ErrConsistency means a table is still unknown after registering it,
	// so it does not exist.
	ErrConsistency = errors.New("serial: table does not exist")

	// ErrUnknownTable is returned by Store.Increment for unregistered tables.
	ErrUnknownTable = errors.New("serial: table not registered")

	// ErrIDsExhausted is returned by Store.Allocate once every positive
	// int32 id is taken.
	ErrIDsExhausted = errors.New("serial: table ids exhausted")
)

// Table identifies one business table.
type Table struct {
	ID   int32  `json:"id"`
	Name string `json:"name"`
}

func (t Table) String() string {
	if t.Name == "" {
		return fmt.Sprintf("table#%d", t.ID)
	}
	return fmt.Sprintf("%s#%d", t.Name, t.ID)
}

// Store keeps the serial counters and the name to id mapping of tables.
// Processes sharing one store agree on table ids because only the store
// hands them out.
type Store interface {
	// Allocate returns the table registered under name, assigning the next
	// free id on first use.
	Allocate(ctx context.Context, name string) (Table, error)
	// Table returns the table allocated with id.
	Table(ctx context.Context, id int32) (Table, bool, error)
	// Serial returns the counter for id, or Unknown.
	Serial(ctx context.Context, id int32) (int64, error)
	// Serials returns one entry per id, Unknown where absent.
	Serials(ctx context.Context, ids []int32) ([]int64, error)
	// Register creates the counter if absent; registering again is a no-op.
	Register(ctx context.Context, t Table) error
	// Increment bumps the counter and returns the new value.
	Increment(ctx context.Context, id int32) (int64, error)
	// Snapshot returns every registered counter.
	Snapshot(ctx context.Context) (map[int32]int64, error)
	Close() error
}

// Tracker is what sessions and delegates use.
type Tracker interface {
	// Declare returns the table for name, allocating an id in the store on
	// first use.
	Declare(ctx context.Context, name string) (Table, error)
	// Lookup returns a declared table by id.
	Lookup(id int32) (Table, bool)

	Serial(ctx context.Context, id int32) (int64, error)
	Serials(ctx context.Context, ids []int32) ([]int64, error)
	Register(ctx context.Context, id int32) error
	Increment(ctx context.Context, id int32) (int64, error)
	Close() error
}

// Changed reports whether a table moved on since last was observed.
func Changed(last, current int64) bool {
	return last == Unknown || current > last
}
