package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/model"
)

// Conn is a handle on a Store. Writes inside a transaction are applied at
// once and undone on Rollback.
type Conn struct {
	store *Store
	id    uint64

	mu     sync.Mutex
	open   bool
	txName string
	inTx   bool
	undo   []func()
	live   *db.Liveness
}

func newConn(store *Store, id uint64) *Conn {
	return &Conn{store: store, id: id, open: true, live: db.NewLiveness(0, 0)}
}

// ID identifies the connection within its source.
func (c *Conn) ID() uint64 { return c.id }

// Begin starts a named transaction.
func (c *Conn) Begin(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return db.ErrClosed
	}
	if c.inTx {
		return fmt.Errorf("memdb: transaction %q already open", c.txName)
	}
	c.inTx, c.txName, c.undo = true, name, nil
	return nil
}

// Commit applies the pending changes and returns to auto-commit.
func (c *Conn) Commit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return db.ErrClosed
	}
	if !c.inTx {
		return fmt.Errorf("memdb: no transaction to commit")
	}
	c.inTx, c.txName, c.undo = false, "", nil
	return nil
}

// Rollback drops the pending changes and returns to auto-commit.
func (c *Conn) Rollback(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return db.ErrClosed
	}
	if !c.inTx {
		return nil
	}

	c.store.mu.Lock()
	for i := len(c.undo) - 1; i >= 0; i-- {
		c.undo[i]()
	}
	c.store.mu.Unlock()

	c.inTx, c.txName, c.undo = false, "", nil
	return nil
}

// AutoCommit reports whether no transaction is open.
func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inTx
}

// TxName returns the name of the open transaction.
func (c *Conn) TxName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txName
}

// IsOpen reports whether the connection has not been closed.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close closes the handle without rolling back; Source.Release does that.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open = false
	c.inTx, c.txName, c.undo = false, "", nil
	return nil
}

// Liveness returns the liveness bookkeeping of the connection.
func (c *Conn) Liveness() *db.Liveness {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// write runs fn under the store lock and records its undo step when a
// transaction is open.
func (c *Conn) write(fn func() (undo func(), err error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return db.ErrClosed
	}

	c.store.mu.Lock()
	undo, err := fn()
	c.store.mu.Unlock()

	if err == nil && c.inTx && undo != nil {
		c.undo = append(c.undo, undo)
	}
	return err
}

// Get returns one row by id.
func (c *Conn) Get(_ context.Context, tableName string, id int64) (model.Row, error) {
	if !c.IsOpen() {
		return model.Row{}, db.ErrClosed
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	row, ok := c.store.tableLocked(tableName).rows[id]
	if !ok {
		return model.Row{}, fmt.Errorf("memdb: %s row %d: %w", tableName, id, db.ErrNotFound)
	}
	return copyRow(row), nil
}

// Scan returns every row of a table in id order.
func (c *Conn) Scan(_ context.Context, tableName string) ([]model.Row, error) {
	if !c.IsOpen() {
		return nil, db.ErrClosed
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	t := c.store.tableLocked(tableName)
	rows := make([]model.Row, 0, len(t.rows))
	for _, row := range t.rows {
		rows = append(rows, copyRow(row))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Insert adds a row with the next id and serial 1.
func (c *Conn) Insert(_ context.Context, tableName string, fields map[string]any) (model.Row, error) {
	var out model.Row
	err := c.write(func() (func(), error) {
		t := c.store.tableLocked(tableName)
		if err := t.validate(0, fields); err != nil {
			return nil, err
		}

		t.nextID++
		row := model.Row{ID: t.nextID, Serial: 1, Fields: copyFields(fields)}
		t.rows[row.ID] = row
		out = copyRow(row)

		return func() { delete(t.rows, row.ID) }, nil
	})
	return out, err
}

// Update replaces a row if serial still matches the stored one.
func (c *Conn) Update(_ context.Context, tableName string, id, serial int64, fields map[string]any) (model.Row, error) {
	var out model.Row
	err := c.write(func() (func(), error) {
		t := c.store.tableLocked(tableName)
		old, ok := t.rows[id]
		if !ok {
			return nil, fmt.Errorf("memdb: %s row %d: %w", tableName, id, db.ErrNotFound)
		}
		if old.Serial != serial {
			return nil, fmt.Errorf("memdb: %s row %d has serial %d, not %d: %w", tableName, id, old.Serial, serial, db.ErrConflict)
		}
		if err := t.validate(id, fields); err != nil {
			return nil, err
		}

		row := model.Row{ID: id, Serial: old.Serial + 1, Fields: copyFields(fields)}
		t.rows[id] = row
		out = copyRow(row)

		return func() { t.rows[id] = old }, nil
	})
	return out, err
}

// Delete removes a row if serial still matches the stored one.
func (c *Conn) Delete(_ context.Context, tableName string, id, serial int64) error {
	return c.write(func() (func(), error) {
		t := c.store.tableLocked(tableName)
		old, ok := t.rows[id]
		if !ok {
			return nil, fmt.Errorf("memdb: %s row %d: %w", tableName, id, db.ErrNotFound)
		}
		if serial != 0 && old.Serial != serial {
			return nil, fmt.Errorf("memdb: %s row %d has serial %d, not %d: %w", tableName, id, old.Serial, serial, db.ErrConflict)
		}

		delete(t.rows, id)
		return func() { t.rows[id] = old }, nil
	})
}
