package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/go-remotedb/db"
)

// Direction is the order Fetch walks the rows in.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// DefaultFetchSize is the batch size of Fetch(0).
const DefaultFetchSize = 32

// ErrCursorClosed is returned by every operation on a closed cursor.
var ErrCursorClosed = errors.New("model: cursor closed")

// Cursor is an open, scrollable result set. Positions are zero based; -1 is
// before the first row and RowCount is after the last.
type Cursor struct {
	mu     sync.Mutex
	h      db.Handle
	rows   []Object
	pos    int
	dir    Direction
	size   int
	closed bool
}

// NewCursor opens a cursor over rows, positioned before the first row.
func NewCursor(h db.Handle, rows []Object) *Cursor {
	return &Cursor{h: h, rows: rows, pos: -1, size: DefaultFetchSize}
}

// RowCount returns the total number of rows in the cursor.
func (c *Cursor) RowCount() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrCursorClosed
	}
	return len(c.rows), nil
}

// Row returns the current position.
func (c *Cursor) Row() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// First moves to the first row; ok is false on an empty cursor.
func (c *Cursor) First() (obj Object, ok bool, err error) {
	return c.move(func() int { return 0 })
}

// Last moves to the last row.
func (c *Cursor) Last() (obj Object, ok bool, err error) {
	return c.move(func() int { return len(c.rows) - 1 })
}

// Next advances one row; ok is false once past the last row.
func (c *Cursor) Next() (obj Object, ok bool, err error) {
	return c.move(func() int { return c.pos + 1 })
}

// Previous steps back one row; ok is false once before the first row.
func (c *Cursor) Previous() (obj Object, ok bool, err error) {
	return c.move(func() int { return c.pos - 1 })
}

// SetRow moves to an absolute position.
func (c *Cursor) SetRow(row int) (obj Object, ok bool, err error) {
	return c.move(func() int { return row })
}

// move clamps the new position to [-1, len] and returns the row there.
func (c *Cursor) move(to func() int) (Object, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrCursorClosed
	}

	pos := to()
	switch {
	case pos < -1:
		pos = -1
	case pos > len(c.rows):
		pos = len(c.rows)
	}
	c.pos = pos

	if pos < 0 || pos >= len(c.rows) {
		return nil, false, nil
	}
	return c.rows[pos], true, nil
}

// Fetch returns up to n rows following the current position in the fetch
// direction and leaves the cursor on the last row returned. n <= 0 uses the
// fetch size.
func (c *Cursor) Fetch(n int) ([]Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCursorClosed
	}
	if n <= 0 {
		n = c.size
	}

	step := 1
	if c.dir == Reverse {
		step = -1
	}

	out := make([]Object, 0, n)
	for len(out) < n {
		next := c.pos + step
		if next < 0 || next >= len(c.rows) {
			if next < 0 {
				c.pos = -1
			} else {
				c.pos = len(c.rows)
			}
			break
		}
		c.pos = next
		out = append(out, c.rows[next])
	}
	return out, nil
}

// FetchSize returns the batch size of Fetch(0).
func (c *Cursor) FetchSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// SetFetchSize sets the batch size; values below 1 restore the default.
func (c *Cursor) SetFetchSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 1 {
		n = DefaultFetchSize
	}
	c.size = n
}

// FetchDirection returns the order Fetch walks in.
func (c *Cursor) FetchDirection() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// SetFetchDirection changes the order Fetch walks in.
func (c *Cursor) SetFetchDirection(d Direction) error {
	if d != Forward && d != Reverse {
		return fmt.Errorf("model: invalid fetch direction %d", int(d))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dir = d
	return nil
}

// UpdateRow stores a new state for the object at row (the current row when
// row < 0). The cursor keeps the old object until Update succeeds.
//
// Parameters:
//   - ctx: Context for the store call
//   - row: The row to update, or -1 for the current row
//   - change: Builds the new object from the current one without modifying it
//
// Returns:
//   - The updated object
//   - An error if the position is invalid, change fails or Update fails
func (c *Cursor) UpdateRow(ctx context.Context, row int, change func(current Object) (Object, error)) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.index(row)
	if err != nil {
		return nil, err
	}

	next, err := change(c.rows[idx])
	if err != nil {
		return nil, err
	}
	if next == c.rows[idx] {
		return nil, errors.New("model: UpdateRow change must return a new object")
	}
	if err := next.Update(ctx, c.h); err != nil {
		return nil, err
	}
	c.rows[idx] = next
	return next, nil
}

// DeleteRow deletes the object at row (the current row when row < 0) and
// removes it from the cursor. The position moves to the previous row.
func (c *Cursor) DeleteRow(ctx context.Context, row int) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, err := c.index(row)
	if err != nil {
		return nil, err
	}

	obj := c.rows[idx]
	if err := obj.Delete(ctx, c.h); err != nil {
		return nil, err
	}

	c.rows = append(c.rows[:idx:idx], c.rows[idx+1:]...)
	if c.pos >= idx {
		c.pos--
	}
	return obj, nil
}

func (c *Cursor) index(row int) (int, error) {
	if c.closed {
		return 0, ErrCursorClosed
	}
	if row < 0 {
		row = c.pos
	}
	if row < 0 || row >= len(c.rows) {
		return 0, fmt.Errorf("model: no row at position %d", row)
	}
	return row, nil
}

// Close releases the rows. Closing twice is a no-op.
func (c *Cursor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.rows = nil
}

// Closed reports whether Close was called.
func (c *Cursor) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
