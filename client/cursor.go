package client

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/cyberinferno/go-remotedb/delegate"
	"github.com/cyberinferno/go-remotedb/model"
	"github.com/cyberinferno/go-remotedb/wire"
)

// Cursor is the client side of an open server cursor. It shares the
// transport of the delegate that opened it and dies with the session.
type Cursor struct {
	client *Client
	ref    delegate.CursorRef
	key    string
}

// Ref returns the server's description of the cursor.
func (c *Cursor) Ref() delegate.CursorRef { return c.ref }

func (c *Cursor) call(ctx context.Context, method string, args, out any) error {
	return c.client.do(ctx, c.key, &wire.Request{Op: wire.OpCursor, Cursor: c.ref.Cursor, Method: method}, args, out)
}

// move runs a navigation method and decodes the row into out when there is one.
func (c *Cursor) move(ctx context.Context, method string, args, out any) (bool, error) {
	var row struct {
		Row    int             `json:"row"`
		OK     bool            `json:"ok"`
		Object json.RawMessage `json:"object"`
	}
	if err := c.call(ctx, method, args, &row); err != nil {
		return false, err
	}
	if !row.OK || out == nil {
		return row.OK, nil
	}
	return true, json.Unmarshal(row.Object, out)
}

// Next moves to the next row; false past the last one.
func (c *Cursor) Next(ctx context.Context, out any) (bool, error) {
	return c.move(ctx, delegate.MethodNext, nil, out)
}

// Previous moves back one row; false before the first one.
func (c *Cursor) Previous(ctx context.Context, out any) (bool, error) {
	return c.move(ctx, delegate.MethodPrevious, nil, out)
}

// First moves to the first row and decodes it into out.
func (c *Cursor) First(ctx context.Context, out any) (bool, error) {
	return c.move(ctx, delegate.MethodFirst, nil, out)
}

// Last moves to the last row and decodes it into out.
func (c *Cursor) Last(ctx context.Context, out any) (bool, error) {
	return c.move(ctx, delegate.MethodLast, nil, out)
}

// SetRow moves to an absolute, zero based position.
func (c *Cursor) SetRow(ctx context.Context, row int, out any) (bool, error) {
	return c.move(ctx, delegate.MethodSetRow, delegate.CountArgs{N: row}, out)
}

// Row returns the current position, -1 before the first row.
func (c *Cursor) Row(ctx context.Context) (int, error) {
	var n int
	err := c.call(ctx, delegate.MethodRow, nil, &n)
	return n, err
}

// Fetch reads up to n rows in the fetch direction into out, a pointer to a
// slice; n <= 0 uses the fetch size.
func (c *Cursor) Fetch(ctx context.Context, n int, out any) error {
	return c.call(ctx, delegate.MethodFetch, delegate.CountArgs{N: n}, out)
}

// RowCount returns the number of rows left in the cursor.
func (c *Cursor) RowCount(ctx context.Context) (int, error) {
	var n int
	err := c.call(ctx, delegate.MethodRowCount, nil, &n)
	return n, err
}

// FetchSize returns the batch size of Fetch(0).
func (c *Cursor) FetchSize(ctx context.Context) (int, error) {
	var n int
	err := c.call(ctx, delegate.MethodFetchSize, nil, &n)
	return n, err
}

// SetFetchSize sets the batch size of Fetch(0).
func (c *Cursor) SetFetchSize(ctx context.Context, n int) error {
	return c.call(ctx, delegate.MethodSetFetchSize, delegate.CountArgs{N: n}, nil)
}

// FetchDirection returns the order Fetch walks the rows in.
func (c *Cursor) FetchDirection(ctx context.Context) (model.Direction, error) {
	var name string
	if err := c.call(ctx, delegate.MethodFetchDirection, nil, &name); err != nil {
		return model.Forward, err
	}
	return delegate.ParseDirection(name)
}

// SetFetchDirection changes the order Fetch walks in.
func (c *Cursor) SetFetchDirection(ctx context.Context, d model.Direction) error {
	return c.call(ctx, delegate.MethodSetFetchDirection, delegate.DirectionArgs{Direction: d.String()}, nil)
}

// UpdateRow stores obj at row, -1 for the current row.
func (c *Cursor) UpdateRow(ctx context.Context, row int, obj any) (delegate.Result, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return delegate.Result{}, err
	}
	var res delegate.Result
	err = c.call(ctx, delegate.MethodUpdateRow, delegate.RowArgs{Row: row, Object: raw}, &res)
	return res, err
}

// DeleteRow deletes the object at row, -1 for the current row.
func (c *Cursor) DeleteRow(ctx context.Context, row int) (delegate.Result, error) {
	var res delegate.Result
	err := c.call(ctx, delegate.MethodDeleteRow, delegate.RowArgs{Row: row}, &res)
	return res, err
}

// Close closes the server cursor.
func (c *Cursor) Close(ctx context.Context) error {
	return c.call(ctx, delegate.MethodClose, nil, nil)
}
