package delegate

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/model"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
)

// CursorDelegate remotes an open cursor. It is exported by the object
// delegate that opened it, shares that delegate's transport and is closed
// together with the session.
type CursorDelegate struct {
	Base

	id     uint64
	cursor *model.Cursor
}

func newCursorDelegate(s *session.Session, c *classes.Class, cursor *model.Cursor) *CursorDelegate {
	d := &CursorDelegate{Base: newBase(s, c), cursor: cursor}
	d.methods[MethodFirst] = d.nav(func(int) (model.Object, bool, error) { return cursor.First() })
	d.methods[MethodLast] = d.nav(func(int) (model.Object, bool, error) { return cursor.Last() })
	d.methods[MethodNext] = d.nav(func(int) (model.Object, bool, error) { return cursor.Next() })
	d.methods[MethodPrevious] = d.nav(func(int) (model.Object, bool, error) { return cursor.Previous() })
	d.methods[MethodSetRow] = d.nav(cursor.SetRow)
	d.methods[MethodRow] = d.row
	d.methods[MethodFetch] = d.fetch
	d.methods[MethodRowCount] = d.rowCount
	d.methods[MethodFetchSize] = d.fetchSize
	d.methods[MethodSetFetchSize] = d.setFetchSize
	d.methods[MethodFetchDirection] = d.fetchDirection
	d.methods[MethodSetFetchDirection] = d.setFetchDirection
	d.methods[MethodUpdateRow] = d.updateRow
	d.methods[MethodDeleteRow] = d.deleteRow
	d.methods[MethodClose] = d.close
	return d
}

// ID returns the id the cursor is exported under.
func (d *CursorDelegate) ID() uint64 { return d.id }

// Cursor returns the underlying cursor.
func (d *CursorDelegate) Cursor() *model.Cursor { return d.cursor }

// Close closes the cursor. The session calls it on close.
func (d *CursorDelegate) Close() error {
	d.cursor.Close()
	return nil
}

func (d *CursorDelegate) nav(move func(row int) (model.Object, bool, error)) Method {
	return func(_ context.Context, args []byte) (any, error) {
		var a CountArgs
		if err := decode("move", args, &a); err != nil {
			return nil, err
		}
		obj, ok, err := move(a.N)
		if err != nil {
			return nil, err
		}
		return d.answer(obj, ok), nil
	}
}

func (d *CursorDelegate) answer(obj model.Object, ok bool) CursorRow {
	r := CursorRow{Row: d.cursor.Row(), OK: ok}
	if ok {
		r.Object = obj
	}
	return r
}

func (d *CursorDelegate) row(context.Context, []byte) (any, error) {
	if d.cursor.Closed() {
		return nil, model.ErrCursorClosed
	}
	return d.cursor.Row(), nil
}

func (d *CursorDelegate) fetch(_ context.Context, args []byte) (any, error) {
	var a CountArgs
	if err := decode(MethodFetch, args, &a); err != nil {
		return nil, err
	}
	return d.cursor.Fetch(a.N)
}

func (d *CursorDelegate) rowCount(context.Context, []byte) (any, error) {
	return d.cursor.RowCount()
}

func (d *CursorDelegate) fetchSize(context.Context, []byte) (any, error) {
	if d.cursor.Closed() {
		return nil, model.ErrCursorClosed
	}
	return d.cursor.FetchSize(), nil
}

func (d *CursorDelegate) setFetchSize(_ context.Context, args []byte) (any, error) {
	var a CountArgs
	if err := decode(MethodSetFetchSize, args, &a); err != nil {
		return nil, err
	}
	if d.cursor.Closed() {
		return nil, model.ErrCursorClosed
	}
	d.cursor.SetFetchSize(a.N)
	return d.cursor.FetchSize(), nil
}

func (d *CursorDelegate) fetchDirection(context.Context, []byte) (any, error) {
	if d.cursor.Closed() {
		return nil, model.ErrCursorClosed
	}
	return d.cursor.FetchDirection().String(), nil
}

func (d *CursorDelegate) setFetchDirection(_ context.Context, args []byte) (any, error) {
	var a DirectionArgs
	if err := decode(MethodSetFetchDirection, args, &a); err != nil {
		return nil, err
	}
	if d.cursor.Closed() {
		return nil, model.ErrCursorClosed
	}

	dir, err := ParseDirection(a.Direction)
	if err != nil {
		return nil, err
	}
	if err := d.cursor.SetFetchDirection(dir); err != nil {
		return nil, err
	}
	return dir.String(), nil
}

// updateRow stores a new state for a row and bumps the table serial.
func (d *CursorDelegate) updateRow(ctx context.Context, args []byte) (any, error) {
	a := RowArgs{Row: -1}
	if err := decode(MethodUpdateRow, args, &a); err != nil {
		return nil, err
	}

	obj, err := d.cursor.UpdateRow(ctx, a.Row, func(cur model.Object) (model.Object, error) {
		next, err := cloneObject(d.class, cur)
		if err != nil {
			return nil, err
		}
		if len(a.Object) == 0 {
			return next, nil
		}
		return next, unmarshalInto(next, a.Object)
	})
	if err != nil {
		return d.conflict(ctx, err)
	}
	return d.touched(ctx, obj)
}

func (d *CursorDelegate) deleteRow(ctx context.Context, args []byte) (any, error) {
	a := RowArgs{Row: -1}
	if err := decode(MethodDeleteRow, args, &a); err != nil {
		return nil, err
	}

	obj, err := d.cursor.DeleteRow(ctx, a.Row)
	if err != nil {
		return d.conflict(ctx, err)
	}
	return d.touched(ctx, obj)
}

func (d *CursorDelegate) touched(ctx context.Context, obj model.Object) (any, error) {
	t, err := d.session.Serials().Declare(ctx, obj.TableName())
	if err != nil {
		return nil, err
	}
	ts, err := d.session.Serials().Increment(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("bumping serial of %s: %w", t, err)
	}
	return succeeded(obj, ts), nil
}

// conflict reports a conflicting row change in a Result; other failures,
// bad positions included, stay errors.
func (d *CursorDelegate) conflict(ctx context.Context, err error) (any, error) {
	if !errors.Is(err, db.ErrConflict) {
		return nil, err
	}
	return Result{TableSerial: d.tableSerial(ctx), Conflict: true, Message: err.Error()}, nil
}

func (d *CursorDelegate) tableSerial(ctx context.Context) int64 {
	obj, err := newObject(d.class)
	if err != nil {
		return serial.Unknown
	}
	t, err := d.session.Serials().Declare(ctx, obj.TableName())
	if err != nil {
		return serial.Unknown
	}
	ts, err := d.session.Serials().Serial(ctx, t.ID)
	if err != nil {
		return serial.Unknown
	}
	return ts
}

func (d *CursorDelegate) close(context.Context, []byte) (any, error) {
	d.session.Unexport(d.id)
	return nil, d.Close()
}

// ParseDirection parses "forward" or "reverse".
func ParseDirection(s string) (model.Direction, error) {
	switch s {
	case "", "forward":
		return model.Forward, nil
	case "reverse":
		return model.Reverse, nil
	}
	return model.Forward, fmt.Errorf("unknown fetch direction %q", s)
}
