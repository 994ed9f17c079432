package client

import (
	"context"

	"github.com/cyberinferno/go-remotedb/delegate"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/wire"
)

// Remote is the client side of a server delegate. Its calls travel over the
// transport negotiated for it.
type Remote struct {
	client    *Client
	id        int
	class     string
	key       string
	transport string
	port      int
}

// Class returns the business class name.
func (r *Remote) Class() string { return r.class }

// Transport returns the negotiated transport name and port.
func (r *Remote) Transport() (string, int) { return r.transport, r.port }

// Call invokes method with args (any JSON-encodable value, or nil) and decodes
// the result into out (nil to discard it).
func (r *Remote) Call(ctx context.Context, method string, args, out any) error {
	return r.client.do(ctx, r.key, &wire.Request{Op: wire.OpCall, Target: r.id, Method: method}, args, out)
}

// Begin starts a named transaction on the session's handle.
func (r *Remote) Begin(ctx context.Context, name string) error {
	return r.Call(ctx, delegate.MethodBegin, delegate.TxArgs{Name: name}, nil)
}

// Commit commits the session transaction.
func (r *Remote) Commit(ctx context.Context) error {
	return r.Call(ctx, delegate.MethodCommit, nil, nil)
}

// Rollback rolls the session transaction back.
func (r *Remote) Rollback(ctx context.Context) error {
	return r.Call(ctx, delegate.MethodRollback, nil, nil)
}

// Select loads object id into out.
func (r *Remote) Select(ctx context.Context, id int64, out any) error {
	return r.Call(ctx, delegate.MethodSelect, delegate.IDArgs{ID: id}, out)
}

// SelectAll loads every object of the class into out, a pointer to a slice.
func (r *Remote) SelectAll(ctx context.Context, out any) error {
	return r.Call(ctx, delegate.MethodSelectAll, nil, out)
}

// Insert stores obj as a new object.
func (r *Remote) Insert(ctx context.Context, obj any) (delegate.Result, error) {
	return r.mutate(ctx, delegate.MethodInsert, obj)
}

// Update stores obj if its serial is still current; a stale serial yields a
// Result with Conflict set.
func (r *Remote) Update(ctx context.Context, obj any) (delegate.Result, error) {
	return r.mutate(ctx, delegate.MethodUpdate, obj)
}

// Delete removes obj.
func (r *Remote) Delete(ctx context.Context, obj any) (delegate.Result, error) {
	return r.mutate(ctx, delegate.MethodDelete, obj)
}

func (r *Remote) mutate(ctx context.Context, method string, obj any) (delegate.Result, error) {
	var res delegate.Result
	err := r.Call(ctx, method, obj, &res)
	return res, err
}

// Serial returns the stored version serial of object id.
func (r *Remote) Serial(ctx context.Context, id int64) (int64, error) {
	var v int64
	err := r.Call(ctx, delegate.MethodSerial, delegate.IDArgs{ID: id}, &v)
	return v, err
}

// Table returns the table the class is stored in.
func (r *Remote) Table(ctx context.Context) (serial.Table, error) {
	var t serial.Table
	err := r.Call(ctx, delegate.MethodTable, nil, &t)
	return t, err
}

// TableSerial returns the serial of the class's table.
func (r *Remote) TableSerial(ctx context.Context) (int64, error) {
	var v int64
	err := r.Call(ctx, delegate.MethodTableSerial, nil, &v)
	return v, err
}

// Execute runs an operation delegate.
func (r *Remote) Execute(ctx context.Context, args, out any) error {
	return r.Call(ctx, delegate.MethodExecute, args, out)
}

// OpenCursor opens a cursor over every object of the class.
func (r *Remote) OpenCursor(ctx context.Context) (*Cursor, error) {
	var ref delegate.CursorRef
	if err := r.Call(ctx, delegate.MethodOpenCursor, nil, &ref); err != nil {
		return nil, err
	}
	return &Cursor{client: r.client, ref: ref, key: connKey(ref.Transport, ref.Port)}, nil
}
