package delegate

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/model"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
	"github.com/goccy/go-json"
)

// ObjectDelegate serves CRUD calls for one persisted business class. Calls
// that only report an outcome work on a single instance reused across calls;
// calls that return objects build fresh ones.
type ObjectDelegate struct {
	Base

	mu        sync.Mutex
	proto     model.Object
	tableName string
}

// NewObject is the session.Factory for object delegates. The class must
// construct a model.Object.
func NewObject(s *session.Session, c *classes.Class) (session.Delegate, error) {
	proto, err := newObject(c)
	if err != nil {
		return nil, err
	}

	d := &ObjectDelegate{
		Base:      newBase(s, c),
		proto:     proto,
		tableName: proto.TableName(),
	}
	d.methods[MethodSelect] = d.selectOne
	d.methods[MethodSelectAll] = d.selectAll
	d.methods[MethodInsert] = d.insert
	d.methods[MethodUpdate] = d.update
	d.methods[MethodDelete] = d.delete
	d.methods[MethodSerial] = d.serial
	d.methods[MethodTable] = d.tableInfo
	d.methods[MethodTableSerial] = d.tableSerial
	d.methods[MethodOpenCursor] = d.openCursor
	return d, nil
}

func newObject(c *classes.Class) (model.Object, error) {
	if c.New == nil {
		return nil, fmt.Errorf("class %s cannot be instantiated", c.Name)
	}
	obj, ok := c.New().(model.Object)
	if !ok {
		return nil, fmt.Errorf("class %s does not construct a model.Object", c.Name)
	}
	return obj, nil
}

// Table returns the serial table the delegate's class is stored in.
func (d *ObjectDelegate) Table(ctx context.Context) (serial.Table, error) {
	return d.session.Serials().Declare(ctx, d.tableName)
}

func (d *ObjectDelegate) selectOne(ctx context.Context, args []byte) (any, error) {
	var a IDArgs
	if err := decode(MethodSelect, args, &a); err != nil {
		return nil, err
	}

	obj, err := newObject(d.class)
	if err != nil {
		return nil, err
	}
	if err := obj.Load(ctx, d.Handle(), a.ID); err != nil {
		return nil, err
	}
	return obj, nil
}

func (d *ObjectDelegate) selectAll(ctx context.Context, _ []byte) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proto.SelectAll(ctx, d.Handle())
}

func (d *ObjectDelegate) insert(ctx context.Context, args []byte) (any, error) {
	return d.mutate(ctx, MethodInsert, args, d.proto.Insert)
}

func (d *ObjectDelegate) update(ctx context.Context, args []byte) (any, error) {
	return d.mutate(ctx, MethodUpdate, args, d.proto.Update)
}

func (d *ObjectDelegate) delete(ctx context.Context, args []byte) (any, error) {
	return d.mutate(ctx, MethodDelete, args, d.proto.Delete)
}

// mutate loads args into the reused instance, runs op on it and bumps the
// table serial on success. Store failures are reported in the Result, not as
// errors.
func (d *ObjectDelegate) mutate(ctx context.Context, method string, args []byte, op func(context.Context, db.Handle) error) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r, ok := d.proto.(model.Resetter); ok {
		r.Reset()
	}
	if err := decode(method, args, d.proto); err != nil {
		return nil, err
	}

	if err := op(ctx, d.Handle()); err != nil {
		res := failed(d.proto, d.currentTableSerial(ctx), err)
		d.session.Logger().Warn("object call failed", logger.Field{Key: "method", Value: method},
			logger.Field{Key: "class", Value: d.class.Name}, logger.Field{Key: "conflict", Value: res.Conflict},
			logger.Err(err))
		return res, nil
	}

	t, err := d.Table(ctx)
	if err != nil {
		return nil, err
	}
	ts, err := d.session.Serials().Increment(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("bumping serial of %s: %w", t, err)
	}
	return succeeded(d.proto, ts), nil
}

func (d *ObjectDelegate) currentTableSerial(ctx context.Context) int64 {
	ts, err := d.tableSerial(ctx, nil)
	if err != nil {
		return serial.Unknown
	}
	return ts.(int64)
}

// serial returns the stored version serial of one object.
func (d *ObjectDelegate) serial(ctx context.Context, args []byte) (any, error) {
	var a IDArgs
	if err := decode(MethodSerial, args, &a); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.proto.Load(ctx, d.Handle(), a.ID); err != nil {
		return nil, err
	}
	return d.proto.Serial(), nil
}

func (d *ObjectDelegate) tableInfo(ctx context.Context, _ []byte) (any, error) {
	return d.Table(ctx)
}

func (d *ObjectDelegate) tableSerial(ctx context.Context, _ []byte) (any, error) {
	t, err := d.Table(ctx)
	if err != nil {
		return nil, err
	}
	return d.session.Serials().Serial(ctx, t.ID)
}

// openCursor selects every row of the table into a cursor and exports it
// over the delegate's own transport.
func (d *ObjectDelegate) openCursor(ctx context.Context, _ []byte) (any, error) {
	d.mu.Lock()
	rows, err := d.proto.SelectAll(ctx, d.Handle())
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := newCursorDelegate(d.session, d.class, model.NewCursor(d.Handle(), rows))
	c.SetBinding(d.binding)
	id, err := d.session.Export(c, d.binding)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.id = id

	return CursorRef{Cursor: id, Transport: d.binding.Name(), Port: d.binding.Port, Rows: len(rows)}, nil
}

// cloneObject returns a fresh instance of c holding obj's state.
func cloneObject(c *classes.Class, obj model.Object) (model.Object, error) {
	next, err := newObject(c)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, next); err != nil {
		return nil, err
	}
	return next, nil
}

// unmarshalInto replaces obj's state with raw, keeping its id and serial
// when raw does not carry them.
func unmarshalInto(obj model.Object, raw json.RawMessage) error {
	id, ser := obj.ID(), obj.Serial()
	if r, ok := obj.(model.Resetter); ok {
		r.Reset()
	}
	if err := json.Unmarshal(raw, obj); err != nil {
		return err
	}

	if e, ok := obj.(entity); ok {
		if obj.ID() == 0 {
			e.SetID(id)
		}
		if obj.Serial() == 0 {
			e.SetSerial(ser)
		}
	}
	return nil
}

type entity interface {
	SetID(id int64)
	SetSerial(serial int64)
}
