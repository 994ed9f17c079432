package delegate

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/db/memdb"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/model"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
)

const (
	customerClass = "shop.Customer"
	vipClass      = "shop.VipCustomer"
	purgeClass    = "shop.Purge"
	customers     = "customers"
)

type purge struct{}

func (purge) Execute(ctx context.Context, h db.Handle, _ []byte) (any, error) {
	rows, err := model.NewRecord(customerClass, customers).SelectAll(ctx, h)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := row.Delete(ctx, h); err != nil {
			return nil, err
		}
	}
	return len(rows), nil
}

func (purge) Tables() []string { return []string{customers} }

func newEndpoint(t *testing.T) *session.Endpoint {
	t.Helper()

	store := memdb.NewStore()
	require.NoError(t, store.CreateTable(customers,
		memdb.Unique("email"),
		memdb.Check(func(fields map[string]any) error {
			if name, _ := fields["name"].(string); name == "" {
				return errors.New("name required")
			}
			return nil
		})))

	catalog := classes.NewCatalog()
	newCustomer := func() any { return model.NewRecord(customerClass, customers) }
	customer := catalog.MustDefine(customerClass, "", newCustomer)
	catalog.MustDefine(vipClass, customerClass, newCustomer)
	op := catalog.MustDefine(purgeClass, "", func() any { return purge{} })

	reg := session.NewRegistry()
	RegisterObjects(reg, customer)
	RegisterOperations(reg, op)

	pol, err := policy.ResolveConnectionPolicy(config.New(map[string]string{"ports": "28000"}))
	require.NoError(t, err)
	tracker := serial.NewProxy(serial.NewMemoryStore())

	e, err := session.NewEndpoint(session.EndpointConfig{
		Policy:        pol,
		Source:        memdb.NewSource(store, 2),
		Authenticator: session.AuthenticatorFunc(func(context.Context, session.Identity) (*session.Identity, error) { return nil, nil }),
		Catalog:       catalog,
		Registry:      reg,
		Serials:       tracker,
		Manager:       session.NewManager(logger.NewNopLogger(), nil),
		Logger:        logger.NewNopLogger(),
	})
	require.NoError(t, err)
	return e
}

func login(t *testing.T, e *session.Endpoint) *session.Session {
	t.Helper()
	s, err := e.Login(context.Background(), session.Identity{User: "tester"})
	require.NoError(t, err)
	return s
}

func delegateFor(t *testing.T, s *session.Session, class string, id int, req session.TransportRequest) session.Delegate {
	t.Helper()
	d, _, err := s.Delegate(context.Background(), class, id, req)
	require.NoError(t, err)
	return d
}

func call(s *session.Session, d session.Delegate, method string, args any) (any, error) {
	var raw []byte
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return s.Do(context.Background(), "call", d.Class().Name, func(ctx context.Context) (any, error) {
		return d.Invoke(ctx, method, raw)
	})
}

func record(id, serial int64, fields map[string]any) map[string]any {
	return map[string]any{"id": id, "serial": serial, "fields": fields}
}

func mustResult(t *testing.T, s *session.Session, d session.Delegate, method string, args any) Result {
	t.Helper()
	res, err := call(s, d, method, args)
	require.NoError(t, err)
	r, ok := res.(Result)
	require.True(t, ok, "got %T", res)
	return r
}

func TestObjectDelegate(t *testing.T) {
	t.Run("insert assigns id and serial and bumps the table serial", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})

		r := mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))
		assert.True(t, r.Success)
		assert.False(t, r.Conflict)
		assert.Equal(t, int64(1), r.ID)
		assert.Equal(t, int64(1), r.Serial)
		assert.Equal(t, int64(1), r.TableSerial)

		r = mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "bob", "email": "bob@x"}))
		assert.Equal(t, int64(2), r.TableSerial)

		ts, err := call(s, d, MethodTableSerial, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), ts)
	})

	t.Run("select returns a fresh object", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})
		mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))

		first, err := call(s, d, MethodSelect, IDArgs{ID: 1})
		require.NoError(t, err)
		second, err := call(s, d, MethodSelect, IDArgs{ID: 1})
		require.NoError(t, err)

		rec := first.(*model.Record)
		assert.Equal(t, "ann", rec.Fields["name"])
		assert.NotSame(t, first, second)
	})

	t.Run("unique violation is reported as a conflict", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})
		mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))

		r := mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "other", "email": "ann@x"}))
		assert.False(t, r.Success)
		assert.True(t, r.Conflict)
		assert.Equal(t, int64(1), r.TableSerial)
		assert.NotEmpty(t, r.Message)
	})

	t.Run("other failures are not conflicts", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})

		r := mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"email": "anon@x"}))
		assert.False(t, r.Success)
		assert.False(t, r.Conflict)
	})

	t.Run("stale update is a conflict", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})
		mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))

		r := mustResult(t, s, d, MethodUpdate, record(1, 1, map[string]any{"name": "anne", "email": "ann@x"}))
		require.True(t, r.Success)
		assert.Equal(t, int64(2), r.Serial)

		r = mustResult(t, s, d, MethodUpdate, record(1, 1, map[string]any{"name": "annie", "email": "ann@x"}))
		assert.False(t, r.Success)
		assert.True(t, r.Conflict)

		ser, err := call(s, d, MethodSerial, IDArgs{ID: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(2), ser)
	})

	t.Run("delete removes the row", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})
		mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))

		r := mustResult(t, s, d, MethodDelete, record(1, 1, nil))
		assert.True(t, r.Success)

		all, err := call(s, d, MethodSelectAll, nil)
		require.NoError(t, err)
		assert.Empty(t, all)

		_, err = call(s, d, MethodSelect, IDArgs{ID: 1})
		assert.ErrorIs(t, err, db.ErrNotFound)
	})

	t.Run("subclass is served by the superclass delegate", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, vipClass, 3, session.TransportRequest{})

		_, ok := d.(*ObjectDelegate)
		assert.True(t, ok)
		assert.Equal(t, vipClass, d.Class().Name)
	})

	t.Run("rolled back transaction leaves no rows", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})

		_, err := call(s, d, MethodBegin, TxArgs{Name: "batch"})
		require.NoError(t, err)
		assert.Equal(t, "batch", s.Handle().TxName())

		mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))
		_, err = call(s, d, MethodRollback, nil)
		require.NoError(t, err)

		all, err := call(s, d, MethodSelectAll, nil)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("unknown method fails with a dispatch error", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, session.TransportRequest{})

		_, err := call(s, d, "explode", nil)
		var de *session.DispatchError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, customerClass, de.Class)
	})
}

func TestCursorDelegate(t *testing.T) {
	open := func(t *testing.T, req session.TransportRequest) (*session.Session, session.Delegate, CursorRef) {
		t.Helper()
		s := login(t, newEndpoint(t))
		d := delegateFor(t, s, customerClass, 0, req)
		for _, name := range []string{"ann", "bob", "cid"} {
			mustResult(t, s, d, MethodInsert, record(0, 0, map[string]any{"name": name, "email": name + "@x"}))
		}

		res, err := call(s, d, MethodOpenCursor, nil)
		require.NoError(t, err)
		return s, d, res.(CursorRef)
	}

	exported := func(t *testing.T, s *session.Session, ref CursorRef) session.Delegate {
		t.Helper()
		c, _, err := s.Exported(ref.Cursor)
		require.NoError(t, err)
		return c
	}

	t.Run("shares the owner's transport", func(t *testing.T) {
		s, _, ref := open(t, session.TransportRequest{Kind: "compressed", Port: 28001})
		assert.Equal(t, 3, ref.Rows)
		assert.Equal(t, 28001, ref.Port)

		_, binding, err := s.Exported(ref.Cursor)
		require.NoError(t, err)
		assert.Equal(t, 28001, binding.Port)
		assert.Equal(t, ref.Transport, binding.Name())
	})

	t.Run("navigates and fetches", func(t *testing.T) {
		s, _, ref := open(t, session.TransportRequest{})
		c := exported(t, s, ref)

		res, err := call(s, c, MethodNext, nil)
		require.NoError(t, err)
		row := res.(CursorRow)
		assert.True(t, row.OK)
		assert.Equal(t, 0, row.Row)

		res, err = call(s, c, MethodFetch, CountArgs{N: 5})
		require.NoError(t, err)
		assert.Len(t, res, 2)

		res, err = call(s, c, MethodNext, nil)
		require.NoError(t, err)
		assert.False(t, res.(CursorRow).OK)

		res, err = call(s, c, MethodSetRow, CountArgs{N: 1})
		require.NoError(t, err)
		assert.Equal(t, "bob", res.(CursorRow).Object.(*model.Record).Fields["name"])

		_, err = call(s, c, MethodSetFetchDirection, DirectionArgs{Direction: "reverse"})
		require.NoError(t, err)
		res, err = call(s, c, MethodFetch, nil)
		require.NoError(t, err)
		assert.Len(t, res, 1)

		res, err = call(s, c, MethodFetchDirection, nil)
		require.NoError(t, err)
		assert.Equal(t, "reverse", res)
	})

	t.Run("updates and deletes rows", func(t *testing.T) {
		s, d, ref := open(t, session.TransportRequest{})
		c := exported(t, s, ref)

		_, err := call(s, c, MethodFirst, nil)
		require.NoError(t, err)
		r := mustResult(t, s, c, MethodUpdateRow, RowArgs{Row: -1, Object: json.RawMessage(`{"fields":{"name":"ann2","email":"ann@x"}}`)})
		assert.True(t, r.Success)
		assert.Equal(t, int64(1), r.ID)
		assert.Equal(t, int64(2), r.Serial)
		assert.Equal(t, int64(4), r.TableSerial)

		r = mustResult(t, s, c, MethodUpdateRow, RowArgs{Row: 2, Object: json.RawMessage(`{"fields":{"name":"cid","email":"ann@x"}}`)})
		assert.True(t, r.Conflict)

		r = mustResult(t, s, c, MethodUpdateRow, RowArgs{Row: 1, Object: json.RawMessage(`{"fields":{"name":"HIJACK","email":"ann@x"}}`)})
		assert.True(t, r.Conflict)
		row, err := call(s, c, MethodSetRow, CountArgs{N: 1})
		require.NoError(t, err)
		assert.Equal(t, "bob", row.(CursorRow).Object.(*model.Record).Fields["name"])

		r = mustResult(t, s, c, MethodDeleteRow, RowArgs{Row: 1})
		assert.True(t, r.Success)

		n, err := call(s, c, MethodRowCount, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		all, err := call(s, d, MethodSelectAll, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("bad positions are errors", func(t *testing.T) {
		s, _, ref := open(t, session.TransportRequest{})
		c := exported(t, s, ref)

		_, err := call(s, c, MethodDeleteRow, RowArgs{Row: 9})
		assert.Error(t, err)
	})

	t.Run("close unexports the cursor", func(t *testing.T) {
		s, _, ref := open(t, session.TransportRequest{})
		c := exported(t, s, ref)

		_, err := call(s, c, MethodClose, nil)
		require.NoError(t, err)
		assert.True(t, c.(*CursorDelegate).Cursor().Closed())

		_, _, err = s.Exported(ref.Cursor)
		assert.Error(t, err)
	})

	t.Run("fails after the session closed", func(t *testing.T) {
		s, _, ref := open(t, session.TransportRequest{})
		c := exported(t, s, ref)

		require.NoError(t, s.Close(context.Background()))
		assert.True(t, c.(*CursorDelegate).Cursor().Closed())

		_, err := call(s, c, MethodNext, nil)
		assert.ErrorIs(t, err, session.ErrSessionClosed)
		_, _, err = s.Exported(ref.Cursor)
		assert.ErrorIs(t, err, session.ErrSessionClosed)
	})
}

func TestOperationDelegate(t *testing.T) {
	t.Run("executes a fresh operation and bumps touched tables", func(t *testing.T) {
		s := login(t, newEndpoint(t))
		obj := delegateFor(t, s, customerClass, 0, session.TransportRequest{})
		mustResult(t, s, obj, MethodInsert, record(0, 0, map[string]any{"name": "ann", "email": "ann@x"}))

		op := delegateFor(t, s, purgeClass, 1, session.TransportRequest{})
		res, err := call(s, op, MethodExecute, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res)

		ts, err := call(s, obj, MethodTableSerial, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(2), ts)
	})

	t.Run("rejects classes that are not operations", func(t *testing.T) {
		catalog := classes.NewCatalog()
		c := catalog.MustDefine("shop.Thing", "", func() any { return "thing" })

		_, err := NewOperation(nil, c)
		assert.Error(t, err)
	})
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection("reverse")
	require.NoError(t, err)
	assert.Equal(t, model.Reverse, d)

	d, err = ParseDirection("")
	require.NoError(t, err)
	assert.Equal(t, model.Forward, d)

	_, err = ParseDirection("sideways")
	assert.Error(t, err)
}
