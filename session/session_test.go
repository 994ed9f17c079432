package session

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db/memdb"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/transport"
)

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("registers a session with a sanitized identity", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann", Password: "secret", Group: 4})

		assert.Equal(t, Open, s.State())
		assert.Equal(t, "", s.Identity().Password)
		assert.Equal(t, int64(4), s.Group())
		assert.True(t, s.VerifyToken(s.Token()))
		assert.False(t, s.VerifyToken("forged"))
		assert.Equal(t, 28000, s.Binding().Port)

		got, ok := f.manager.Get(s.Number())
		require.True(t, ok)
		assert.Same(t, s, got)
	})

	t.Run("server supplied identity replaces the client's", func(t *testing.T) {
		f := newFixture(t, nil, AuthenticatorFunc(func(_ context.Context, id Identity) (*Identity, error) {
			return &Identity{User: "svc-" + id.User, Password: "x"}, nil
		}))
		s := f.login(t, Identity{User: "ann"})
		assert.Equal(t, "svc-ann", s.Identity().User)
		assert.Equal(t, "", s.Identity().Password)
	})

	t.Run("rejected credentials are an auth error and acquire nothing", func(t *testing.T) {
		f := newFixture(t, nil, AuthenticatorFunc(func(context.Context, Identity) (*Identity, error) {
			return nil, errors.New("bad password")
		}))
		_, err := f.endpoint.Login(ctx, Identity{User: "ann"})

		var ae *AuthError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "ann", ae.User)
		assert.Equal(t, int64(0), f.source.Opened())
		assert.Equal(t, 0, f.manager.Len())
	})

	t.Run("failure after acquiring releases the handle", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.policy.Port = 5000

		_, err := f.endpoint.Login(ctx, Identity{User: "ann"})
		var ce *policy.ConfigError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 1, f.source.Idle())
		assert.Equal(t, 0, f.manager.Len())
	})
}

func TestSessionDo(t *testing.T) {
	ctx := context.Background()

	t.Run("success marks the handle alive", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		s.Handle().Liveness().Reset()

		require.NoError(t, s.Ping(ctx))
		assert.True(t, s.Handle().Liveness().Alive())
	})

	t.Run("failures become dispatch errors and leave the flag alone", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		s.Handle().Liveness().Reset()

		cause := errors.New("boom")
		_, err := s.Do(ctx, "call", "erp.Invoice", func(context.Context) (any, error) { return nil, cause })

		var de *DispatchError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "call", de.Op)
		assert.Equal(t, "erp.Invoice", de.Class)
		assert.True(t, errors.Is(err, cause))
		assert.False(t, s.Handle().Liveness().Alive())
	})

	t.Run("calls after close fail with session closed", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		require.NoError(t, f.endpoint.Logout(ctx, s))

		assert.True(t, errors.Is(s.Ping(ctx), ErrSessionClosed))
		_, _, err := s.Delegate(ctx, "a.B", 0, TransportRequest{})
		assert.True(t, errors.Is(err, ErrSessionClosed))
	})
}

func TestSessionClose(t *testing.T) {
	ctx := context.Background()

	t.Run("rolls back an open transaction and returns the handle", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		conn := s.Handle().(*memdb.Conn)

		require.NoError(t, conn.Begin(ctx, "edit-invoice"))
		_, err := conn.Insert(ctx, "invoice", map[string]any{"n": 1})
		require.NoError(t, err)

		require.NoError(t, s.Close(ctx))
		assert.Equal(t, Closed, s.State())
		assert.True(t, conn.AutoCommit())
		assert.Equal(t, 1, f.source.Idle())
		assert.Equal(t, 0, f.manager.Len())

		rows, err := conn.Scan(ctx, "invoice")
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("closing twice is a no-op", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		require.NoError(t, s.Close(ctx))
		require.NoError(t, s.Close(ctx))
		assert.Equal(t, 1, f.source.Idle())
	})

	t.Run("close all closes every session", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		a := f.login(t, Identity{User: "a"})
		b := f.login(t, Identity{User: "b"})

		require.NoError(t, f.manager.CloseAll(ctx, "shutdown"))
		assert.Equal(t, Closed, a.State())
		assert.Equal(t, Closed, b.State())
		assert.Equal(t, 0, f.manager.Len())
	})

	t.Run("exported objects die with the session", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})

		id, err := s.Export(&testDelegate{s: s}, s.Binding())
		require.NoError(t, err)
		_, _, err = s.Exported(id)
		require.NoError(t, err)

		require.NoError(t, s.Close(ctx))
		_, _, err = s.Exported(id)
		assert.True(t, errors.Is(err, ErrSessionClosed))
	})
}

func TestDelegateResolution(t *testing.T) {
	ctx := context.Background()

	t.Run("falls back along the superclass chain", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		c := f.catalog.MustDefine("erp.base.C", "", nil)
		f.catalog.MustDefine("erp.doc.B", "erp.base.C", nil)
		f.catalog.MustDefine("erp.billing.A", "erp.doc.B", nil)
		f.registry.RegisterClass(c, factoryFor("CImpl"))

		s := f.login(t, Identity{User: "ann"})
		d, _, err := s.Delegate(ctx, "erp.billing.A", 1, TransportRequest{})
		require.NoError(t, err)

		assert.Equal(t, "erp.billing.A", d.Class().Name)
		res, err := d.Invoke(ctx, "whoami", nil)
		require.NoError(t, err)
		assert.Equal(t, "CImpl", res)
	})

	t.Run("prefers the most derived implementation", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		c := f.catalog.MustDefine("erp.base.C", "", nil)
		b := f.catalog.MustDefine("erp.doc.B", "erp.base.C", nil)
		f.registry.RegisterClass(c, factoryFor("CImpl"))
		f.registry.RegisterClass(b, factoryFor("BImpl"))

		s := f.login(t, Identity{User: "ann"})
		d, _, err := s.Delegate(ctx, "erp.doc.B", 0, TransportRequest{})
		require.NoError(t, err)
		res, _ := d.Invoke(ctx, "", nil)
		assert.Equal(t, "BImpl", res)
	})

	t.Run("failure names the requested class", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.catalog.MustDefine("erp.base.C", "", nil)
		f.catalog.MustDefine("erp.doc.B", "erp.base.C", nil)
		f.catalog.MustDefine("erp.billing.A", "erp.doc.B", nil)

		s := f.login(t, Identity{User: "ann"})
		_, _, err := s.Delegate(ctx, "erp.billing.A", 0, TransportRequest{})

		var de *DispatchError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "erp.billing.A", de.Class)
		assert.Contains(t, err.Error(), "erp.billing.delegate.AImpl")
		assert.NotContains(t, err.Error(), "CImpl")
	})

	t.Run("unknown classes are dispatch errors", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		_, _, err := s.Delegate(ctx, "erp.Nope", 0, TransportRequest{})
		var de *DispatchError
		assert.True(t, errors.As(err, &de))
	})

	t.Run("repeated requests return the same delegate", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		c := f.catalog.MustDefine("erp.X", "", nil)
		f.registry.RegisterClass(c, factoryFor("XImpl"))

		s := f.login(t, Identity{User: "ann"})
		d1, _, err := s.Delegate(ctx, "erp.X", 3, TransportRequest{})
		require.NoError(t, err)
		d2, _, err := s.Delegate(ctx, "erp.X", 3, TransportRequest{})
		require.NoError(t, err)
		assert.Same(t, d1, d2)

		at, ok := s.DelegateAt(3)
		require.True(t, ok)
		assert.Same(t, d1, at)
	})

	t.Run("repeated override requests return the same delegate", func(t *testing.T) {
		f := newFixture(t, map[string]string{
			"ports": "28000", "port": "31000", "csf": "plain", "ssf": "plain",
		}, nil)
		c := f.catalog.MustDefine("erp.X", "", nil)
		f.registry.RegisterClass(c, factoryFor("XImpl"))

		s := f.login(t, Identity{User: "ann"})
		req := TransportRequest{CSF: "plain", SSF: "plain"}
		d1, b1, err := s.Delegate(ctx, "erp.X", 4, req)
		require.NoError(t, err)
		d2, b2, err := s.Delegate(ctx, "erp.X", 4, req)
		require.NoError(t, err)
		assert.Same(t, d1, d2)
		assert.Equal(t, b1, b2)
	})

	t.Run("out of range ids are rejected", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		f.catalog.MustDefine("erp.X", "", nil)
		s := f.login(t, Identity{User: "ann"})
		_, _, err := s.Delegate(ctx, "erp.X", -1, TransportRequest{})
		assert.Error(t, err)
		_, _, err = s.Delegate(ctx, "erp.X", MaxDelegateID, TransportRequest{})
		assert.Error(t, err)
	})
}

func TestClassSlotsGrowth(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.login(t, Identity{User: "ann"})

	ids := []int{0, 1, 2, 15, 16, 17, 100, 1000, 5000}
	for i := 0; i < 20; i++ {
		ids = append(ids, rand.Intn(4096))
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	want := map[int]*classes.Class{}
	for _, id := range ids {
		if _, ok := want[id]; ok {
			continue
		}
		c := f.catalog.MustDefine("erp.C"+strconv.Itoa(id), "", nil)
		got, err := s.Class(c.Name, id)
		require.NoError(t, err)
		want[id] = got

		for prev, pc := range want {
			assert.Same(t, pc, s.classSlots.get(prev), "id %d lost after registering %d", prev, id)
		}
	}
	assert.GreaterOrEqual(t, s.classSlots.capacity(), 5001)
}

func TestSessionTransport(t *testing.T) {
	t.Run("zero request gives the session default", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		b, err := s.Transport(TransportRequest{})
		require.NoError(t, err)
		assert.Equal(t, s.Binding(), b)
	})

	t.Run("well-known kinds are granted their planned port", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})

		b, err := s.Transport(TransportRequest{Kind: "compressed", Port: 28001})
		require.NoError(t, err)
		assert.Same(t, f.policy.Transports.Pair(transport.Compressed), b.Pair)
		assert.Equal(t, 28001, b.Port)

		_, err = s.Transport(TransportRequest{Kind: "compressed", Port: 28002})
		assert.Error(t, err)
	})

	t.Run("override requests get the configured pair on its port", func(t *testing.T) {
		f := newFixture(t, map[string]string{
			"ports": "28000", "port": "31000", "csf": "compressed", "ssf": "compressed",
		}, nil)
		s := f.login(t, Identity{User: "ann"})

		b, err := s.Transport(TransportRequest{CSF: "compressed", SSF: "compressed"})
		require.NoError(t, err)
		assert.Same(t, f.policy.Custom, b.Pair)
		assert.Equal(t, 31000, b.Port)

		again, err := s.Transport(TransportRequest{CSF: "compressed", SSF: "compressed", Port: 31000})
		require.NoError(t, err)
		assert.Equal(t, b, again)

		var cerr *policy.ConfigError
		_, err = s.Transport(TransportRequest{CSF: "compressed", SSF: "compressed", Port: 40123})
		assert.True(t, errors.As(err, &cerr))

		_, err = s.Transport(TransportRequest{CSF: "plain", SSF: "plain"})
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("override requests fail when no override is configured", func(t *testing.T) {
		f := newFixture(t, nil, nil)
		s := f.login(t, Identity{User: "ann"})
		_, err := s.Transport(TransportRequest{CSF: "compressed", SSF: "compressed", Port: 31000})
		var cerr *policy.ConfigError
		assert.True(t, errors.As(err, &cerr))
	})

	t.Run("disabled kinds are refused", func(t *testing.T) {
		f := newFixture(t, map[string]string{"ports": "28000,-1,0,0"}, nil)
		s := f.login(t, Identity{User: "ann"})
		_, err := s.Transport(TransportRequest{Kind: "compressed"})
		assert.Error(t, err)
	})
}
