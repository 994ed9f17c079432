package serial

import (
	"context"
	"errors"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/logger"
)

func TestMemoryStore_RegisterIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.Serial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Unknown, v)

	require.NoError(t, s.Register(ctx, Table{ID: 1, Name: "invoice"}))
	_, err = s.Increment(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.Register(ctx, Table{ID: 1, Name: "invoice"}))

	v, err = s.Serial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestMemoryStore_Allocate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.Allocate(ctx, "orders")
	require.NoError(t, err)
	b, err := s.Allocate(ctx, "invoices")
	require.NoError(t, err)
	again, err := s.Allocate(ctx, "orders")
	require.NoError(t, err)

	assert.Equal(t, Table{ID: 1, Name: "orders"}, a)
	assert.Equal(t, Table{ID: 2, Name: "invoices"}, b)
	assert.Equal(t, a, again)

	got, ok, err := s.Table(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, ok, err = s.Table(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_AllocateExhausted(t *testing.T) {
	s := NewMemoryStore()
	s.cache.Set(lastIDKey, int32(math.MaxInt32), 0)

	_, err := s.Allocate(context.Background(), "overflow")
	assert.True(t, errors.Is(err, ErrIDsExhausted))
}

func TestMemoryStore_IncrementUnknown(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Increment(context.Background(), 9)
	assert.True(t, errors.Is(err, ErrUnknownTable))
}

func TestMemoryStore_Snapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, Table{ID: 1, Name: "a"}))
	require.NoError(t, s.Register(ctx, Table{ID: 2, Name: "b"}))
	_, err := s.Increment(ctx, 2)
	require.NoError(t, err)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{1: 0, 2: 1}, snap)
}

func declare(t *testing.T, tr Tracker, name string) Table {
	t.Helper()
	tbl, err := tr.Declare(context.Background(), name)
	require.NoError(t, err)
	return tbl
}

func TestProxy_UnknownThenConcurrentRegister(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewProxy(store)
	tbl := declare(t, p, "customer")

	raw, err := store.Serial(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, Unknown, raw)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Register(ctx, tbl.ID))
		}()
	}
	wg.Wait()

	first, err := p.Serial(ctx, tbl.ID)
	require.NoError(t, err)
	second, err := p.Serial(ctx, tbl.ID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, Unknown, first)
}

func TestProxy_SerialResolvesUnknownTables(t *testing.T) {
	ctx := context.Background()
	p := NewProxy(NewMemoryStore())

	tbl := declare(t, p, "invoice")
	assert.Equal(t, tbl, declare(t, p, "invoice"))

	v, err := p.Serial(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestProxy_UndeclaredTableIsAConsistencyError(t *testing.T) {
	p := NewProxy(NewMemoryStore())

	_, err := p.Serial(context.Background(), 42)
	assert.True(t, errors.Is(err, ErrConsistency))
}

func TestProxy_EmptyNameIsRejected(t *testing.T) {
	p := NewProxy(NewMemoryStore())

	_, err := p.Declare(context.Background(), "")
	assert.Error(t, err)
}

func TestProxy_SerialsFillsPartialUnknowns(t *testing.T) {
	ctx := context.Background()
	p := NewProxy(NewMemoryStore())
	a := declare(t, p, "a")
	b := declare(t, p, "b")
	c := declare(t, p, "c")

	require.NoError(t, p.Register(ctx, b.ID))
	_, err := p.Increment(ctx, b.ID)
	require.NoError(t, err)

	vals, err := p.Serials(ctx, []int32{c.ID, b.ID, a.ID})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 0}, vals)

	_, err = p.Serials(ctx, []int32{a.ID, 99})
	assert.True(t, errors.Is(err, ErrConsistency))
}

func TestProxy_IncrementRegistersOnDemand(t *testing.T) {
	p := NewProxy(NewMemoryStore())
	tbl := declare(t, p, "order")

	v, err := p.Increment(context.Background(), tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestProxy_NeverGoesBackwards(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := NewProxy(store)
	tbl := declare(t, p, "a")

	for i := 0; i < 3; i++ {
		_, err := p.Increment(ctx, tbl.ID)
		require.NoError(t, err)
	}

	// Simulate a lagging store.
	store.cache.Set(serialKey(tbl.ID), int64(1), 0)

	v, err := p.Serial(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestProxy_ProcessesSharingAStoreAgreeOnTables(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := NewProxy(store)
	second := NewProxy(store)

	declare(t, first, "orders")
	invoices := declare(t, first, "invoices")
	assert.Equal(t, invoices, declare(t, second, "invoices"))

	before, err := second.Serial(ctx, invoices.ID)
	require.NoError(t, err)

	_, err = first.Increment(ctx, invoices.ID)
	require.NoError(t, err)

	after, err := second.Serial(ctx, invoices.ID)
	require.NoError(t, err)
	assert.True(t, Changed(before, after), "invoices serial %d -> %d", before, after)

	t.Run("ids allocated elsewhere can be registered", func(t *testing.T) {
		other := declare(t, first, "payments")

		require.NoError(t, second.Register(ctx, other.ID))
		got, ok := second.Lookup(other.ID)
		require.True(t, ok)
		assert.Equal(t, other, got)

		v, err := second.Serial(ctx, other.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), v)
	})
}

func TestAuthority_ServesFromLocalCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a, ok := New(store, 10*time.Millisecond, logger.NewNopLogger()).(*Authority)
	require.True(t, ok)
	defer a.Close()
	tbl := declare(t, a, "a")

	v, err := a.Serial(ctx, tbl.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	// Another process bumps the counter directly in the store.
	_, err = store.Increment(ctx, tbl.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		v, err := a.Serial(ctx, tbl.ID)
		return err == nil && v == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNew_ZeroIntervalGivesProxy(t *testing.T) {
	_, ok := New(NewMemoryStore(), 0, logger.NewNopLogger()).(*Proxy)
	assert.True(t, ok)
}

func TestChanged(t *testing.T) {
	assert.True(t, Changed(Unknown, 0))
	assert.True(t, Changed(1, 2))
	assert.False(t, Changed(2, 2))
}

// TestRedisStore needs a disposable Redis named by REMOTEDB_TEST_REDIS.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REMOTEDB_TEST_REDIS")
	if addr == "" {
		t.Skip("REMOTEDB_TEST_REDIS not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "remotedb-test-" + time.Now().Format("150405.000000")
	s := NewRedisStore(client, prefix)
	defer s.Close()
	defer client.Del(ctx, s.serials, s.names, s.ids, s.lastID)

	orders, err := s.Allocate(ctx, "orders")
	require.NoError(t, err)
	again, err := s.Allocate(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, orders, again)
	got, ok, err := s.Table(ctx, orders.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders, got)

	v, err := s.Serial(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Unknown, v)

	_, err = s.Increment(ctx, 1)
	assert.True(t, errors.Is(err, ErrUnknownTable))

	require.NoError(t, s.Register(ctx, Table{ID: 1, Name: "a"}))
	require.NoError(t, s.Register(ctx, Table{ID: 1, Name: "a"}))
	v, err = s.Increment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	vals, err := s.Serials(ctx, []int32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, Unknown}, vals)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{1: 1}, snap)
}
