package model_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/db/memdb"
	"github.com/cyberinferno/go-remotedb/model"
)

func openConn(t *testing.T) db.Handle {
	t.Helper()
	h, err := memdb.NewSource(memdb.NewStore(), 0).Acquire(context.Background())
	require.NoError(t, err)
	return h
}

func TestRecord(t *testing.T) {
	ctx := context.Background()

	t.Run("insert load update and delete", func(t *testing.T) {
		h := openConn(t)

		r := model.NewRecord("erp.Invoice", "invoice")
		r.Fields["number"] = "A-1"
		require.NoError(t, r.Insert(ctx, h))
		assert.Equal(t, int64(1), r.ID())
		assert.Equal(t, int64(1), r.Serial())

		loaded := model.NewRecord("erp.Invoice", "invoice")
		require.NoError(t, loaded.Load(ctx, h, r.ID()))
		assert.Equal(t, "A-1", loaded.Fields["number"])

		loaded.Fields["number"] = "A-2"
		require.NoError(t, loaded.Update(ctx, h))
		assert.Equal(t, int64(2), loaded.Serial())

		r.Fields["number"] = "A-3"
		assert.True(t, errors.Is(r.Update(ctx, h), db.ErrConflict))

		require.NoError(t, loaded.Delete(ctx, h))
		assert.True(t, errors.Is(loaded.Load(ctx, h, r.ID()), db.ErrNotFound))
	})

	t.Run("select all returns fresh records in id order", func(t *testing.T) {
		h := openConn(t)
		for _, n := range []string{"x", "y", "z"} {
			r := model.NewRecord("erp.Item", "item")
			r.Fields["n"] = n
			require.NoError(t, r.Insert(ctx, h))
		}

		all, err := model.NewRecord("erp.Item", "item").SelectAll(ctx, h)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "z", all[2].(*model.Record).Fields["n"])
		assert.Equal(t, "erp.Item", all[0].ClassName())
	})
}

func TestCursor(t *testing.T) {
	ctx := context.Background()

	newCursor := func(t *testing.T, n int) *model.Cursor {
		h := openConn(t)
		proto := model.NewRecord("erp.Item", "item")
		for i := 0; i < n; i++ {
			r := model.NewRecord("erp.Item", "item")
			r.Fields["n"] = i
			require.NoError(t, r.Insert(ctx, h))
		}
		rows, err := proto.SelectAll(ctx, h)
		require.NoError(t, err)
		return model.NewCursor(h, rows)
	}

	t.Run("navigation clamps to the ends", func(t *testing.T) {
		c := newCursor(t, 3)
		assert.Equal(t, -1, c.Row())

		_, ok, err := c.Previous()
		require.NoError(t, err)
		assert.False(t, ok)

		obj, ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1), obj.ID())

		obj, ok, _ = c.Last()
		require.True(t, ok)
		assert.Equal(t, int64(3), obj.ID())

		_, ok, _ = c.Next()
		assert.False(t, ok)
		assert.Equal(t, 3, c.Row())

		obj, ok, _ = c.SetRow(1)
		require.True(t, ok)
		assert.Equal(t, int64(2), obj.ID())
	})

	t.Run("fetch walks in the fetch direction", func(t *testing.T) {
		c := newCursor(t, 5)
		c.SetFetchSize(2)

		batch, err := c.Fetch(0)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, int64(2), batch[1].ID())

		require.NoError(t, c.SetFetchDirection(model.Reverse))
		batch, err = c.Fetch(10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, int64(1), batch[0].ID())
		assert.Equal(t, -1, c.Row())

		assert.Error(t, c.SetFetchDirection(model.Direction(5)))
	})

	t.Run("update and delete at current or given row", func(t *testing.T) {
		c := newCursor(t, 3)
		_, _, err := c.First()
		require.NoError(t, err)

		obj, err := c.UpdateRow(ctx, -1, func(o model.Object) (model.Object, error) {
			next := o.(*model.Record).Clone()
			next.Fields["n"] = 100
			return next, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), obj.Serial())

		cur, ok, err := c.SetRow(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Same(t, obj, cur)

		deleted, err := c.DeleteRow(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), deleted.ID())

		n, err := c.RowCount()
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = c.DeleteRow(ctx, 7)
		assert.Error(t, err)
	})

	t.Run("failed update leaves the row as stored", func(t *testing.T) {
		c := newCursor(t, 2)

		obj, err := c.UpdateRow(ctx, 1, func(o model.Object) (model.Object, error) {
			next := o.(*model.Record).Clone()
			next.Fields["n"] = "unsaved"
			next.EntitySerial = 99
			return next, nil
		})
		require.Error(t, err)
		assert.Nil(t, obj)

		cur, ok, err := c.SetRow(1)
		require.NoError(t, err)
		require.True(t, ok)
		rec := cur.(*model.Record)
		assert.NotEqual(t, "unsaved", rec.Fields["n"])
		assert.NotEqual(t, int64(99), rec.Serial())
	})

	t.Run("change must not return the current object", func(t *testing.T) {
		c := newCursor(t, 1)
		_, err := c.UpdateRow(ctx, 0, func(o model.Object) (model.Object, error) {
			return o, nil
		})
		assert.Error(t, err)
	})

	t.Run("closed cursor refuses work", func(t *testing.T) {
		c := newCursor(t, 1)
		c.Close()
		assert.True(t, c.Closed())
		_, _, err := c.Next()
		assert.True(t, errors.Is(err, model.ErrCursorClosed))
		_, err = c.Fetch(1)
		assert.True(t, errors.Is(err, model.ErrCursorClosed))
	})
}
