package memdb

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/idgenerator"
)

// Source hands out Conns on a Store. With a pool size above zero released
// connections are kept for reuse, otherwise they are closed.
type Source struct {
	store  *Store
	idle   chan *Conn
	ids    *idgenerator.IdGenerator
	opened atomic.Int64
}

// NewSource returns a source over store keeping up to poolSize idle handles.
func NewSource(store *Store, poolSize int) *Source {
	if poolSize < 0 {
		poolSize = 0
	}
	return &Source{store: store, idle: make(chan *Conn, poolSize), ids: idgenerator.NewIdGenerator(0)}
}

// Store returns the underlying store.
func (s *Source) Store() *Store { return s.store }

// Pooled reports whether released handles are kept.
func (s *Source) Pooled() bool { return cap(s.idle) > 0 }

// Opened returns how many connections were ever opened.
func (s *Source) Opened() int64 { return s.opened.Load() }

// Idle returns the number of pooled handles waiting for reuse.
func (s *Source) Idle() int { return len(s.idle) }

// Acquire returns an idle connection, or a new one when none is idle.
func (s *Source) Acquire(ctx context.Context) (db.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case c := <-s.idle:
		c.mu.Lock()
		c.live = db.NewLiveness(0, 0)
		c.mu.Unlock()
		return c, nil
	default:
	}

	s.opened.Add(1)
	return newConn(s.store, s.ids.Id()), nil
}

// Release returns h to the pool, or closes it when the pool is full or
// unpooled. An open transaction is rolled back first.
func (s *Source) Release(h db.Handle) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("memdb: foreign handle %T", h)
	}
	if !c.IsOpen() {
		return nil
	}
	if !c.AutoCommit() {
		if err := c.Rollback(context.Background()); err != nil {
			return err
		}
	}

	select {
	case s.idle <- c:
		return nil
	default:
		return c.Close()
	}
}
