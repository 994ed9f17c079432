package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/safeset"
	"github.com/cyberinferno/go-remotedb/wire"
)

// Connection serves one accepted socket. Requests are read in order and run
// concurrently; responses are written under the codec's write lock.
type Connection struct {
	id         uint64
	server     *Server
	conn       net.Conn
	codec      *wire.Codec
	log        logger.Logger
	lookupOnly bool

	// sessions logged in over this connection, aborted when it is lost.
	sessions *safeset.SafeSet[uint64]

	ctx       context.Context
	cancel    context.CancelFunc
	inflight  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newConnection(s *Server, id uint64, conn net.Conn, l *listener) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:     id,
		server: s,
		conn:   conn,
		codec:  wire.NewCodec(conn),
		log: s.log.With(logger.Field{Key: "conn", Value: id},
			logger.Field{Key: "remote", Value: conn.RemoteAddr().String()},
			logger.Field{Key: "transport", Value: l.name}),
		lookupOnly: l.lookupOnly,
		sessions:   safeset.NewSafeSet[uint64](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ID returns the connection id assigned by the server.
func (c *Connection) ID() uint64 { return c.id }

// Sessions returns the numbers of the sessions logged in over c.
func (c *Connection) Sessions() []uint64 { return c.sessions.Slice() }

// Handle runs the read loop until the peer goes away or Close is called,
// then aborts the sessions logged in over the connection.
func (c *Connection) Handle() {
	c.log.Debug("connection opened")
	defer c.lost()

	for {
		var req wire.Request
		if err := c.codec.Read(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("connection read failed", logger.Err(err))
			}
			return
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			if err := c.Send(c.dispatch(c.ctx, &req)); err != nil {
				c.log.Debug("response not sent", logger.Field{Key: "seq", Value: req.Seq}, logger.Err(err))
			}
		}()
	}
}

func (c *Connection) lost() {
	c.inflight.Wait()
	_ = c.Close()
	c.cancel()

	for _, n := range c.sessions.Slice() {
		if s, ok := c.server.endpoint.Manager().Get(n); ok {
			if err := s.Abort(context.Background(), "connection lost"); err != nil {
				c.log.Warn("aborting session failed", logger.Field{Key: "session", Value: n}, logger.Err(err))
			}
		}
	}
	c.sessions.Reset()
	c.server.removeConnection(c)
	c.log.Debug("connection closed")
}

// Send writes one response.
func (c *Connection) Send(resp *wire.Response) error {
	return c.codec.Write(resp)
}

// Close closes the socket; the read loop then winds the connection down.
// Closing twice is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
	})
	return c.closeErr
}
