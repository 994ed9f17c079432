package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/wire"
)

// ErrClosed is returned by calls on a closed client or a lost connection.
var ErrClosed = errors.New("client: connection closed")

// conn is one socket to the server with responses matched to requests by
// sequence number.
type conn struct {
	key   string
	addr  string
	nc    net.Conn
	codec *wire.Codec
	log   logger.Logger

	mu      sync.Mutex
	pending map[uint64]chan *wire.Response
	err     error
	done    chan struct{}
}

func newConn(key, addr string, nc net.Conn, log logger.Logger) *conn {
	return &conn{
		key:     key,
		addr:    addr,
		nc:      nc,
		codec:   wire.NewCodec(nc),
		log:     log,
		pending: make(map[uint64]chan *wire.Response),
		done:    make(chan struct{}),
	}
}

// readLoop delivers responses until the socket fails, then fails every
// pending call. onLost runs once at the end.
func (c *conn) readLoop(onLost func(c *conn, err error)) {
	var err error
	for {
		var resp wire.Response
		if err = c.codec.Read(&resp); err != nil {
			break
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.Seq]
		delete(c.pending, resp.Seq)
		c.mu.Unlock()
		if !ok {
			c.log.Warn("response without request", logger.Field{Key: "seq", Value: resp.Seq})
			continue
		}
		ch <- &resp
	}

	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	close(c.done)
	onLost(c, err)
}

// roundTrip sends req and waits for its response or ctx.
func (c *conn) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	ch := make(chan *wire.Response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.pending[req.Seq] = ch
	c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(deadline)
	}
	if err := c.codec.Write(req); err != nil {
		c.forget(req.Seq)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.failure()
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.Seq)
		return nil, ctx.Err()
	}
}

func (c *conn) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *conn) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}

func (c *conn) close() error {
	err := c.nc.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
