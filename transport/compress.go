package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultCompression is used when no codec is configured.
const DefaultCompression = "s2"

// flushWriter is implemented by *s2.Writer, *lz4.Writer and *zstd.Encoder.
type flushWriter interface {
	io.WriteCloser
	Flush() error
}

type codec interface {
	name() string
	writer(w io.Writer) (flushWriter, error)
	reader(r io.Reader) (io.Reader, func(), error)
}

func codecByName(name string) (codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "s2":
		return s2Codec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	}
	return nil, fmt.Errorf("transport: unknown compression %q; valid choices: s2, lz4, zstd", name)
}

type s2Codec struct{}

func (s2Codec) name() string { return "s2" }

func (s2Codec) writer(w io.Writer) (flushWriter, error) {
	return s2.NewWriter(w), nil
}

func (s2Codec) reader(r io.Reader) (io.Reader, func(), error) {
	return s2.NewReader(r), func() {}, nil
}

type lz4Codec struct{}

func (lz4Codec) name() string { return "lz4" }

func (lz4Codec) writer(w io.Writer) (flushWriter, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) reader(r io.Reader) (io.Reader, func(), error) {
	return lz4.NewReader(r), func() {}, nil
}

type zstdCodec struct{}

func (zstdCodec) name() string { return "zstd" }

func (zstdCodec) writer(w io.Writer) (flushWriter, error) {
	return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1), zstd.WithEncoderLevel(zstd.SpeedFastest))
}

func (zstdCodec) reader(r io.Reader) (io.Reader, func(), error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, nil, err
	}
	return dec, dec.Close, nil
}

// compressedConn compresses writes and decompresses reads on top of another
// connection. Every Write is flushed so request/response traffic never stalls
// in the compressor.
type compressedConn struct {
	net.Conn
	codec codec

	rmu     sync.Mutex
	r       io.Reader
	release func()

	wmu sync.Mutex
	w   flushWriter

	closeOnce sync.Once
	closeErr  error
}

func newCompressedConn(conn net.Conn, c codec) (*compressedConn, error) {
	w, err := c.writer(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: %s writer: %w", c.name(), err)
	}
	return &compressedConn{Conn: conn, codec: c, w: w}, nil
}

// Read creates the decompressor lazily so that accepting or dialing never
// blocks waiting for the peer's stream header.
func (c *compressedConn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	if c.r == nil {
		r, release, err := c.codec.reader(c.Conn)
		if err != nil {
			return 0, fmt.Errorf("transport: %s reader: %w", c.codec.name(), err)
		}
		c.r, c.release = r, release
	}
	return c.r.Read(p)
}

func (c *compressedConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}

func (c *compressedConn) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.w.Close()
		c.wmu.Unlock()

		c.closeErr = c.Conn.Close()

		c.rmu.Lock()
		if c.release != nil {
			c.release()
		}
		c.rmu.Unlock()
	})
	return c.closeErr
}

type compressClient struct {
	inner ClientFactory
	codec codec
}

func (c compressClient) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.inner.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	cc, err := newCompressedConn(conn, c.codec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return cc, nil
}

type compressServer struct {
	inner ServerFactory
	codec codec
}

func (s compressServer) Listen(addr string) (net.Listener, error) {
	ln, err := s.inner.Listen(addr)
	if err != nil {
		return nil, err
	}
	return &compressListener{Listener: ln, codec: s.codec}, nil
}

type compressListener struct {
	net.Listener
	codec codec
}

func (l *compressListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	cc, err := newCompressedConn(conn, l.codec)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return cc, nil
}
