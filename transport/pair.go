package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

// ClientFactory creates client-side connections.
type ClientFactory interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// ServerFactory creates listeners whose accepted connections speak the same
// treatment as the matching ClientFactory.
type ServerFactory interface {
	Listen(addr string) (net.Listener, error)
}

// Pair couples a client and a server factory. Pairs are compared by pointer
// identity: two pairs built the same way are still different pairs.
type Pair struct {
	Name   string
	Client ClientFactory
	Server ServerFactory
}

func (p *Pair) String() string {
	if p == nil {
		return "<nil>"
	}
	return p.Name
}

// Settings configure the well-known pairs of a Set.
type Settings struct {
	// Compression is the codec name for compressed kinds: s2, lz4 or zstd.
	Compression string
	// ServerTLS and ClientTLS are required for the encrypted kinds only.
	ServerTLS *tls.Config
	ClientTLS *tls.Config
}

// Set holds the four well-known pairs of one process. It is immutable after
// NewSet returns.
type Set struct {
	settings Settings
	codec    codec
	pairs    [len(Kinds)]*Pair
}

// NewSet builds the well-known pairs. Encrypted pairs are only built when TLS
// configurations are supplied; asking for them otherwise returns nil.
//
// Parameters:
//   - settings: Codec name and TLS configurations
//
// Returns:
//   - The Set
//   - An error if the codec name is unknown
func NewSet(settings Settings) (*Set, error) {
	c, err := codecByName(settings.Compression)
	if err != nil {
		return nil, err
	}

	s := &Set{settings: settings, codec: c}
	for _, k := range Kinds {
		s.pairs[k] = s.build(k)
	}
	return s, nil
}

// Pair returns the well-known pair for k, or nil if k needs TLS and none was configured.
func (s *Set) Pair(k Kind) *Pair {
	if !k.Valid() {
		return nil
	}
	return s.pairs[k]
}

// KindOf returns the well-known kind whose pair is exactly p.
func (s *Set) KindOf(p *Pair) (Kind, bool) {
	if p == nil {
		return Plain, false
	}
	for _, k := range Kinds {
		if s.pairs[k] == p {
			return k, true
		}
	}
	return Plain, false
}

// Compression returns the codec name used by compressed kinds.
func (s *Set) Compression() string {
	return s.codec.name()
}

// build creates a fresh pair for k. Pairs built here outside NewSet are not
// identical to the Set's own pairs.
func (s *Set) build(k Kind) *Pair {
	var client ClientFactory = plainClient{}
	var server ServerFactory = plainServer{}

	if k.IsEncrypted() {
		if s.settings.ServerTLS == nil && s.settings.ClientTLS == nil {
			return nil
		}
		client = tlsClient{config: s.settings.ClientTLS}
		server = tlsServer{config: s.settings.ServerTLS}
	}

	if k.IsCompressed() {
		client = compressClient{inner: client, codec: s.codec}
		server = compressServer{inner: server, codec: s.codec}
	}

	return &Pair{Name: k.String(), Client: client, Server: server}
}

type plainClient struct{}

func (plainClient) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type plainServer struct{}

func (plainServer) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

type tlsClient struct {
	config *tls.Config
}

func (c tlsClient) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.config == nil {
		return nil, fmt.Errorf("transport: no client TLS configuration")
	}
	d := tls.Dialer{Config: c.config}
	return d.DialContext(ctx, "tcp", addr)
}

type tlsServer struct {
	config *tls.Config
}

func (s tlsServer) Listen(addr string) (net.Listener, error) {
	if s.config == nil {
		return nil, fmt.Errorf("transport: no server TLS configuration")
	}
	return tls.Listen("tcp", addr, s.config)
}
