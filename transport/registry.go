package transport

import (
	"fmt"
	"strings"

	"github.com/cyberinferno/go-remotedb/safemap"
)

// ClientBuilder constructs a ClientFactory from the process Set, so custom
// factories can reuse its codec and TLS configuration.
type ClientBuilder func(s *Set) (ClientFactory, error)

// ServerBuilder is the server-side counterpart of ClientBuilder.
type ServerBuilder func(s *Set) (ServerFactory, error)

var (
	clientBuilders = safemap.NewSafeMap[string, ClientBuilder]()
	serverBuilders = safemap.NewSafeMap[string, ServerBuilder]()
)

func init() {
	for _, k := range Kinds {
		k := k
		RegisterClientFactory(k.String(), func(s *Set) (ClientFactory, error) {
			p := s.build(k)
			if p == nil {
				return nil, fmt.Errorf("transport: %s client needs TLS configuration", k)
			}
			return p.Client, nil
		})
		RegisterServerFactory(k.String(), func(s *Set) (ServerFactory, error) {
			p := s.build(k)
			if p == nil {
				return nil, fmt.Errorf("transport: %s server needs TLS configuration", k)
			}
			return p.Server, nil
		})
	}
}

// RegisterClientFactory makes a client factory available under name for the
// csf option. Registering a name twice replaces the earlier builder.
func RegisterClientFactory(name string, b ClientBuilder) {
	clientBuilders.Store(strings.ToLower(name), b)
}

// RegisterServerFactory makes a server factory available under name for the
// ssf option.
func RegisterServerFactory(name string, b ServerBuilder) {
	serverBuilders.Store(strings.ToLower(name), b)
}

// Custom builds an override pair from registered factory names. The result is
// a new pair, never identical to one of the Set's well-known pairs, even when
// the names are the built-in kind names.
//
// Parameters:
//   - csf: Registered client factory name
//   - ssf: Registered server factory name
//
// Returns:
//   - The new pair, named "csf/ssf"
//   - An error if either name is unknown or its builder fails
func (s *Set) Custom(csf, ssf string) (*Pair, error) {
	cb, ok := clientBuilders.Load(strings.ToLower(csf))
	if !ok {
		return nil, fmt.Errorf("transport: unknown client factory %q", csf)
	}
	sb, ok := serverBuilders.Load(strings.ToLower(ssf))
	if !ok {
		return nil, fmt.Errorf("transport: unknown server factory %q", ssf)
	}

	client, err := cb(s)
	if err != nil {
		return nil, err
	}
	server, err := sb(s)
	if err != nil {
		return nil, err
	}

	return &Pair{Name: csf + "/" + ssf, Client: client, Server: server}, nil
}
