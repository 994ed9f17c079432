package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/config"
	"github.com/cyberinferno/go-remotedb/db/memdb"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/serial"
)

type fixture struct {
	endpoint *Endpoint
	manager  *Manager
	source   *memdb.Source
	catalog  *classes.Catalog
	registry *Registry
	policy   *policy.Policy
}

type testDelegate struct {
	s    *Session
	c    *classes.Class
	impl string
}

func (d *testDelegate) Session() *Session { return d.s }
func (d *testDelegate) Class() *classes.Class { return d.c }
func (d *testDelegate) Invoke(context.Context, string, []byte) (any, error) {
	return d.impl, nil
}

func factoryFor(impl string) Factory {
	return func(s *Session, c *classes.Class) (Delegate, error) {
		return &testDelegate{s: s, c: c, impl: impl}, nil
	}
}

func allowAll() Authenticator {
	return AuthenticatorFunc(func(context.Context, Identity) (*Identity, error) { return nil, nil })
}

func newFixture(t *testing.T, opts map[string]string, auth Authenticator) *fixture {
	t.Helper()

	if opts == nil {
		opts = map[string]string{"ports": "28000"}
	}
	pol, err := policy.ResolveConnectionPolicy(config.New(opts))
	require.NoError(t, err)

	tracker := serial.NewProxy(serial.NewMemoryStore())

	if auth == nil {
		auth = allowAll()
	}

	f := &fixture{
		manager:  NewManager(logger.NewNopLogger(), nil),
		source:   memdb.NewSource(memdb.NewStore(), 4),
		catalog:  classes.NewCatalog(),
		registry: NewRegistry(),
		policy:   pol,
	}
	f.endpoint, err = NewEndpoint(EndpointConfig{
		Policy:        pol,
		Source:        f.source,
		Authenticator: auth,
		Catalog:       f.catalog,
		Registry:      f.registry,
		Serials:       tracker,
		Manager:       f.manager,
		Session:       Config{Timeout: 1},
		Logger:        logger.NewNopLogger(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) login(t *testing.T, id Identity) *Session {
	t.Helper()
	s, err := f.endpoint.Login(context.Background(), id)
	require.NoError(t, err)
	return s
}
