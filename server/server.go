// Package server puts a session endpoint on the network: one listener per
// enabled transport, an optional lookup listener, and a connection handler
// speaking the wire protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/glycerine/idem"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-remotedb/idgenerator"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/safemap"
	"github.com/cyberinferno/go-remotedb/session"
	"github.com/cyberinferno/go-remotedb/transport"
)

// LookupListener is the name of the listener on the service port.
const LookupListener = "lookup"

// Config configures a Server.
type Config struct {
	Endpoint *session.Endpoint
	// Host is the address listeners bind to; empty binds all interfaces.
	Host   string
	Logger logger.Logger
}

// Server accepts connections on every transport the policy enables and
// hands each one to a Connection.
type Server struct {
	endpoint  *session.Endpoint
	policy    *policy.Policy
	host      string
	log       logger.Logger
	listeners *safemap.SafeMap[string, *listener]
	conns     *safemap.SafeMap[uint64, *Connection]
	ids       *idgenerator.IdGenerator
	running   atomic.Bool
	halt      *idem.Halter
	wg        sync.WaitGroup
}

type listener struct {
	net.Listener
	name       string
	port       int
	lookupOnly bool
}

type listenPlan struct {
	name       string
	kind       transport.Kind
	known      bool
	pair       *transport.Pair
	port       int
	lookupOnly bool
}

// New returns a stopped server for cfg.Endpoint.
func New(cfg Config) (*Server, error) {
	if cfg.Endpoint == nil {
		return nil, errors.New("server: missing endpoint")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}

	return &Server{
		endpoint:  cfg.Endpoint,
		policy:    cfg.Endpoint.Policy(),
		host:      cfg.Host,
		log:       cfg.Logger.With(logger.Field{Key: "component", Value: "server"}),
		listeners: safemap.NewSafeMap[string, *listener](),
		conns:     safemap.NewSafeMap[uint64, *Connection](),
		ids:       idgenerator.NewIdGenerator(0),
		halt:      idem.NewHalterNamed("server.Server"),
	}, nil
}

// Start binds every listener at once and starts accepting. Floating ports
// are recorded in the policy so granted ports name the real ones.
//
// Returns:
//   - An error if the server already runs or was stopped, or if any listener
//     fails to bind; listeners bound so far are closed again
func (s *Server) Start() error {
	if s.halt.ReqStop.IsClosed() {
		return errors.New("server: stopped servers cannot be restarted")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server: already running")
	}

	plans := s.plans()
	bound := make([]net.Listener, len(plans))
	var g errgroup.Group
	for i, p := range plans {
		g.Go(func() error {
			addr := net.JoinHostPort(s.host, strconv.Itoa(p.port))
			ln, err := p.pair.Server.Listen(addr)
			if err != nil {
				return fmt.Errorf("server: %s listener on %s: %w", p.name, addr, err)
			}
			bound[i] = ln
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ln := range bound {
			if ln != nil {
				_ = ln.Close()
			}
		}
		s.running.Store(false)
		s.log.Error("server failed to start", logger.Err(err))
		return err
	}

	for i, p := range plans {
		l := &listener{Listener: bound[i], name: p.name, port: portOf(bound[i]), lookupOnly: p.lookupOnly}
		var err error
		switch {
		case p.known:
			err = s.policy.Bind(p.kind, l.port)
		case p.pair == s.policy.Custom:
			err = s.policy.BindCustom(l.port)
		}
		if err != nil {
			s.log.Warn("listener port not recorded", logger.Field{Key: "transport", Value: p.name}, logger.Err(err))
		}
		s.listeners.Store(p.name, l)

		s.wg.Add(1)
		go s.acceptLoop(l)
		s.log.Info("listener started", logger.Field{Key: "transport", Value: p.name},
			logger.Field{Key: "addr", Value: l.Addr().String()})
	}
	return nil
}

// plans lists the listeners the policy asks for.
func (s *Server) plans() []listenPlan {
	var out []listenPlan
	for _, k := range transport.Kinds {
		pair := s.policy.Transports.Pair(k)
		if pair == nil || !s.policy.Plan.Enabled(k) {
			continue
		}
		out = append(out, listenPlan{name: pair.Name, kind: k, known: true, pair: pair, port: s.policy.Plan.Port(k)})
	}
	if c := s.policy.Custom; c != nil {
		out = append(out, listenPlan{name: c.Name, pair: c, port: s.policy.CustomPort})
	}
	if s.policy.CreateRegistry {
		out = append(out, listenPlan{
			name:       LookupListener,
			pair:       s.policy.Transports.Pair(transport.Plain),
			port:       s.policy.Service.Port,
			lookupOnly: true,
		})
	}
	return out
}

func portOf(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Port returns the port a listener is bound to, 0 if it is not running.
//
// Parameters:
//   - name: The transport name ("plain", "compressed+ssl", "csf/ssf") or LookupListener
func (s *Server) Port(name string) int {
	if l, ok := s.listeners.Load(name); ok {
		return l.port
	}
	return 0
}

// Ports returns the bound port of every listener by name.
func (s *Server) Ports() map[string]int {
	out := make(map[string]int)
	s.listeners.Range(func(name string, l *listener) bool {
		out[name] = l.port
		return true
	})
	return out
}

// Endpoint returns the session endpoint.
func (s *Server) Endpoint() *session.Endpoint { return s.endpoint }

// portFor fills in the port of bindings whose transport has no planned one.
func (s *Server) portFor(b session.Binding) int {
	if b.Port != 0 {
		return b.Port
	}
	return s.Port(b.Name())
}

func (s *Server) acceptLoop(l *listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", logger.Field{Key: "transport", Value: l.name}, logger.Err(err))
			continue
		}

		c := newConnection(s, s.ids.Id(), conn, l)
		s.conns.Store(c.ID(), c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.Handle()
		}()
	}
}

func (s *Server) removeConnection(c *Connection) {
	s.conns.Delete(c.ID())
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	return s.conns.Len()
}

// Stop closes the listeners and connections, waits for their goroutines and
// closes every remaining session. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.halt.ReqStop.Close()

	var errs error
	s.listeners.Range(func(name string, l *listener) bool {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, fmt.Errorf("server: closing %s listener: %w", name, err))
		}
		s.listeners.Delete(name)
		return true
	})
	s.conns.Range(func(_ uint64, c *Connection) bool {
		errs = multierr.Append(errs, c.Close())
		return true
	})

	s.wg.Wait()
	errs = multierr.Append(errs, s.endpoint.Manager().CloseAll(ctx, "shutdown"))
	s.halt.Done.Close()

	s.log.Info("server stopped")
	return errs
}

// Done is closed once Stop has finished.
func (s *Server) Done() <-chan struct{} {
	return s.halt.Done.Chan
}
