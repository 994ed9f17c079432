package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/idgenerator"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/metrics"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/safemap"
	"github.com/cyberinferno/go-remotedb/serial"
)

// Authenticator checks login credentials. Returning a non-nil identity
// replaces the client's one; returning an error rejects the login.
type Authenticator interface {
	Authenticate(ctx context.Context, id Identity) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, id Identity) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, id Identity) (*Identity, error) {
	return f(ctx, id)
}

// EndpointConfig wires an Endpoint. Metrics may be nil.
type EndpointConfig struct {
	Policy        *policy.Policy
	Source        db.Source
	Authenticator Authenticator
	Catalog       *classes.Catalog
	Registry      *Registry
	Serials       serial.Tracker
	Manager       *Manager
	Session       Config
	Logger        logger.Logger
	Metrics       *metrics.Metrics
}

// Endpoint is the login gateway of a server.
type Endpoint struct {
	cfg EndpointConfig
	log logger.Logger
}

// NewEndpoint validates cfg and returns the endpoint.
func NewEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	switch {
	case cfg.Policy == nil:
		return nil, errors.New("session: endpoint needs a policy")
	case cfg.Source == nil:
		return nil, errors.New("session: endpoint needs a database source")
	case cfg.Authenticator == nil:
		return nil, errors.New("session: endpoint needs an authenticator")
	case cfg.Catalog == nil || cfg.Registry == nil:
		return nil, errors.New("session: endpoint needs a class catalog and delegate registry")
	case cfg.Serials == nil:
		return nil, errors.New("session: endpoint needs a serial tracker")
	case cfg.Manager == nil:
		return nil, errors.New("session: endpoint needs a manager")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	return &Endpoint{cfg: cfg, log: cfg.Logger.With(logger.Field{Key: "component", Value: "endpoint"})}, nil
}

// Policy returns the connection policy.
func (e *Endpoint) Policy() *policy.Policy { return e.cfg.Policy }

// Manager returns the session manager.
func (e *Endpoint) Manager() *Manager { return e.cfg.Manager }

// Login authenticates id, acquires a database handle and registers a new
// session. Any failure after the handle was acquired rolls it back and
// releases it before the error is returned.
//
// Parameters:
//   - ctx: Context for authentication and handle acquisition
//   - id: The client identity, including its password
//
// Returns:
//   - The open Session
//   - An *AuthError for rejected credentials, or another error
func (e *Endpoint) Login(ctx context.Context, id Identity) (*Session, error) {
	server, err := e.cfg.Authenticator.Authenticate(ctx, id)
	if err != nil {
		e.cfg.Metrics.Login(metrics.LoginDenied)
		e.log.Warn("login rejected", logger.Field{Key: "user", Value: id.User}, logger.Err(err))

		var ae *AuthError
		if errors.As(err, &ae) {
			return nil, err
		}
		return nil, &AuthError{User: id.User, Cause: err}
	}

	identity := id.Sanitized()
	if server != nil {
		identity = server.Sanitized()
	}

	h, err := e.cfg.Source.Acquire(ctx)
	if err != nil {
		e.cfg.Metrics.Login(metrics.LoginFailed)
		return nil, fmt.Errorf("session: acquiring database handle: %w", err)
	}

	s, err := e.open(identity, h)
	if err != nil {
		if h.IsOpen() && !h.AutoCommit() {
			err = multierr.Append(err, h.Rollback(ctx))
		}
		err = multierr.Append(err, e.cfg.Source.Release(h))
		e.cfg.Metrics.Login(metrics.LoginFailed)
		e.log.Error("login failed", logger.Field{Key: "user", Value: identity.User}, logger.Err(err))
		return nil, err
	}

	e.cfg.Manager.add(s)
	e.cfg.Metrics.Login(metrics.LoginOK)
	e.cfg.Metrics.SessionOpened()
	s.log.Info("session opened", logger.Field{Key: "transport", Value: s.binding.Name()},
		logger.Field{Key: "port", Value: s.binding.Port}, logger.Field{Key: "group", Value: identity.Group})
	return s, nil
}

func (e *Endpoint) open(identity Identity, h db.Handle) (*Session, error) {
	pair := e.cfg.Policy.DefaultPair()
	port, err := e.cfg.Policy.GrantPort(e.cfg.Policy.Port, pair)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("session: generating token: %w", err)
	}

	live := h.Liveness()
	live.SetTimeout(e.cfg.Session.Timeout)
	live.SetGroup(identity.Group)
	live.ClearMisses()
	live.MarkAlive()

	number := e.cfg.Manager.nextNumber()
	s := &Session{
		number:     number,
		token:      token,
		identity:   identity,
		created:    time.Now(),
		handle:     h,
		source:     e.cfg.Source,
		policy:     e.cfg.Policy,
		catalog:    e.cfg.Catalog,
		registry:   e.cfg.Registry,
		serials:    e.cfg.Serials,
		manager:    e.cfg.Manager,
		metrics:    e.cfg.Metrics,
		binding:    Binding{Pair: pair, Port: port},
		classSlots: newSlots[classes.Class](),
		delegates:  newSlots[boundDelegate](),
		cursors:    safemap.NewSafeMap[uint64, exported](),
		cursorIDs:  idgenerator.NewIdGenerator(0),
		log: e.cfg.Logger.With(
			logger.Field{Key: "session", Value: number},
			logger.Field{Key: "user", Value: identity.User},
		),
	}
	return s, nil
}

// Logout closes s.
func (e *Endpoint) Logout(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("session: logout of nil session")
	}
	return s.Close(ctx)
}
