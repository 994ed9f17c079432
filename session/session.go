// Package session implements the server side of a remotedb login: the
// Session owning one database handle, the Manager holding all sessions, the
// Reaper closing sessions whose clients went quiet, and the Endpoint that
// logs clients in and out.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cristalhq/base64"
	"go.uber.org/multierr"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/idgenerator"
	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/metrics"
	"github.com/cyberinferno/go-remotedb/policy"
	"github.com/cyberinferno/go-remotedb/safemap"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/transport"
)

// MaxDelegateID bounds the caller-chosen delegate ids.
const MaxDelegateID = 1 << 16

// State is the lifecycle state of a Session.
type State int32

const (
	Open State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Binding is a negotiated transport: the factory pair and the port a channel
// is served on.
type Binding struct {
	Pair *transport.Pair
	Port int
}

// Name returns the pair's name.
func (b Binding) Name() string { return b.Pair.String() }

// TransportRequest selects the transport of a channel. The zero value asks
// for the session default; Kind asks for a well-known kind by name; CSF and
// SSF ask for the configured override pair by its factory names. Port 0
// accepts the planned port.
type TransportRequest struct {
	Kind string `json:"kind,omitempty"`
	Port int    `json:"port,omitempty"`
	CSF  string `json:"csf,omitempty"`
	SSF  string `json:"ssf,omitempty"`
}

type boundDelegate struct {
	delegate Delegate
	binding  Binding
}

type exported struct {
	delegate Delegate
	binding  Binding
}

// Session is one logged-in client. It exclusively owns a database handle
// until it is closed.
type Session struct {
	number   uint64
	token    string
	identity Identity
	created  time.Time

	handle db.Handle
	source db.Source

	policy   *policy.Policy
	catalog  *classes.Catalog
	registry *Registry
	serials  serial.Tracker
	manager  *Manager

	log     logger.Logger
	metrics *metrics.Metrics

	state  atomic.Int32
	callMu sync.RWMutex

	binding    Binding
	classSlots *slots[classes.Class]
	delegates  *slots[boundDelegate]

	cursors   *safemap.SafeMap[uint64, exported]
	cursorIDs *idgenerator.IdGenerator
}

// Number returns the session number, unique within the process.
func (s *Session) Number() uint64 { return s.number }

// Token returns the secret a client presents with every request.
func (s *Session) Token() string { return s.token }

// Identity returns the sanitized or server-supplied client identity.
func (s *Session) Identity() Identity { return s.identity }

// Created returns the login time.
func (s *Session) Created() time.Time { return s.created }

// Handle returns the owned database handle.
func (s *Session) Handle() db.Handle { return s.handle }

// Serials returns the table serial tracker of the process.
func (s *Session) Serials() serial.Tracker { return s.serials }

// Logger returns the session-scoped logger.
func (s *Session) Logger() logger.Logger { return s.log }

// Binding returns the session's default transport.
func (s *Session) Binding() Binding { return s.binding }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Group returns the heartbeat group of the owned handle.
func (s *Session) Group() int64 { return s.handle.Liveness().Group() }

// VerifyToken compares token with the session's in constant time.
func (s *Session) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func newToken() (string, error) {
	var b [18]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b[:]), nil
}

// Do runs one remote call. It fails with ErrSessionClosed once the session
// left the Open state, wraps failures into a *DispatchError naming op and
// class, and marks the handle alive on success.
//
// Parameters:
//   - ctx: Context passed to fn
//   - op: Operation name used in errors and metrics
//   - class: Business class name used in errors, may be empty
//   - fn: The call
//
// Returns:
//   - fn's result
//   - ErrSessionClosed, a *DispatchError, or nil
func (s *Session) Do(ctx context.Context, op, class string, fn func(ctx context.Context) (any, error)) (any, error) {
	s.callMu.RLock()
	defer s.callMu.RUnlock()

	if s.State() != Open {
		return nil, ErrSessionClosed
	}

	res, err := fn(ctx)
	if err != nil {
		err = wrapDispatch(op, class, err)
		if !errors.Is(err, ErrSessionClosed) {
			s.metrics.DispatchError(op)
			s.log.Error("remote call failed", logger.Field{Key: "op", Value: op},
				logger.Field{Key: "class", Value: class}, logger.Err(err))
		}
		return nil, err
	}

	s.handle.Liveness().MarkAlive()
	return res, nil
}

// Ping is a no-op call that keeps the session alive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Do(ctx, "ping", "", func(context.Context) (any, error) { return nil, nil })
	return err
}

// Transport negotiates the transport of one channel.
//
// Parameters:
//   - req: The requested kind, override pair and port
//
// Returns:
//   - The granted binding
//   - A *policy.ConfigError if the request does not match the port plan
func (s *Session) Transport(req TransportRequest) (Binding, error) {
	var pair *transport.Pair
	switch {
	case req.CSF != "" || req.SSF != "":
		p, err := s.policy.CustomPair(req.CSF, req.SSF)
		if err != nil {
			return Binding{}, err
		}
		pair = p
	case req.Kind != "":
		k, err := transport.ParseKind(req.Kind)
		if err != nil {
			return Binding{}, err
		}
		pair = s.policy.Transports.Pair(k)
	default:
		if req.Port == 0 {
			return s.binding, nil
		}
		pair = s.binding.Pair
	}

	port, err := s.policy.GrantPort(req.Port, pair)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Pair: pair, Port: port}, nil
}

// Class resolves className and caches it under id.
func (s *Session) Class(className string, id int) (*classes.Class, error) {
	if id < 0 || id >= MaxDelegateID {
		return nil, fmt.Errorf("delegate id %d out of range [0,%d)", id, MaxDelegateID)
	}
	if c := s.classSlots.get(id); c != nil && c.Name == className {
		return c, nil
	}

	c, err := s.catalog.Lookup(className)
	if err != nil {
		return nil, err
	}
	s.classSlots.set(id, c)
	return c, nil
}

// Delegate returns the delegate for className, creating it on first request.
// id is a small number the caller picks per class; repeated requests with the
// same id and class return the same delegate.
//
// Parameters:
//   - ctx: Context for the call
//   - className: Fully qualified business class name
//   - id: Caller-chosen slot for the class
//   - req: Transport the delegate should be reached over
//
// Returns:
//   - The delegate and its negotiated transport
//   - A *DispatchError naming className, or ErrSessionClosed
func (s *Session) Delegate(ctx context.Context, className string, id int, req TransportRequest) (Delegate, Binding, error) {
	res, err := s.Do(ctx, "delegate", className, func(context.Context) (any, error) {
		class, err := s.Class(className, id)
		if err != nil {
			return nil, err
		}
		binding, err := s.Transport(req)
		if err != nil {
			return nil, err
		}

		if bd := s.delegates.get(id); bd != nil && bd.delegate.Class() == class && bd.binding == binding {
			return bd, nil
		}

		factory, impl, err := s.registry.Resolve(class)
		if err != nil {
			return nil, err
		}
		d, err := factory(s, class)
		if err != nil {
			return nil, fmt.Errorf("instantiating %s: %w", impl, err)
		}

		if b, ok := d.(Bindable); ok {
			b.SetBinding(binding)
		}
		bd := &boundDelegate{delegate: d, binding: binding}
		s.delegates.set(id, bd)
		s.log.Debug("delegate created", logger.Field{Key: "class", Value: className},
			logger.Field{Key: "impl", Value: impl}, logger.Field{Key: "transport", Value: binding.Name()})
		return bd, nil
	})
	if err != nil {
		return nil, Binding{}, err
	}

	bd := res.(*boundDelegate)
	return bd.delegate, bd.binding, nil
}

// DelegateAt returns the delegate previously created under id.
func (s *Session) DelegateAt(id int) (Delegate, bool) {
	if s.State() != Open {
		return nil, false
	}
	bd := s.delegates.get(id)
	if bd == nil {
		return nil, false
	}
	return bd.delegate, true
}

// Export makes d reachable by id, sharing binding. Exported delegates are
// closed with the session if they implement io.Closer.
func (s *Session) Export(d Delegate, binding Binding) (uint64, error) {
	if s.State() != Open {
		return 0, ErrSessionClosed
	}
	id := s.cursorIDs.Id()
	s.cursors.Store(id, exported{delegate: d, binding: binding})
	return id, nil
}

// Exported returns an exported delegate.
func (s *Session) Exported(id uint64) (Delegate, Binding, error) {
	if s.State() != Open {
		return nil, Binding{}, ErrSessionClosed
	}
	e, ok := s.cursors.Load(id)
	if !ok {
		return nil, Binding{}, fmt.Errorf("no exported object %d", id)
	}
	return e.delegate, e.binding, nil
}

// Unexport forgets an exported delegate without closing it.
func (s *Session) Unexport(id uint64) {
	s.cursors.Delete(id)
}

// Close logs the session out.
func (s *Session) Close(ctx context.Context) error {
	return s.close(ctx, "logout")
}

// Abort closes the session on behalf of the server, e.g. after the client's
// connection was lost or at shutdown.
func (s *Session) Abort(ctx context.Context, reason string) error {
	return s.close(ctx, reason)
}

// close moves the session to Closing, waits for running calls, rolls back an
// open transaction, returns the handle and unregisters. Only the first call
// does anything.
func (s *Session) close(ctx context.Context, reason string) error {
	if !s.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()

	var err error
	s.cursors.Range(func(id uint64, e exported) bool {
		if c, ok := e.delegate.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
		s.cursors.Delete(id)
		return true
	})

	if s.handle.IsOpen() && !s.handle.AutoCommit() {
		s.log.Warn("rolling back open transaction", logger.Field{Key: "tx", Value: s.handle.TxName()},
			logger.Field{Key: "reason", Value: reason})
		err = multierr.Append(err, s.handle.Rollback(ctx))
	}
	err = multierr.Append(err, s.source.Release(s.handle))

	s.state.Store(int32(Closed))
	s.manager.remove(s)
	s.metrics.SessionClosed()

	if err != nil {
		s.log.Error("session closed with errors", logger.Field{Key: "reason", Value: reason}, logger.Err(err))
		return err
	}
	s.log.Info("session closed", logger.Field{Key: "reason", Value: reason})
	return nil
}
