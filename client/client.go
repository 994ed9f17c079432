// Package client talks to a remotedb server: it logs in, obtains delegates
// and cursors and calls them over the transports the server negotiates.
// Connection state changes are reported to an optional handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/cyberinferno/go-remotedb/logger"
	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
	"github.com/cyberinferno/go-remotedb/transport"
	"github.com/cyberinferno/go-remotedb/wire"
)

// ConnectionState is the state of one connection to the server.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Lost or not yet opened
	Connecting                          // Dial in progress
	Connected                           // Ready for calls
	Closed                              // Closed by the client
)

func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is passed to the StateHandler when a connection changes state.
type StateEvent struct {
	State     ConnectionState
	Address   string
	Transport string
	Timestamp time.Time
	Error     error
}

// StateHandler is called from its own goroutine; it must be safe for
// concurrent use.
type StateHandler func(event StateEvent)

// Config configures a Client.
type Config struct {
	// Address is the "host:port" of the server's default transport.
	Address string
	// Transports must match the server's: same compression and TLS trust.
	Transports *transport.Set
	// Kind is the transport of the login connection.
	Kind transport.Kind
	// ConnectionTimeout bounds each dial.
	ConnectionTimeout time.Duration
	// CallTimeout bounds calls whose context has no deadline; 0 means none.
	CallTimeout time.Duration
	Logger      logger.Logger
	OnState     StateHandler
}

// DefaultConfig returns a plain-transport Config for address.
//
// Parameters:
//   - address: The "host:port" to log in at
//   - set: The transport set, nil for plain connections with s2 compression
//
// Returns:
//   - A Config with ConnectionTimeout 10s and CallTimeout 30s
func DefaultConfig(address string, set *transport.Set) Config {
	return Config{
		Address:           address,
		Transports:        set,
		Kind:              transport.Plain,
		ConnectionTimeout: 10 * time.Second,
		CallTimeout:       30 * time.Second,
	}
}

// Client is a logged-in (or about to be) connection to a server. It is safe
// for concurrent use.
type Client struct {
	cfg  Config
	host string
	log  logger.Logger
	seq  atomic.Uint64
	halt *idem.Halter

	mu      sync.Mutex
	conns   map[string]*conn
	main    string
	session uint64
	token   string
	closed  bool
}

// Dial opens the login connection.
//
// Parameters:
//   - ctx: Bounds the dial
//   - cfg: Client configuration
//
// Returns:
//   - The connected client
//   - An error if the configuration is invalid or the dial fails
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Transports == nil {
		set, err := transport.NewSet(transport.Settings{})
		if err != nil {
			return nil, err
		}
		cfg.Transports = set
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNopLogger()
	}
	host, port, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("client: bad address %q: %w", cfg.Address, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("client: bad port in %q", cfg.Address)
	}

	c := &Client{
		cfg:   cfg,
		host:  host,
		log:   cfg.Logger.With(logger.Field{Key: "component", Value: "client"}, logger.Field{Key: "server", Value: cfg.Address}),
		halt:  idem.NewHalterNamed("client.Client"),
		conns: make(map[string]*conn),
	}

	main, err := c.connFor(ctx, cfg.Kind.String(), p)
	if err != nil {
		return nil, err
	}
	c.main = main.key
	return c, nil
}

// Lookup asks a server's lookup listener where the endpoint named name
// accepts logins.
func Lookup(ctx context.Context, addr, name string) (wire.LookupReply, error) {
	var reply wire.LookupReply
	c, err := Dial(ctx, DefaultConfig(addr, nil))
	if err != nil {
		return reply, err
	}
	defer c.Close()

	err = c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpLookup}, wire.LookupArgs{Name: name}, &reply)
	return reply, err
}

func connKey(transportName string, port int) string {
	return transportName + "@" + strconv.Itoa(port)
}

// connFor returns the connection for a transport and port, dialing it on
// first use.
func (c *Client) connFor(ctx context.Context, transportName string, port int) (*conn, error) {
	key := connKey(transportName, port)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if cn, ok := c.conns[key]; ok {
		return cn, nil
	}

	factory, err := c.clientFactory(transportName)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(port))
	c.emit(Connecting, addr, transportName, nil)
	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}
	nc, err := factory.Dial(ctx, addr)
	if err != nil {
		c.emit(Disconnected, addr, transportName, err)
		return nil, fmt.Errorf("client: dialing %s over %s: %w", addr, transportName, err)
	}

	cn := newConn(key, addr, nc, c.log.With(logger.Field{Key: "transport", Value: transportName}))
	c.conns[key] = cn
	go cn.readLoop(c.lost)
	c.emit(Connected, addr, transportName, nil)
	return cn, nil
}

// clientFactory maps a transport name sent by the server to the local
// factory: a well-known kind or a "csf/ssf" custom pair.
func (c *Client) clientFactory(name string) (transport.ClientFactory, error) {
	if csf, ssf, ok := strings.Cut(name, "/"); ok {
		pair, err := c.cfg.Transports.Custom(csf, ssf)
		if err != nil {
			return nil, err
		}
		return pair.Client, nil
	}

	k, err := transport.ParseKind(name)
	if err != nil {
		return nil, err
	}
	pair := c.cfg.Transports.Pair(k)
	if pair == nil {
		return nil, fmt.Errorf("client: transport %s needs TLS configuration", k)
	}
	return pair.Client, nil
}

func (c *Client) lost(cn *conn, err error) {
	c.mu.Lock()
	if c.conns[cn.key] == cn {
		delete(c.conns, cn.key)
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		transportName, _, _ := strings.Cut(cn.key, "@")
		c.emit(Disconnected, cn.addr, transportName, err)
	}
}

func (c *Client) emit(state ConnectionState, addr, transportName string, err error) {
	if c.cfg.OnState == nil {
		return
	}
	event := StateEvent{State: state, Address: addr, Transport: transportName, Timestamp: time.Now(), Error: err}
	go c.cfg.OnState(event)
}

func (c *Client) mainKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.main
}

// do sends one request over the connection key and decodes the answer into
// out.
func (c *Client) do(ctx context.Context, key string, req *wire.Request, args, out any) error {
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("client: encoding %s arguments: %w", req.Op, err)
		}
		req.Args = raw
	}

	c.mu.Lock()
	cn, ok := c.conns[key]
	closed := c.closed
	req.Session, req.Token = c.session, c.token
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		transportName, port, _ := strings.Cut(key, "@")
		p, _ := strconv.Atoi(port)
		var err error
		if cn, err = c.connFor(ctx, transportName, p); err != nil {
			return err
		}
	}

	if _, ok := ctx.Deadline(); !ok && c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	req.Seq = c.seq.Add(1)
	resp, err := cn.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Login opens a session. The client holds one session at a time.
func (c *Client) Login(ctx context.Context, id session.Identity) (wire.LoginReply, error) {
	var reply wire.LoginReply
	if err := c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpLogin}, wire.LoginArgs{Identity: id}, &reply); err != nil {
		return reply, err
	}

	c.mu.Lock()
	c.session, c.token = reply.Session, reply.Token
	c.mu.Unlock()
	return reply, nil
}

// Session returns the number of the current session, 0 when logged out.
func (c *Client) Session() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Logout closes the session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpLogout}, nil, nil)

	c.mu.Lock()
	c.session, c.token = 0, ""
	c.mu.Unlock()
	return err
}

// Ping keeps the session alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpPing}, nil, nil)
}

// Heartbeat pings every interval until Close. Failed pings are logged.
func (c *Client) Heartbeat(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.halt.ReqStop.Chan:
				return
			case <-ticker.C:
				if c.Session() == 0 {
					continue
				}
				if err := c.Ping(context.Background()); err != nil {
					c.log.Warn("heartbeat failed", logger.Err(err))
				}
			}
		}
	}()
}

// Delegate obtains the delegate for class under the caller-chosen id.
//
// Parameters:
//   - ctx: Context for the call
//   - class: Fully qualified business class name
//   - id: Small slot number, reused for the same class
//   - req: Transport wanted for the delegate's calls; zero keeps the session's
//
// Returns:
//   - The remote delegate
//   - The rebuilt server error, e.g. a *session.DispatchError
func (c *Client) Delegate(ctx context.Context, class string, id int, req session.TransportRequest) (*Remote, error) {
	var reply wire.DelegateReply
	err := c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpDelegate}, wire.DelegateArgs{Class: class, ID: id, Transport: req}, &reply)
	if err != nil {
		return nil, err
	}
	return &Remote{client: c, id: id, class: class, key: connKey(reply.Transport, reply.Port),
		transport: reply.Transport, port: reply.Port}, nil
}

// Register declares tables by name and returns their ids.
func (c *Client) Register(ctx context.Context, names ...string) ([]serial.Table, error) {
	var reply wire.RegisterReply
	if err := c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpRegister}, wire.RegisterArgs{Names: names}, &reply); err != nil {
		return nil, err
	}
	return reply.Tables, nil
}

// Serials returns the serials of several tables in one round trip.
func (c *Client) Serials(ctx context.Context, ids ...int32) ([]int64, error) {
	var reply wire.SerialsReply
	if err := c.do(ctx, c.mainKey(), &wire.Request{Op: wire.OpSerials}, wire.SerialsArgs{Tables: ids}, &reply); err != nil {
		return nil, err
	}
	return reply.Serials, nil
}

// Connections returns the number of open connections.
func (c *Client) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close closes every connection without logging out; the server closes the
// session when it notices the loss. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = make(map[string]*conn)
	c.mu.Unlock()

	c.halt.ReqStop.Close()

	var errs error
	for _, cn := range conns {
		if err := cn.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
		transportName, _, _ := strings.Cut(cn.key, "@")
		c.emit(Closed, cn.addr, transportName, nil)
	}
	return errs
}
