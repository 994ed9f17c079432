package server

import (
	"context"
	"fmt"
	"net"

	"github.com/goccy/go-json"

	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
	"github.com/cyberinferno/go-remotedb/wire"
)

func (c *Connection) dispatch(ctx context.Context, req *wire.Request) *wire.Response {
	if c.lookupOnly && req.Op != wire.OpLookup {
		return wire.NewResponse(req.Seq, nil, wire.Errorf("op %q not served on the lookup port", req.Op))
	}

	var (
		res any
		err error
	)
	switch req.Op {
	case wire.OpLookup:
		res, err = c.lookup(req)
	case wire.OpLogin:
		res, err = c.login(ctx, req)
	case wire.OpLogout:
		res, err = c.logout(ctx, req)
	case wire.OpDelegate:
		res, err = c.delegate(ctx, req)
	case wire.OpCall:
		res, err = c.call(ctx, req)
	case wire.OpCursor:
		res, err = c.cursor(ctx, req)
	case wire.OpSerials:
		res, err = c.serials(ctx, req)
	case wire.OpRegister:
		res, err = c.register(ctx, req)
	case wire.OpPing:
		res, err = c.ping(ctx, req)
	default:
		err = wire.Errorf("unknown op %q", req.Op)
	}
	return wire.NewResponse(req.Seq, res, err)
}

func decodeArgs(req *wire.Request, v any) error {
	if len(req.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return wire.Errorf("%s: bad arguments: %v", req.Op, err)
	}
	return nil
}

// session returns the caller's session. Unknown numbers and wrong tokens both
// look like a closed session.
func (c *Connection) session(req *wire.Request) (*session.Session, error) {
	s, ok := c.server.endpoint.Manager().Get(req.Session)
	if !ok || !s.VerifyToken(req.Token) {
		return nil, session.ErrSessionClosed
	}
	return s, nil
}

func (c *Connection) lookup(req *wire.Request) (any, error) {
	var a wire.LookupArgs
	if err := decodeArgs(req, &a); err != nil {
		return nil, err
	}

	pol := c.server.policy
	if a.Name != "" && a.Name != pol.Service.Name {
		return nil, wire.Errorf("no service named %q", a.Name)
	}

	pair := pol.DefaultPair()
	port, err := pol.GrantPort(pol.Port, pair)
	if err != nil {
		return nil, err
	}
	return wire.LookupReply{
		Name:      pol.Service.Name,
		Transport: pair.Name,
		Port:      c.server.portFor(session.Binding{Pair: pair, Port: port}),
	}, nil
}

func (c *Connection) login(ctx context.Context, req *wire.Request) (any, error) {
	var a wire.LoginArgs
	if err := decodeArgs(req, &a); err != nil {
		return nil, err
	}
	if a.Identity.Host == "" {
		if host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
			a.Identity.Host = host
		}
	}

	s, err := c.server.endpoint.Login(ctx, a.Identity)
	if err != nil {
		return nil, err
	}
	c.sessions.Add(s.Number())

	b := s.Binding()
	return wire.LoginReply{
		Session:   s.Number(),
		Token:     s.Token(),
		Transport: b.Name(),
		Port:      c.server.portFor(b),
	}, nil
}

func (c *Connection) logout(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}
	c.sessions.Remove(s.Number())
	return nil, c.server.endpoint.Logout(ctx, s)
}

func (c *Connection) delegate(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}
	var a wire.DelegateArgs
	if err := decodeArgs(req, &a); err != nil {
		return nil, err
	}

	_, b, err := s.Delegate(ctx, a.Class, a.ID, a.Transport)
	if err != nil {
		return nil, err
	}
	return wire.DelegateReply{Class: a.Class, Transport: b.Name(), Port: c.server.portFor(b)}, nil
}

func (c *Connection) call(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}

	var class string
	if d, ok := s.DelegateAt(req.Target); ok {
		class = d.Class().Name
	}
	return s.Do(ctx, "call", class, func(ctx context.Context) (any, error) {
		d, ok := s.DelegateAt(req.Target)
		if !ok {
			return nil, fmt.Errorf("no delegate with id %d", req.Target)
		}
		return d.Invoke(ctx, req.Method, req.Args)
	})
}

func (c *Connection) cursor(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}

	var class string
	if d, _, err := s.Exported(req.Cursor); err == nil {
		class = d.Class().Name
	}
	return s.Do(ctx, "cursor", class, func(ctx context.Context) (any, error) {
		d, _, err := s.Exported(req.Cursor)
		if err != nil {
			return nil, err
		}
		return d.Invoke(ctx, req.Method, req.Args)
	})
}

func (c *Connection) serials(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}
	var a wire.SerialsArgs
	if err := decodeArgs(req, &a); err != nil {
		return nil, err
	}

	return s.Do(ctx, "serials", "", func(ctx context.Context) (any, error) {
		vals, err := s.Serials().Serials(ctx, a.Tables)
		if err != nil {
			return nil, err
		}
		return wire.SerialsReply{Serials: vals}, nil
	})
}

func (c *Connection) register(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}
	var a wire.RegisterArgs
	if err := decodeArgs(req, &a); err != nil {
		return nil, err
	}

	return s.Do(ctx, "register", "", func(ctx context.Context) (any, error) {
		tables := make([]serial.Table, 0, len(a.Names))
		for _, name := range a.Names {
			t, err := s.Serials().Declare(ctx, name)
			if err != nil {
				return nil, err
			}
			if err := s.Serials().Register(ctx, t.ID); err != nil {
				return nil, err
			}
			tables = append(tables, t)
		}
		return wire.RegisterReply{Tables: tables}, nil
	})
}

func (c *Connection) ping(ctx context.Context, req *wire.Request) (any, error) {
	s, err := c.session(req)
	if err != nil {
		return nil, err
	}
	return nil, s.Ping(ctx)
}
