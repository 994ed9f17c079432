package delegate

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/session"
)

// Operation is a stateless unit of work over several objects. A fresh
// instance is built for every call.
type Operation interface {
	Execute(ctx context.Context, h db.Handle, args []byte) (any, error)
}

// Touching is implemented by operations that change tables; their serials
// are bumped after a successful Execute.
type Touching interface {
	Tables() []string
}

// OperationDelegate serves an Operation class.
type OperationDelegate struct {
	Base
}

// NewOperation is the session.Factory for operation delegates. The class
// must construct an Operation.
func NewOperation(s *session.Session, c *classes.Class) (session.Delegate, error) {
	if _, err := newOperation(c); err != nil {
		return nil, err
	}

	d := &OperationDelegate{Base: newBase(s, c)}
	d.methods[MethodExecute] = d.execute
	return d, nil
}

func newOperation(c *classes.Class) (Operation, error) {
	if c.New == nil {
		return nil, fmt.Errorf("class %s cannot be instantiated", c.Name)
	}
	op, ok := c.New().(Operation)
	if !ok {
		return nil, fmt.Errorf("class %s does not construct an Operation", c.Name)
	}
	return op, nil
}

func (d *OperationDelegate) execute(ctx context.Context, args []byte) (any, error) {
	op, err := newOperation(d.class)
	if err != nil {
		return nil, err
	}

	res, err := op.Execute(ctx, d.Handle(), args)
	if err != nil {
		return nil, err
	}

	if t, ok := op.(Touching); ok {
		serials := d.session.Serials()
		for _, name := range t.Tables() {
			tbl, err := serials.Declare(ctx, name)
			if err != nil {
				return nil, err
			}
			if _, err := serials.Increment(ctx, tbl.ID); err != nil {
				return nil, fmt.Errorf("bumping serial of %s: %w", name, err)
			}
		}
	}
	return res, nil
}
