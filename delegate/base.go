package delegate

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/session"
)

// Method is one remotely invocable operation.
type Method func(ctx context.Context, args []byte) (any, error)

// Base binds a delegate to its session and class and dispatches methods by
// name. Concrete delegates embed it and fill the method table.
type Base struct {
	session *session.Session
	class   *classes.Class
	binding session.Binding
	methods map[string]Method
}

func newBase(s *session.Session, c *classes.Class) Base {
	b := Base{session: s, class: c, binding: s.Binding(), methods: map[string]Method{}}
	b.methods[MethodBegin] = b.begin
	b.methods[MethodCommit] = b.commit
	b.methods[MethodRollback] = b.rollback
	return b
}

// Session returns the session the delegate is bound to.
func (b *Base) Session() *session.Session { return b.session }

// Class returns the class the delegate was requested for.
func (b *Base) Class() *classes.Class { return b.class }

// Handle returns the session's database handle.
func (b *Base) Handle() db.Handle { return b.session.Handle() }

// Binding returns the transport the delegate was negotiated over.
func (b *Base) Binding() session.Binding { return b.binding }

// SetBinding records the transport negotiated for the delegate. Cursors it
// opens are exported over the same binding.
func (b *Base) SetBinding(binding session.Binding) { b.binding = binding }

// Methods returns the names of the remote methods.
func (b *Base) Methods() []string {
	names := make([]string, 0, len(b.methods))
	for name := range b.methods {
		names = append(names, name)
	}
	return names
}

// Invoke runs method with JSON args.
func (b *Base) Invoke(ctx context.Context, method string, args []byte) (any, error) {
	m, ok := b.methods[method]
	if !ok {
		return nil, fmt.Errorf("no method %q on %s", method, b.class.Name)
	}
	return m(ctx, args)
}

func (b *Base) begin(ctx context.Context, args []byte) (any, error) {
	var a TxArgs
	if err := decode(MethodBegin, args, &a); err != nil {
		return nil, err
	}
	if a.Name == "" {
		a.Name = b.class.SimpleName()
	}
	return nil, b.Handle().Begin(ctx, a.Name)
}

func (b *Base) commit(ctx context.Context, _ []byte) (any, error) {
	return nil, b.Handle().Commit(ctx)
}

func (b *Base) rollback(ctx context.Context, _ []byte) (any, error) {
	return nil, b.Handle().Rollback(ctx)
}
