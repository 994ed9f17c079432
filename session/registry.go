package session

import (
	"context"
	"fmt"

	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/safemap"
)

// Delegate is a server-side object bound to one session and one business
// class. Invoke runs a named remote method with JSON arguments; it is called
// inside Session.Do and must not call Do itself.
type Delegate interface {
	Session() *Session
	Class() *classes.Class
	Invoke(ctx context.Context, method string, args []byte) (any, error)
}

// Bindable is implemented by delegates that want to know the transport they
// were negotiated over, e.g. to hand it on to cursors they export.
type Bindable interface {
	SetBinding(b Binding)
}

// Factory builds a delegate for class within s. It is registered under an
// implementation name such as "erp.delegate.InvoiceImpl".
type Factory func(s *Session, class *classes.Class) (Delegate, error)

// Registry maps delegate implementation names to factories. It is filled at
// startup; lookups follow the class's superclass chain.
type Registry struct {
	factories *safemap.SafeMap[string, Factory]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: safemap.NewSafeMap[string, Factory]()}
}

// Register binds an implementation name to a factory.
func (r *Registry) Register(implName string, f Factory) {
	r.factories.Store(implName, f)
}

// RegisterClass binds the implementation name derived from class.
func (r *Registry) RegisterClass(class *classes.Class, f Factory) {
	r.Register(classes.ImplName(class), f)
}

// Resolve finds the factory for class, trying class first and then each
// superclass. When nothing matches, the error names the lookup for class
// itself.
//
// Parameters:
//   - class: The business class a delegate is wanted for
//
// Returns:
//   - The factory
//   - The implementation name it was registered under
//   - An error naming the implementation that was first looked for
func (r *Registry) Resolve(class *classes.Class) (Factory, string, error) {
	var first error
	for _, k := range class.Chain() {
		name := classes.ImplName(k)
		if f, ok := r.factories.Load(name); ok {
			return f, name, nil
		}
		if first == nil {
			first = fmt.Errorf("delegate implementation %s for class %s not found", name, class.Name)
		}
	}
	return nil, "", first
}
