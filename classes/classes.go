// Package classes is the catalog of business classes a server knows, with
// their explicit superclass chains and the naming rule for delegates.
package classes

import (
	"fmt"
	"strings"

	"github.com/cyberinferno/go-remotedb/safemap"
)

// DelegatePackage and ImplSuffix make up delegate implementation names:
// class pkg.Name is served by pkg.delegate.NameImpl.
const (
	DelegatePackage = "delegate"
	ImplSuffix      = "Impl"
)

// Class describes one business class.
type Class struct {
	// Name is the fully qualified name, "pkg.Name".
	Name string
	// Super is the superclass, nil for a root class.
	Super *Class
	// New returns a fresh instance, nil for classes that cannot be instantiated.
	New func() any
}

// Package returns the part of Name before the last dot.
func (c *Class) Package() string {
	if i := strings.LastIndexByte(c.Name, '.'); i >= 0 {
		return c.Name[:i]
	}
	return ""
}

// SimpleName returns the part of Name after the last dot.
func (c *Class) SimpleName() string {
	return c.Name[strings.LastIndexByte(c.Name, '.')+1:]
}

// Chain returns c followed by its superclasses, most derived first.
func (c *Class) Chain() []*Class {
	var chain []*Class
	for k := c; k != nil; k = k.Super {
		chain = append(chain, k)
	}
	return chain
}

// IsA reports whether c is other or derives from it.
func (c *Class) IsA(other *Class) bool {
	for k := c; k != nil; k = k.Super {
		if k == other {
			return true
		}
	}
	return false
}

func (c *Class) String() string { return c.Name }

// ImplName returns the delegate implementation name for c.
func ImplName(c *Class) string {
	if pkg := c.Package(); pkg != "" {
		return pkg + "." + DelegatePackage + "." + c.SimpleName() + ImplSuffix
	}
	return DelegatePackage + "." + c.SimpleName() + ImplSuffix
}

// Catalog maps class names to classes. It is filled at startup and read by
// sessions concurrently.
type Catalog struct {
	classes *safemap.SafeMap[string, *Class]
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{classes: safemap.NewSafeMap[string, *Class]()}
}

// Define registers a class. Its superclass, if any, must be registered
// already so chains never dangle.
//
// Parameters:
//   - name: Fully qualified class name
//   - super: Superclass name, or "" for a root class
//   - newFn: Instance constructor, may be nil
//
// Returns:
//   - The registered class
//   - An error if name is taken or super is unknown
func (c *Catalog) Define(name, super string, newFn func() any) (*Class, error) {
	if name == "" {
		return nil, fmt.Errorf("classes: empty class name")
	}

	class := &Class{Name: name, New: newFn}
	if super != "" {
		s, ok := c.classes.Load(super)
		if !ok {
			return nil, fmt.Errorf("classes: %s extends unknown class %s", name, super)
		}
		class.Super = s
	}

	if _, loaded := c.classes.LoadOrStore(name, class); loaded {
		return nil, fmt.Errorf("classes: %s already defined", name)
	}
	return class, nil
}

// MustDefine is Define for static setup code; it panics on error.
func (c *Catalog) MustDefine(name, super string, newFn func() any) *Class {
	class, err := c.Define(name, super, newFn)
	if err != nil {
		panic(err)
	}
	return class
}

// Lookup resolves a class by name.
func (c *Catalog) Lookup(name string) (*Class, error) {
	class, ok := c.classes.Load(name)
	if !ok {
		return nil, fmt.Errorf("classes: class %s not found", name)
	}
	return class, nil
}

// Names returns all registered class names.
func (c *Catalog) Names() []string {
	return c.classes.Keys()
}
