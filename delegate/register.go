package delegate

import (
	"github.com/cyberinferno/go-remotedb/classes"
	"github.com/cyberinferno/go-remotedb/session"
)

// RegisterObjects registers object delegates for classes.
func RegisterObjects(reg *session.Registry, cs ...*classes.Class) {
	for _, c := range cs {
		reg.RegisterClass(c, NewObject)
	}
}

// RegisterOperations registers operation delegates for classes.
func RegisterOperations(reg *session.Registry, cs ...*classes.Class) {
	for _, c := range cs {
		reg.RegisterClass(c, NewOperation)
	}
}
