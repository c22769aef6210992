// ABOUTME: Method registry mapping JSON-RPC method names to handlers
// ABOUTME: Registration happens once at boot; duplicates are a wiring error

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/2389/mesh-gateway/internal/session"
)

// HandlerFunc processes one request on behalf of a session. Returning a
// *protocol.Error sends that error to the client verbatim; any other error
// is logged server-side and reported as a generic internal error.
type HandlerFunc func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error)

// Method is one registered RPC method.
type Method struct {
	// Name is the full method name, e.g. "channel.publish".
	Name string

	// RequiresAuth gates the method behind authentication and the
	// session's permission set.
	RequiresAuth bool

	Handler HandlerFunc
}

// Registry holds the gateway's method table. Built at boot, read-only after.
type Registry struct {
	methods map[string]Method
}

// NewRegistry creates an empty method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

// Register adds a method. Registering the same name twice is a boot error.
func (r *Registry) Register(m Method) error {
	if m.Name == "" {
		return fmt.Errorf("method name is required")
	}
	if m.Handler == nil {
		return fmt.Errorf("method %s: handler is required", m.Name)
	}
	if _, exists := r.methods[m.Name]; exists {
		return fmt.Errorf("method %s already registered", m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// MustRegister is Register, panicking on error. For use in boot wiring only.
func (r *Registry) MustRegister(m Method) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup finds a method by name.
func (r *Registry) Lookup(name string) (Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names returns all registered method names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
