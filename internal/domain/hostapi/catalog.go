// Package hostapi implements the capability-gated method surface a plugin
// may call back into.
//
// A Catalog holds every method the host knows about, each tagged with the
// permission that unlocks it. Build derives an immutable Surface for one
// plugin containing only the granted entries. Invoking a method that is not
// on the surface always fails: permission_denied when the catalog knows the
// name, method_not_allowed when it does not.
package hostapi

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/graph"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
)

// Collaborators are the host-side dependencies handlers consult. They are
// read on every invocation; nothing is cached.
type Collaborators struct {
	Graph     graph.API
	Selection graph.SelectionReader
	Events    graph.EventSink
}

// Request is one invocation of a host method
type Request struct {
	PluginID string
	Method   string
	Args     map[string]any
}

// Handler executes a host method. Returned values are cloned before they
// leave the surface.
type Handler func(ctx context.Context, deps Collaborators, req Request) (any, error)

// Middleware wraps a handler. The first registered middleware is outermost.
type Middleware func(method string, next Handler) Handler

// MethodSpec describes one catalog entry
type MethodSpec struct {
	Name        string
	Permission  string
	Description string
	Handler     Handler
}

// Catalog is the registry of host methods. Registration is safe for
// concurrent use; surfaces already built are not affected by later
// registrations.
type Catalog struct {
	mu         sync.RWMutex
	specs      map[string]MethodSpec
	middleware []Middleware
}

// NewCatalog creates an empty catalog
func NewCatalog(mw ...Middleware) *Catalog {
	return &Catalog{
		specs:      make(map[string]MethodSpec),
		middleware: mw,
	}
}

// DefaultCatalog creates a catalog holding the built-in graph, selection and
// event methods
func DefaultCatalog(mw ...Middleware) *Catalog {
	c := NewCatalog(mw...)
	for _, spec := range builtins() {
		if err := c.RegisterMethod(spec); err != nil {
			panic(err)
		}
	}
	return c
}

// RegisterMethod adds a method to the catalog
func (c *Catalog) RegisterMethod(spec MethodSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("method %q has no handler", spec.Name)
	}
	if spec.Permission == "" {
		return fmt.Errorf("method %q must declare a permission", spec.Name)
	}
	spec.Permission = manifest.NormalizePermission(spec.Permission)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[spec.Name]; exists {
		return fmt.Errorf("duplicate method name: %q", spec.Name)
	}
	c.specs[spec.Name] = spec
	return nil
}

// Use appends middleware applied to surfaces built afterwards
func (c *Catalog) Use(mw ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middleware = append(c.middleware, mw...)
}

// Lookup returns the spec registered under name
func (c *Catalog) Lookup(name string) (MethodSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[name]
	return spec, ok
}

// Methods returns every registered spec sorted by name
func (c *Catalog) Methods() []MethodSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MethodSpec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build derives the surface for one plugin. Only entries whose permission is
// in perms are included.
func (c *Catalog) Build(pluginID string, perms manifest.PermissionSet, deps Collaborators) *Surface {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := &Surface{
		pluginID: pluginID,
		deps:     deps,
		entries:  make(map[string]Handler),
		gated:    make(map[string]string, len(c.specs)),
	}
	for name, spec := range c.specs {
		s.gated[name] = spec.Permission
		if !perms.Has(spec.Permission) {
			continue
		}
		h := spec.Handler
		for i := len(c.middleware) - 1; i >= 0; i-- {
			h = c.middleware[i](name, h)
		}
		s.entries[name] = h
		s.names = append(s.names, name)
	}
	slices.Sort(s.names)
	return s
}
