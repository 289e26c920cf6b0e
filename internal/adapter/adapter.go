// Package adapter defines the lookup contract and the concrete lookup
// sources (DNS, WHOIS, email validation, social profiles, industry).
package adapter

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/model"
)

// Adapter is a single lookup source. The per-attempt timeout arrives as the
// ctx deadline; implementations must return once ctx is done.
type Adapter interface {
	// Name returns the adapter identifier used in config and results.
	Name() string
	// Lookup fetches fields for a lead identifier (email or domain).
	Lookup(ctx context.Context, identifier string) (model.Fields, error)
}

// Func adapts a plain function into an Adapter.
type Func struct {
	AdapterName string
	Fn          func(ctx context.Context, identifier string) (model.Fields, error)
}

func (f Func) Name() string { return f.AdapterName }

func (f Func) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	return f.Fn(ctx, identifier)
}

// Registry manages the available adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return eris.New("adapter: empty adapter name")
	}
	if _, dup := r.adapters[name]; dup {
		return eris.Errorf("adapter: duplicate adapter %q", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns an adapter by name, or nil if not found.
func (r *Registry) Get(name string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// Names returns all registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Select returns the named adapters in the given order. An unknown name is
// a configuration error.
func (r *Registry) Select(names []string) ([]Adapter, error) {
	out := make([]Adapter, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		a := r.Get(name)
		if a == nil {
			return nil, eris.Errorf("adapter: unknown adapter %q (registered: %s)", name, strings.Join(r.Names(), ", "))
		}
		out = append(out, a)
	}
	return out, nil
}

// domainOf returns the domain part of an email, or the identifier itself.
func domainOf(identifier string) string {
	if i := strings.LastIndexByte(identifier, '@'); i >= 0 {
		return identifier[i+1:]
	}
	return identifier
}

// usernameOf returns the local part of an email, or the first label of a
// domain ("acme" for acme.com).
func usernameOf(identifier string) string {
	if i := strings.LastIndexByte(identifier, '@'); i >= 0 {
		return identifier[:i]
	}
	if i := strings.IndexByte(identifier, '.'); i > 0 {
		return identifier[:i]
	}
	return identifier
}
