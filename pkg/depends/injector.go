package depends

import (
	"context"
	"net/http"
	"sync"
)

// Injector holds named providers and overrides. It is safe for concurrent use.
type Injector struct {
	mu        sync.RWMutex
	providers map[string]*Marker
	overrides map[*Marker]*Marker
}

// NewInjector returns an empty injector
func NewInjector() *Injector {
	return &Injector{
		providers: make(map[string]*Marker),
		overrides: make(map[*Marker]*Marker),
	}
}

// Provide registers m under name, replacing any previous registration
func (i *Injector) Provide(name string, m *Marker) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.providers[name] = m
}

// Lookup returns the marker registered under name
func (i *Injector) Lookup(name string) (*Marker, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	m, ok := i.providers[name]
	return m, ok
}

// Override makes every resolution of orig use repl instead. Passing a nil
// repl removes the override.
func (i *Injector) Override(orig, repl *Marker) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if repl == nil {
		delete(i.overrides, orig)
		return
	}
	i.overrides[orig] = repl
}

// ClearOverrides removes every override
func (i *Injector) ClearOverrides() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.overrides = make(map[*Marker]*Marker)
}

// effective follows Ref names and overrides until a concrete marker is reached
func (i *Injector) effective(m *Marker) (*Marker, error) {
	seen := make(map[*Marker]bool)
	for {
		if seen[m] {
			return nil, cycleError(m)
		}
		seen[m] = true

		if i == nil {
			if m.ref != "" {
				return nil, unknownProviderError(m.ref)
			}
			return m, nil
		}

		i.mu.RLock()
		repl, overridden := i.overrides[m]
		var named *Marker
		var found bool
		if !overridden && m.ref != "" {
			named, found = i.providers[m.ref]
		}
		i.mu.RUnlock()

		switch {
		case overridden:
			m = repl
		case m.ref != "" && found:
			m = named
		case m.ref != "":
			return nil, unknownProviderError(m.ref)
		default:
			return m, nil
		}
	}
}

// Scope starts a resolution scope for one request
func (i *Injector) Scope(w http.ResponseWriter, r *http.Request) *Scope {
	return newScope(i, w, r)
}

// Background starts a scope without a request. Providers that need the
// request or response writer receive nil.
func (i *Injector) Background(ctx context.Context) *Scope {
	s := newScope(i, nil, nil)
	s.ctx = ctx
	return s
}
