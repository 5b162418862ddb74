package depends

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"

	apierrors "cbvkit/internal/errors"
	"cbvkit/pkg/bind"
)

// Scope resolves markers for a single request and caches their values
type Scope struct {
	injector *Injector
	ctx      context.Context
	w        http.ResponseWriter
	r        *http.Request

	mu        sync.Mutex
	cache     map[*Marker]reflect.Value
	resolving map[*Marker]bool
}

func newScope(injector *Injector, w http.ResponseWriter, r *http.Request) *Scope {
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	return &Scope{
		injector:  injector,
		ctx:       ctx,
		w:         w,
		r:         r,
		cache:     make(map[*Marker]reflect.Value),
		resolving: make(map[*Marker]bool),
	}
}

// Context returns the scope's context
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Request returns the scope's request, which may be nil
func (s *Scope) Request() *http.Request {
	return s.r
}

// ResponseWriter returns the scope's response writer, which may be nil
func (s *Scope) ResponseWriter() http.ResponseWriter {
	return s.w
}

// Injector returns the injector the scope was created from
func (s *Scope) Injector() *Injector {
	return s.injector
}

// Resolve evaluates m, applying overrides and the per-scope cache
func (s *Scope) Resolve(m *Marker) (any, error) {
	v, err := s.ResolveValue(m)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// ResolveValue is Resolve returning the reflect.Value of the provider's
// result, so that nil interfaces keep their static type.
func (s *Scope) ResolveValue(m *Marker) (reflect.Value, error) {
	if m == nil {
		return reflect.Value{}, apierrors.NewDependencyError("nil dependency marker", ErrUnknownProvider)
	}

	eff, err := s.injector.effective(m)
	if err != nil {
		return reflect.Value{}, err
	}

	s.mu.Lock()
	if v, ok := s.cache[eff]; ok && eff.useCache {
		s.mu.Unlock()
		return v, nil
	}
	if s.resolving[eff] {
		s.mu.Unlock()
		return reflect.Value{}, cycleError(eff)
	}
	s.resolving[eff] = true
	s.mu.Unlock()

	v, err := s.call(eff)

	s.mu.Lock()
	delete(s.resolving, eff)
	if err == nil && eff.useCache {
		s.cache[eff] = v
	}
	s.mu.Unlock()

	return v, err
}

// call invokes the provider with arguments chosen by parameter kind
func (s *Scope) call(m *Marker) (reflect.Value, error) {
	args := make([]reflect.Value, len(m.params))
	for i, kind := range m.params {
		switch kind {
		case paramContext:
			args[i] = reflect.ValueOf(&s.ctx).Elem()
		case paramRequest:
			args[i] = reflect.ValueOf(s.r)
		case paramResponseWriter:
			args[i] = reflect.New(responseWriterType).Elem()
			if s.w != nil {
				args[i].Set(reflect.ValueOf(s.w))
			}
		case paramScope:
			args[i] = reflect.ValueOf(s)
		case paramBound:
			v, err := s.bindInput(m.inTypes[i])
			if err != nil {
				return reflect.Value{}, err
			}
			args[i] = v
		}
	}

	out := m.fn.Call(args)
	if m.hasErr && !out[1].IsNil() {
		err := out[1].Interface().(error)
		return reflect.Value{}, apierrors.NewDependencyError(
			fmt.Sprintf("dependency %s failed", m.name), err).WithContext("provider", m.name)
	}
	return out[0], nil
}

// bindInput builds a value of t (struct or *struct) from the request
func (s *Scope) bindInput(t reflect.Type) (reflect.Value, error) {
	isPtr := t.Kind() == reflect.Pointer
	elem := t
	if isPtr {
		elem = t.Elem()
	}

	ptr := reflect.New(elem)
	if s.r != nil {
		if err := bind.Request(s.r, ptr.Interface()); err != nil {
			return reflect.Value{}, err
		}
	} else if err := bind.Defaults(ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}

	if isPtr {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

func cycleError(m *Marker) error {
	return apierrors.NewDependencyError(fmt.Sprintf("dependency cycle through %s", m.name), ErrCycle)
}

func unknownProviderError(name string) error {
	return apierrors.NewDependencyError(fmt.Sprintf("no provider registered as %q", name), ErrUnknownProvider)
}
