package depends

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"runtime"
	"strings"

	apierrors "cbvkit/internal/errors"
)

var (
	contextType        = reflect.TypeOf((*context.Context)(nil)).Elem()
	requestType        = reflect.TypeOf((*http.Request)(nil))
	responseWriterType = reflect.TypeOf((*http.ResponseWriter)(nil)).Elem()
	scopeType          = reflect.TypeOf((*Scope)(nil))
	errorType          = reflect.TypeOf((*error)(nil)).Elem()
)

// paramKind says where a provider argument comes from
type paramKind int

const (
	paramContext paramKind = iota
	paramRequest
	paramResponseWriter
	paramScope
	paramBound
)

// Marker is a dependency declaration. The zero value is not usable; build
// markers with Depends, New or Ref.
type Marker struct {
	name     string
	fn       reflect.Value
	params   []paramKind
	inTypes  []reflect.Type
	hasErr   bool
	useCache bool
	ref      string
}

// MarkerOption configures a Marker
type MarkerOption func(*Marker)

// NoCache makes the marker run on every resolution instead of once per scope
func NoCache() MarkerOption {
	return func(m *Marker) {
		m.useCache = false
	}
}

// WithName overrides the name used in logs and errors
func WithName(name string) MarkerOption {
	return func(m *Marker) {
		m.name = name
	}
}

// New builds a marker for provider, validating its shape
func New(provider any, opts ...MarkerOption) (*Marker, error) {
	fn := reflect.ValueOf(provider)
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, apierrors.NewConfigError(
			fmt.Sprintf("dependency provider must be a function, got %T", provider), ErrInvalidProvider)
	}

	m := &Marker{
		name:     funcName(fn),
		fn:       fn,
		useCache: true,
	}

	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, apierrors.NewConfigError(
			fmt.Sprintf("dependency provider %s must not be variadic", m.name), ErrInvalidProvider)
	}

	bound := 0
	for i := 0; i < ft.NumIn(); i++ {
		in := ft.In(i)
		kind, ok := classify(in)
		if !ok {
			return nil, apierrors.NewConfigError(
				fmt.Sprintf("dependency provider %s has unsupported parameter %d of type %s", m.name, i, in), ErrInvalidProvider)
		}
		if kind == paramBound {
			bound++
		}
		m.params = append(m.params, kind)
		m.inTypes = append(m.inTypes, in)
	}
	if bound > 1 {
		return nil, apierrors.NewConfigError(
			fmt.Sprintf("dependency provider %s may bind at most one input struct", m.name), ErrInvalidProvider)
	}

	switch ft.NumOut() {
	case 1:
	case 2:
		if !ft.Out(1).Implements(errorType) {
			return nil, apierrors.NewConfigError(
				fmt.Sprintf("dependency provider %s: second result must be error", m.name), ErrInvalidProvider)
		}
		m.hasErr = true
	default:
		return nil, apierrors.NewConfigError(
			fmt.Sprintf("dependency provider %s must return (T) or (T, error)", m.name), ErrInvalidProvider)
	}

	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Depends is like New but panics on an invalid provider. It is meant for
// package-level declarations where a bad provider is a programming error.
func Depends(provider any, opts ...MarkerOption) *Marker {
	m, err := New(provider, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Ref returns a marker that resolves to whatever provider is registered
// under name in the scope's injector at request time.
func Ref(name string) *Marker {
	return &Marker{name: name, ref: name, useCache: true}
}

// Name returns the provider's name
func (m *Marker) Name() string {
	return m.name
}

// RefName returns the injector name of a Ref marker, or "" for direct markers
func (m *Marker) RefName() string {
	return m.ref
}

// Cached reports whether the marker's value is reused within a scope
func (m *Marker) Cached() bool {
	return m.useCache
}

// OutType returns the provider's value type, or nil for Ref markers
func (m *Marker) OutType() reflect.Type {
	if m.ref != "" {
		return nil
	}
	return m.fn.Type().Out(0)
}

func (m *Marker) String() string {
	if m.ref != "" {
		return fmt.Sprintf("Depends(%q)", m.ref)
	}
	return fmt.Sprintf("Depends(%s)", m.name)
}

func classify(t reflect.Type) (paramKind, bool) {
	switch {
	case t == contextType:
		return paramContext, true
	case t == requestType:
		return paramRequest, true
	case t == responseWriterType:
		return paramResponseWriter, true
	case t == scopeType:
		return paramScope, true
	case t.Kind() == reflect.Struct:
		return paramBound, true
	case t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct:
		return paramBound, true
	}
	return 0, false
}

// funcName returns the short symbol name of fn, e.g. "main.loadUser"
func funcName(fn reflect.Value) string {
	f := runtime.FuncForPC(fn.Pointer())
	if f == nil {
		return fn.Type().String()
	}
	name := f.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// requiredMarker is the type of Required
type requiredMarker struct{}

func (requiredMarker) String() string { return "Required" }

// Required is the default of a parameter that must be supplied by the caller
var Required any = requiredMarker{}

// IsRequired reports whether v is the Required sentinel
func IsRequired(v any) bool {
	_, ok := v.(requiredMarker)
	return ok
}
