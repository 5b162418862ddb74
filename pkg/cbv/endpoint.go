package cbv

import (
	"context"
	"net/http"
	"reflect"
	"runtime"
	"strings"
	"sync"

	"cbvkit/pkg/bind"
	"cbvkit/pkg/depends"
)

// HTTPMethods lists the handler names accepted by Router.Method
var HTTPMethods = []string{"get", "post", "put", "delete", "options", "head", "patch", "trace"}

var (
	contextType        = reflect.TypeOf((*context.Context)(nil)).Elem()
	requestType        = reflect.TypeOf((*http.Request)(nil))
	responseWriterType = reflect.TypeOf((*http.ResponseWriter)(nil)).Elem()
)

type handlerShape int

const (
	// func(*V, http.ResponseWriter, *http.Request)
	shapeHTTP handlerShape = iota
	// func(*V, context.Context) (Out, error) or error
	shapeContext
	// func(*V, context.Context, In) (Out, error) or error
	shapeInput
)

// Endpoint is a handler registered on a router together with its signature
type Endpoint struct {
	// Name is the handler's symbol, e.g. "views.(*UserView).Get"
	Name string
	// Method is the lower-case HTTP method taken from the symbol
	Method string
	// View is the struct type of the receiver
	View reflect.Type
	// In is the bound input type, nil unless the handler takes one
	In reflect.Type
	// Out is the result type, nil for error-only and http handlers
	Out reflect.Type
	// IsMethod reports whether the handler is a method of View
	IsMethod bool

	fn    reflect.Value
	shape handlerShape

	mu        sync.RWMutex
	signature Signature
}

// parseEndpoint validates handler and derives its method name and signature
func parseEndpoint(handler any) (*Endpoint, error) {
	fn := reflect.ValueOf(handler)
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, configError(ErrInvalidHandler, "handler must be a function, got %T", handler)
	}

	name := symbolName(fn)
	method := strings.ToLower(name[strings.LastIndex(name, ".")+1:])
	if !isHTTPMethod(method) {
		return nil, configError(ErrInvalidMethodName,
			"handler %s must be named after one of the HTTP methods %s", name, strings.Join(HTTPMethods, ", "))
	}

	ft := fn.Type()
	if ft.NumIn() == 0 || ft.In(0).Kind() != reflect.Pointer || ft.In(0).Elem().Kind() != reflect.Struct {
		return nil, configError(ErrInvalidHandler, "handler %s: first parameter must be a pointer to the view struct", name)
	}

	view := ft.In(0).Elem()
	ep := &Endpoint{
		Name:   name,
		Method: method,
		View:   view,
		fn:     fn,
	}

	if err := ep.classify(ft); err != nil {
		return nil, err
	}

	goMethod := name[strings.LastIndex(name, ".")+1:]
	ep.IsMethod = view.Name() != "" &&
		(strings.HasSuffix(name, ".(*"+view.Name()+")."+goMethod) || strings.HasSuffix(name, "."+view.Name()+"."+goMethod))

	ep.signature = ep.buildSignature()
	return ep, nil
}

func (e *Endpoint) classify(ft reflect.Type) error {
	switch {
	case ft.NumIn() == 3 && ft.In(1) == responseWriterType && ft.In(2) == requestType:
		if ft.NumOut() != 0 {
			return configError(ErrInvalidHandler, "handler %s: http handlers must not return values", e.Name)
		}
		e.shape = shapeHTTP
		return nil
	case ft.NumIn() == 2 && ft.In(1) == contextType:
		e.shape = shapeContext
	case ft.NumIn() == 3 && ft.In(1) == contextType && isStructOrPtr(ft.In(2)):
		e.shape = shapeInput
		e.In = ft.In(2)
	default:
		return configError(ErrInvalidHandler,
			"handler %s: expected (*V, http.ResponseWriter, *http.Request), (*V, context.Context) or (*V, context.Context, In)", e.Name)
	}

	switch {
	case ft.NumOut() == 1 && ft.Out(0) == errorType:
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		e.Out = ft.Out(0)
	default:
		return configError(ErrInvalidHandler, "handler %s must return error or (T, error)", e.Name)
	}
	return nil
}

func (e *Endpoint) buildSignature() Signature {
	sig := Signature{Params: []Param{{
		Name: "self",
		Kind: PositionalOrKeyword,
		Type: reflect.PointerTo(e.View),
	}}}

	if e.In == nil {
		return sig
	}

	for _, f := range bind.Fields(e.In) {
		p := Param{Name: f.Name, Kind: PositionalOrKeyword, Type: f.Type}
		switch {
		case f.Default != "":
			p.Default = f.Default
		case f.Required:
			p.Default = depends.Required
		}
		sig.Params = append(sig.Params, p)
	}
	return sig
}

// Signature returns a copy of the endpoint signature
func (e *Endpoint) Signature() Signature {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signature.clone()
}

// Self returns the first parameter, the view instance
func (e *Endpoint) Self() Param {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.signature.Params[0]
}

// link makes the view constructor the default of self and every other
// parameter keyword-only.
func (e *Endpoint) link(constructor *depends.Marker) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.signature.Params[0].Default = constructor
	for i := 1; i < len(e.signature.Params); i++ {
		e.signature.Params[i].Kind = KeywordOnly
	}
}

// invoke calls the handler. hasOut is false for handlers without a result value.
func (e *Endpoint) invoke(ctx context.Context, view reflect.Value, w http.ResponseWriter, r *http.Request) (out any, hasOut bool, err error) {
	var args []reflect.Value

	switch e.shape {
	case shapeHTTP:
		e.fn.Call([]reflect.Value{view, reflect.ValueOf(w), reflect.ValueOf(r)})
		return nil, false, nil
	case shapeContext:
		args = []reflect.Value{view, reflect.ValueOf(&ctx).Elem()}
	case shapeInput:
		in, err := bindInput(e.In, r)
		if err != nil {
			return nil, false, err
		}
		args = []reflect.Value{view, reflect.ValueOf(&ctx).Elem(), in}
	}

	results := e.fn.Call(args)
	errVal := results[len(results)-1]
	if !errVal.IsNil() {
		return nil, false, errVal.Interface().(error)
	}
	if e.Out == nil {
		return nil, false, nil
	}
	return results[0].Interface(), true, nil
}

func bindInput(t reflect.Type, r *http.Request) (reflect.Value, error) {
	isPtr := t.Kind() == reflect.Pointer
	elem := t
	if isPtr {
		elem = t.Elem()
	}
	ptr := reflect.New(elem)
	if err := bind.Request(r, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	if isPtr {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

func isStructOrPtr(t reflect.Type) bool {
	return t.Kind() == reflect.Struct || (t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct)
}

func isHTTPMethod(name string) bool {
	for _, m := range HTTPMethods {
		if m == name {
			return true
		}
	}
	return false
}

// symbolName returns the function's symbol without its import path
// directory, e.g. "views.(*UserView).Get".
func symbolName(fn reflect.Value) string {
	name := fn.Type().String()
	if f := runtime.FuncForPC(fn.Pointer()); f != nil {
		name = f.Name()
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
