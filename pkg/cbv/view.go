package cbv

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"cbvkit/pkg/depends"
)

// Args carries the init parameter values passed to Init
type Args map[string]any

// ArgValue returns args[name] as a T. The second result is false when the
// argument is absent or has another type.
func ArgValue[T any](args Args, name string) (T, bool) {
	v, ok := args[name].(T)
	return v, ok
}

// Initializer is implemented by views that need work done after their
// fields are injected. Init runs last in the constructor.
type Initializer interface {
	Init(ctx context.Context, args Args) error
}

var (
	baseType  = reflect.TypeOf((*WebSocketBase)(nil)).Elem()
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	scopeType = reflect.TypeOf((*depends.Scope)(nil))
)

// ClassOption configures the constructor of a view class
type ClassOption func(*classConfig)

type classConfig struct {
	initParams []Param
}

// WithInitParam declares a parameter of the view's Init method. Init
// parameters come before the field parameters and may be passed by
// position. def follows Param.Default conventions.
func WithInitParam(name string, def any) ClassOption {
	return func(c *classConfig) {
		c.initParams = append(c.initParams, Param{Name: name, Kind: PositionalOrKeyword, Default: def})
	}
}

// Class is the rewritten constructor of a view type
type Class struct {
	Type reflect.Type
	Name string

	proto       reflect.Value
	signature   Signature
	initCount   int
	classVars   [][]int
	rewritten   bool
	constructor *depends.Marker
}

var (
	registryMu sync.Mutex
	registry   = make(map[reflect.Type]*Class)
)

// RewriteConstructor builds the constructor signature of the view type
// behind proto and records it. Rewriting a type that was already rewritten
// returns the existing Class unchanged; opts are ignored in that case.
func RewriteConstructor(proto any, opts ...ClassOption) (*Class, error) {
	pv := reflect.ValueOf(proto)
	if !pv.IsValid() || pv.Kind() != reflect.Pointer || pv.IsNil() || pv.Elem().Kind() != reflect.Struct {
		return nil, configError(ErrInvalidView, "cannot rewrite constructor of %T", proto)
	}
	t := pv.Elem().Type()

	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[t]; ok && c.rewritten {
		return c, nil
	}

	cfg := &classConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Class{
		Type:  t,
		Name:  t.Name(),
		proto: pv,
	}

	seen := make(map[string]bool)
	for _, p := range cfg.initParams {
		if seen[p.Name] {
			return nil, configError(ErrDuplicateParam, "%s: init parameter %q declared twice", c.Name, p.Name)
		}
		seen[p.Name] = true
		c.signature.Params = append(c.signature.Params, p)
	}
	c.initCount = len(cfg.initParams)

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)

		if sf.Anonymous && sf.Type == baseType {
			// Encoding is a class-level setting of the embedded base.
			enc, _ := baseType.FieldByName("Encoding")
			c.classVars = append(c.classVars, append(append([]int(nil), sf.Index...), enc.Index...))
			continue
		}

		tag, hasTag := sf.Tag.Lookup("cbv")
		if !hasTag {
			continue
		}
		if !sf.IsExported() {
			return nil, configError(ErrInvalidTag, "%s.%s: cbv tag on unexported field", c.Name, sf.Name)
		}

		spec, err := parseTag(tag)
		if err != nil {
			return nil, configError(ErrInvalidTag, "%s.%s: %v", c.Name, sf.Name, err)
		}

		if spec.classVar {
			c.classVars = append(c.classVars, sf.Index)
			continue
		}

		p := Param{
			Name:  sf.Name,
			Kind:  KeywordOnly,
			Type:  sf.Type,
			index: sf.Index,
		}
		if spec.name != "" {
			p.Name = spec.name
		}

		switch {
		case spec.provider != "":
			p.Default = depends.Ref(spec.provider)
		case spec.required:
			p.Default = depends.Required
		default:
			fv := pv.Elem().Field(i)
			if fv.Kind() == reflect.Interface && fv.IsNil() {
				p.Default = Nil
			} else {
				p.Default = fv.Interface()
			}
		}

		if seen[p.Name] {
			return nil, configError(ErrDuplicateParam, "%s: parameter %q declared twice", c.Name, p.Name)
		}
		seen[p.Name] = true
		c.signature.Params = append(c.signature.Params, p)
	}

	c.constructor = depends.Depends(c.providerFunc(), depends.WithName(c.Name))
	c.rewritten = true
	registry[t] = c
	return c, nil
}

// LookupClass returns the rewritten class for view type t
func LookupClass(t reflect.Type) (*Class, bool) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := registry[t]
	return c, ok
}

// Rewritten reports whether the constructor rewrite has been applied
func (c *Class) Rewritten() bool {
	return c.rewritten
}

// Signature returns a copy of the constructor signature
func (c *Class) Signature() Signature {
	return c.signature.clone()
}

// Constructor returns the dependency marker that builds one instance of
// the view per request scope.
func (c *Class) Constructor() *depends.Marker {
	return c.constructor
}

// New builds an instance from keyword arguments. Missing arguments are
// resolved from their defaults through scope, which may be nil when no
// parameter needs injection.
func (c *Class) New(scope *depends.Scope, kwargs map[string]any) (any, error) {
	return c.Call(scope, nil, kwargs)
}

// Call is New with positional arguments for the init parameters
func (c *Class) Call(scope *depends.Scope, args []any, kwargs map[string]any) (any, error) {
	if scope == nil {
		scope = (*depends.Injector)(nil).Background(context.Background())
	}
	if len(args) > c.initCount {
		return nil, constructError(ErrUnexpectedArgument, "%s takes %d positional arguments but %d were given", c.Name, c.initCount, len(args))
	}

	kw := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		kw[k] = v
	}

	inst := reflect.New(c.Type)
	elem := inst.Elem()

	for _, idx := range c.classVars {
		elem.FieldByIndex(idx).Set(c.proto.Elem().FieldByIndex(idx))
	}

	initArgs := make(Args, c.initCount)
	for i, p := range c.signature.Params {
		var (
			v       reflect.Value
			present bool
		)

		if i < len(args) {
			if _, dup := kw[p.Name]; dup {
				return nil, constructError(ErrUnexpectedArgument, "%s got multiple values for argument %q", c.Name, p.Name)
			}
			v, present = valueOf(args[i], p.Type), true
		} else if raw, ok := kw[p.Name]; ok {
			delete(kw, p.Name)
			v, present = valueOf(raw, p.Type), true
		}

		if !present {
			var err error
			v, err = c.resolveDefault(scope, p)
			if err != nil {
				return nil, err
			}
		}

		if p.index == nil {
			if v.IsValid() {
				initArgs[p.Name] = v.Interface()
			} else {
				initArgs[p.Name] = nil
			}
			continue
		}

		if err := assign(elem.FieldByIndex(p.index), v); err != nil {
			return nil, constructError(ErrArgumentType, "%s.%s: %v", c.Name, p.Name, err)
		}
	}

	if len(kw) > 0 {
		names := make([]string, 0, len(kw))
		for k := range kw {
			names = append(names, k)
		}
		return nil, constructError(ErrUnexpectedArgument, "%s got unexpected keyword arguments %s", c.Name, strings.Join(names, ", "))
	}

	if initializer, ok := inst.Interface().(Initializer); ok {
		if err := initializer.Init(scope.Context(), initArgs); err != nil {
			return nil, fmt.Errorf("%s.Init: %w", c.Name, err)
		}
	}

	return inst.Interface(), nil
}

func (c *Class) resolveDefault(scope *depends.Scope, p Param) (reflect.Value, error) {
	switch def := p.Default.(type) {
	case *depends.Marker:
		return scope.ResolveValue(def)
	case nilDefault:
		if p.Type == nil {
			return reflect.Value{}, nil
		}
		return reflect.Zero(p.Type), nil
	case nil:
		return reflect.Value{}, constructError(ErrMissingArgument, "%s: missing argument %q", c.Name, p.Name)
	default:
		if depends.IsRequired(def) {
			return reflect.Value{}, constructError(ErrMissingArgument, "%s: missing required argument %q", c.Name, p.Name)
		}
		return reflect.ValueOf(def), nil
	}
}

// providerFunc builds func(*depends.Scope) (*V, error) so the constructor
// marker reports the view type as its result.
func (c *Class) providerFunc() any {
	ptrType := reflect.PointerTo(c.Type)
	ft := reflect.FuncOf([]reflect.Type{scopeType}, []reflect.Type{ptrType, errorType}, false)

	fn := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		scope, _ := in[0].Interface().(*depends.Scope)
		v, err := c.New(scope, nil)
		if err != nil {
			return []reflect.Value{reflect.Zero(ptrType), reflect.ValueOf(&err).Elem()}
		}
		return []reflect.Value{reflect.ValueOf(v), reflect.Zero(errorType)}
	})
	return fn.Interface()
}

// valueOf wraps raw, keeping a typed zero for untyped nil
func valueOf(raw any, t reflect.Type) reflect.Value {
	if raw == nil {
		if t != nil {
			return reflect.Zero(t)
		}
		return reflect.Value{}
	}
	return reflect.ValueOf(raw)
}

func assign(field reflect.Value, v reflect.Value) error {
	if !v.IsValid() {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if v.Kind() == reflect.Interface && v.IsNil() {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	if !v.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("cannot use %s as %s", v.Type(), field.Type())
	}
	field.Set(v)
	return nil
}

type tagSpec struct {
	classVar bool
	param    bool
	required bool
	provider string
	name     string
}

// parseTag reads "-", "param", "required", "depends=<name>" and an
// optional "name=<param>" element.
func parseTag(tag string) (tagSpec, error) {
	var spec tagSpec
	if tag == "-" {
		spec.classVar = true
		return spec, nil
	}

	kinds := 0
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		key, value, hasValue := strings.Cut(part, "=")
		switch {
		case key == "param" && !hasValue:
			spec.param = true
			kinds++
		case key == "required" && !hasValue:
			spec.required = true
			kinds++
		case key == "depends" && value != "":
			spec.provider = value
			kinds++
		case key == "name" && value != "":
			spec.name = value
		default:
			return spec, fmt.Errorf("unknown element %q in tag %q", part, tag)
		}
	}

	if kinds != 1 {
		return spec, fmt.Errorf("tag %q must contain exactly one of param, required, depends=", tag)
	}
	return spec, nil
}
