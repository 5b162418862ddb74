package cbv

import (
	"fmt"
	"reflect"
	"strings"

	"cbvkit/pkg/depends"
)

// ParamKind mirrors how a parameter may be supplied by a caller
type ParamKind int

const (
	// PositionalOrKeyword parameters may be passed by position or by name
	PositionalOrKeyword ParamKind = iota
	// KeywordOnly parameters are resolved by name only
	KeywordOnly
)

func (k ParamKind) String() string {
	if k == KeywordOnly {
		return "keyword-only"
	}
	return "positional-or-keyword"
}

// Param is one parameter of a constructor or endpoint signature.
//
// Default is nil when the parameter has no default, depends.Required when
// the caller must supply it, a *depends.Marker when it is injected, Nil when
// the default is a nil interface, or a literal value otherwise.
type Param struct {
	Name    string
	Kind    ParamKind
	Type    reflect.Type
	Default any

	index []int
}

type nilDefault struct{}

func (nilDefault) String() string { return "nil" }

// Nil is the default of a parameter whose default value is a nil interface
var Nil any = nilDefault{}

// HasDefault reports whether the parameter can be omitted by the caller
func (p Param) HasDefault() bool {
	return p.Default != nil && !depends.IsRequired(p.Default)
}

// Marker returns the dependency marker default, if any
func (p Param) Marker() (*depends.Marker, bool) {
	m, ok := p.Default.(*depends.Marker)
	return m, ok
}

func (p Param) String() string {
	var b strings.Builder
	b.WriteString(p.Name)
	if p.Type != nil {
		b.WriteString(" ")
		b.WriteString(p.Type.String())
	}
	if p.Default != nil {
		fmt.Fprintf(&b, " = %v", p.Default)
	}
	return b.String()
}

// Signature is an ordered parameter list
type Signature struct {
	Params []Param
}

// Param looks a parameter up by name
func (s Signature) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Names returns the parameter names in order
func (s Signature) Names() []string {
	names := make([]string, len(s.Params))
	for i, p := range s.Params {
		names[i] = p.Name
	}
	return names
}

// String renders the signature with a "*" separating keyword-only parameters
func (s Signature) String() string {
	parts := make([]string, 0, len(s.Params)+1)
	starred := false
	for _, p := range s.Params {
		if p.Kind == KeywordOnly && !starred {
			parts = append(parts, "*")
			starred = true
		}
		parts = append(parts, p.String())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (s Signature) clone() Signature {
	params := make([]Param, len(s.Params))
	copy(params, s.Params)
	return Signature{Params: params}
}
