// Package bind fills request input structs.
//
// Fields are populated, in order, from their default tag, the JSON body,
// and then the path, query and header tags:
//
//	type GetUserInput struct {
//		ID      uuid.UUID `path:"id" validate:"required"`
//		Verbose bool      `query:"verbose" default:"false"`
//		Token   string    `header:"X-Token"`
//		Name    string    `json:"name" validate:"omitempty,min=2"`
//	}
//
// The populated struct is validated with go-playground/validator.
package bind

import (
	"encoding"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "cbvkit/internal/errors"
)

// Source says where a field's value is read from
type Source string

const (
	SourcePath   Source = "path"
	SourceQuery  Source = "query"
	SourceHeader Source = "header"
	SourceBody   Source = "body"
)

// Field describes one bindable field of an input struct
type Field struct {
	Name     string
	Source   Source
	Index    []int
	Type     reflect.Type
	Default  string
	Required bool
}

var (
	validate = newValidator()

	fieldCache sync.Map // reflect.Type -> []Field

	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
	durationType        = reflect.TypeOf(time.Duration(0))
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report the name the client used rather than the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"path", "query", "header", "json"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return fld.Name
	})
	return v
}

// Validator returns the shared validator so callers can register custom rules
func Validator() *validator.Validate {
	return validate
}

// Fields returns the bindable fields of struct type t (or *t)
func Fields(t reflect.Type) []Field {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cached, ok := fieldCache.Load(t); ok {
		return cached.([]Field)
	}

	var fields []Field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		f := Field{
			Index:    sf.Index,
			Type:     sf.Type,
			Default:  sf.Tag.Get("default"),
			Required: hasRule(sf.Tag.Get("validate"), "required"),
		}

		switch {
		case sf.Tag.Get("path") != "":
			f.Source, f.Name = SourcePath, sf.Tag.Get("path")
		case sf.Tag.Get("query") != "":
			f.Source, f.Name = SourceQuery, sf.Tag.Get("query")
		case sf.Tag.Get("header") != "":
			f.Source, f.Name = SourceHeader, sf.Tag.Get("header")
		default:
			name := strings.SplitN(sf.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				continue
			}
			if name == "" {
				name = sf.Name
			}
			f.Source, f.Name = SourceBody, name
		}
		fields = append(fields, f)
	}

	fieldCache.Store(t, fields)
	return fields
}

// Request binds r into dst, which must be a non-nil pointer to a struct,
// and validates the result.
func Request(r *http.Request, dst any) error {
	rv, err := structPtr(dst)
	if err != nil {
		return err
	}

	fields := Fields(rv.Type())
	if err := applyDefaults(rv, fields); err != nil {
		return err
	}

	if hasBody(r) {
		if err := decodeBody(r, dst); err != nil {
			return err
		}
	}

	for _, f := range fields {
		var values []string
		switch f.Source {
		case SourcePath:
			if v := chi.URLParam(r, f.Name); v != "" {
				values = []string{v}
			}
		case SourceQuery:
			values = r.URL.Query()[f.Name]
		case SourceHeader:
			values = r.Header.Values(f.Name)
		default:
			continue
		}
		if len(values) == 0 {
			continue
		}
		if err := setValue(rv.FieldByIndex(f.Index), values); err != nil {
			return apierrors.InvalidParameterError(f.Name, fmt.Sprintf("%s: %v", f.Name, err))
		}
	}

	return Validate(dst)
}

// Defaults applies default tags to dst without reading a request
func Defaults(dst any) error {
	rv, err := structPtr(dst)
	if err != nil {
		return err
	}
	return applyDefaults(rv, Fields(rv.Type()))
}

// Validate runs struct validation and converts failures to a 422 API error
func Validate(dst any) error {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.InvalidRequestWithError(err)
	}

	out := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: FormatFieldError(fe),
		})
	}
	return apierrors.NewValidationErrors(out)
}

// FormatFieldError renders a validator failure as a sentence
func FormatFieldError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, param)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "uuid", "uuid4":
		return fmt.Sprintf("%s must be a valid UUID", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

func structPtr(dst any) (reflect.Value, error) {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, apierrors.NewBindingError(fmt.Sprintf("bind target must be a pointer to a struct, got %T", dst), nil)
	}
	return rv.Elem(), nil
}

func applyDefaults(rv reflect.Value, fields []Field) error {
	for _, f := range fields {
		if f.Default == "" {
			continue
		}
		if err := setValue(rv.FieldByIndex(f.Index), []string{f.Default}); err != nil {
			return apierrors.NewBindingError(fmt.Sprintf("invalid default for %s", f.Name), err)
		}
	}
	return nil
}

func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0
}

func decodeBody(r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
			return apierrors.NewWithDetails(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE",
				"Unsupported content type", map[string]any{
					"content_type": ct,
					"allowed":      []string{"application/json"},
				})
		}
	}

	if err := render.DecodeJSON(r.Body, dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apierrors.InvalidRequestWithError(err)
	}
	return nil
}

// setValue converts raw values into v. Slices take every value, scalars the first.
func setValue(v reflect.Value, raw []string) error {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return setValue(v.Elem(), raw)
	}

	if v.CanAddr() && v.Addr().Type().Implements(textUnmarshalerType) {
		return v.Addr().Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(raw[0]))
	}

	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		out := reflect.MakeSlice(v.Type(), 0, len(raw))
		for _, s := range raw {
			for _, part := range strings.Split(s, ",") {
				elem := reflect.New(v.Type().Elem()).Elem()
				if err := setValue(elem, []string{strings.TrimSpace(part)}); err != nil {
					return err
				}
				out = reflect.Append(out, elem)
			}
		}
		v.Set(out)
		return nil
	}

	s := raw[0]
	if v.Type() == durationType {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		v.SetInt(int64(d))
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.Slice:
		v.SetBytes([]byte(s))
	default:
		return fmt.Errorf("unsupported field type %s", v.Type())
	}
	return nil
}

func hasRule(rules, rule string) bool {
	for _, r := range strings.Split(rules, ",") {
		if r == rule {
			return true
		}
	}
	return false
}
