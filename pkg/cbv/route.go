package cbv

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "cbvkit/internal/errors"
	"cbvkit/pkg/depends"
)

// RouteKind distinguishes HTTP routes from WebSocket routes
type RouteKind int

const (
	KindHTTP RouteKind = iota
	KindWebSocket
)

func (k RouteKind) String() string {
	if k == KindWebSocket {
		return "websocket"
	}
	return "http"
}

// Response documents one possible response of a route
type Response struct {
	Description string
	Model       reflect.Type
}

// Route is one (path, method) binding with its metadata. Routes are created
// by a Router and served through it.
type Route struct {
	Path string
	// Method is the upper-case HTTP verb, empty for WebSocket routes
	Method string
	Kind   RouteKind
	Name   string

	// Endpoint is set for view routes. Handler is set for plain routes.
	Endpoint *Endpoint
	Handler  http.Handler

	Tags                []string
	Summary             string
	Description         string
	OperationID         string
	StatusCode          int
	ResponseDescription string
	Responses           map[int]Response
	ResponseModel       reflect.Type
	Dependencies        []*depends.Marker
	Deprecated          bool
	IncludeInSchema     bool
	ContentType         string

	router *Router
}

// MethodOption configures a route built by Router.Method or Router.AddRoute
type MethodOption func(*Route)

// MethodTags adds route-specific tags in front of the router's tags
func MethodTags(tags ...string) MethodOption {
	return func(r *Route) {
		r.Tags = append(r.Tags, tags...)
	}
}

// MethodSummary overrides the generated summary
func MethodSummary(summary string) MethodOption {
	return func(r *Route) {
		r.Summary = summary
	}
}

// StatusCode sets the success status code
func StatusCode(code int) MethodOption {
	return func(r *Route) {
		r.StatusCode = code
	}
}

// ResponseModel documents the result type with an example value
func ResponseModel(v any) MethodOption {
	return func(r *Route) {
		r.ResponseModel = reflect.TypeOf(v)
	}
}

// ResponseDescription documents the success response
func ResponseDescription(desc string) MethodOption {
	return func(r *Route) {
		r.ResponseDescription = desc
	}
}

// Responses documents additional responses
func Responses(responses map[int]Response) MethodOption {
	return func(r *Route) {
		for code, resp := range responses {
			r.Responses[code] = resp
		}
	}
}

// Dependencies are resolved before the handler runs; their values are discarded
func Dependencies(markers ...*depends.Marker) MethodOption {
	return func(r *Route) {
		r.Dependencies = append(r.Dependencies, markers...)
	}
}

// Deprecated marks the route as deprecated
func Deprecated() MethodOption {
	return func(r *Route) {
		r.Deprecated = true
	}
}

// IncludeInSchema controls whether the route is listed in generated docs
func IncludeInSchema(include bool) MethodOption {
	return func(r *Route) {
		r.IncludeInSchema = include
	}
}

// ContentType sets the response content type for string and []byte results
func ContentType(ct string) MethodOption {
	return func(r *Route) {
		r.ContentType = ct
	}
}

// RouteName names the route
func RouteName(name string) MethodOption {
	return func(r *Route) {
		r.Name = name
	}
}

// Linked reports whether the route's view parameter has a constructor default
func (rt *Route) Linked() bool {
	if rt.Endpoint == nil {
		return rt.Handler != nil
	}
	_, ok := rt.Endpoint.Self().Marker()
	return ok
}

// ServeHTTP dispatches the request to the route's handler
func (rt *Route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	router := rt.router

	ctx, span := router.tracer.Start(r.Context(), rt.spanName(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("cbv.operation_id", rt.OperationID),
			attribute.String("cbv.kind", rt.Kind.String()),
			attribute.String("http.route", rt.Path),
		),
	)
	defer span.End()
	r = r.WithContext(ctx)

	start := time.Now()

	if rt.Kind == KindWebSocket {
		// The writer must stay unwrapped so the upgrader can hijack it.
		status := rt.serveWebSocket(w, r, span)
		router.metrics.recordRequest(ctx, rt, status, time.Since(start))
		return
	}

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	rt.serveHTTP(ww, r, span)

	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	router.metrics.recordRequest(ctx, rt, status, time.Since(start))
}

func (rt *Route) serveHTTP(w http.ResponseWriter, r *http.Request, span trace.Span) {
	router := rt.router

	if rt.Endpoint == nil {
		rt.Handler.ServeHTTP(w, r)
		return
	}

	marker, ok := rt.Endpoint.Self().Marker()
	if !ok {
		router.fail(w, r, span, apierrors.ErrViewNotBound)
		return
	}

	scope := router.injector.Scope(w, r)
	for _, dep := range rt.Dependencies {
		if _, err := scope.Resolve(dep); err != nil {
			router.fail(w, r, span, err)
			return
		}
	}

	view, err := scope.ResolveValue(marker)
	if err != nil {
		router.fail(w, r, span, err)
		return
	}

	out, hasOut, err := rt.Endpoint.invoke(r.Context(), view, w, r)
	if err != nil {
		router.fail(w, r, span, err)
		return
	}
	if rt.Endpoint.shape == shapeHTTP {
		return
	}

	rt.respond(w, r, out, hasOut)
}

// respond renders a handler result
func (rt *Route) respond(w http.ResponseWriter, r *http.Request, out any, hasOut bool) {
	status := rt.StatusCode
	if !hasOut || status == http.StatusNoContent {
		if status == http.StatusOK || status == http.StatusNoContent {
			render.NoContent(w, r)
			return
		}
		w.WriteHeader(status)
		return
	}

	contentType := rt.ContentType
	if contentType == "" {
		contentType = rt.router.contentType
	}

	if !strings.Contains(contentType, "json") {
		var body []byte
		switch v := out.(type) {
		case string:
			body = []byte(v)
		case []byte:
			body = v
		}
		if body != nil {
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(status)
			_, _ = w.Write(body)
			return
		}
	}

	render.Status(r, status)
	if renderer, ok := out.(render.Renderer); ok {
		if err := render.Render(w, r, renderer); err != nil {
			rt.router.errorHandler.HandleError(w, r, err)
		}
		return
	}
	render.JSON(w, r, out)
}

func (rt *Route) spanName() string {
	if rt.OperationID != "" {
		return rt.OperationID
	}
	return rt.Method + " " + rt.Path
}
