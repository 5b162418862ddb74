package cbv

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apierrors "cbvkit/internal/errors"
	"cbvkit/pkg/depends"
)

// Router collects view routes under a common path prefix and group
type Router struct {
	Path        string
	Group       string
	Tags        []string
	Summary     string
	Description string

	injector      *depends.Injector
	logger        *slog.Logger
	errorHandler  *apierrors.ErrorHandler
	middlewares   []func(http.Handler) http.Handler
	redirectSlash bool
	contentType   string
	metrics       *Metrics
	metricsErr    error
	tracer        trace.Tracer
	upgrader      *websocket.Upgrader
	wsReadLimit   int64
	wsWriteWait   time.Duration

	mu     sync.RWMutex
	routes []*Route
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithTags replaces the default router tags, which are [group]
func WithTags(tags ...string) RouterOption {
	return func(r *Router) {
		r.Tags = append([]string(nil), tags...)
	}
}

// WithDescription sets the router description
func WithDescription(desc string) RouterOption {
	return func(r *Router) {
		r.Description = desc
	}
}

// WithSummary sets the summary used by routes that do not set their own
func WithSummary(summary string) RouterOption {
	return func(r *Router) {
		r.Summary = summary
	}
}

// WithInjector sets the injector used to resolve dependencies
func WithInjector(injector *depends.Injector) RouterOption {
	return func(r *Router) {
		r.injector = injector
	}
}

// WithLogger sets the router logger
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithErrorHandler sets the handler that renders failed requests
func WithErrorHandler(handler *apierrors.ErrorHandler) RouterOption {
	return func(r *Router) {
		r.errorHandler = handler
	}
}

// WithMiddleware adds middlewares applied to every route of the router
func WithMiddleware(mws ...func(http.Handler) http.Handler) RouterOption {
	return func(r *Router) {
		r.middlewares = append(r.middlewares, mws...)
	}
}

// WithRedirectSlashes toggles redirecting trailing-slash paths. It only
// affects the mux built by Handler; when the router is mounted onto a parent
// with Mount the parent owns path matching and must install
// middleware.RedirectSlashes at its root itself.
func WithRedirectSlashes(enabled bool) RouterOption {
	return func(r *Router) {
		r.redirectSlash = enabled
	}
}

// WithDefaultContentType sets the content type used for string and []byte results
func WithDefaultContentType(ct string) RouterOption {
	return func(r *Router) {
		r.contentType = ct
	}
}

// WithMetrics records route metrics on meter. If the instruments cannot be
// created the router logs the error and keeps its default instruments.
func WithMetrics(meter metric.Meter) RouterOption {
	return func(r *Router) {
		m, err := NewMetrics(meter)
		if err != nil {
			r.metricsErr = err
			return
		}
		r.metrics = m
		r.metricsErr = nil
	}
}

// WithTracer sets the tracer used for route spans
func WithTracer(tracer trace.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithUpgrader sets the upgrader used by WebSocket routes
func WithUpgrader(upgrader *websocket.Upgrader) RouterOption {
	return func(r *Router) {
		r.upgrader = upgrader
	}
}

// WithWebSocketLimits sets the maximum inbound message size and the write
// deadline used by WebSocket views. Zero disables either limit.
func WithWebSocketLimits(readLimit int64, writeWait time.Duration) RouterOption {
	return func(r *Router) {
		r.wsReadLimit = readLimit
		r.wsWriteWait = writeWait
	}
}

// NewRouter creates a router whose view methods are served at path.
// group names the router in generated summaries and operation ids.
func NewRouter(path, group string, opts ...RouterOption) *Router {
	r := &Router{
		Path:          path,
		Group:         group,
		Tags:          []string{group},
		redirectSlash: true,
		contentType:   "application/json",
		tracer:        otel.Tracer(instrumentationName),
		upgrader:      &websocket.Upgrader{},
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slog.String("component", "cbv_router"), slog.String("group", group))
	if r.errorHandler == nil {
		r.errorHandler = apierrors.NewErrorHandler(r.logger, false)
	}
	if r.metricsErr != nil {
		r.logger.Error("route metrics unavailable, using defaults", slog.String("error", r.metricsErr.Error()))
	}
	if r.metrics == nil {
		m, err := NewMetrics(otel.Meter(instrumentationName))
		if err != nil {
			r.logger.Error("default route metrics unavailable", slog.String("error", err.Error()))
		}
		r.metrics = m
	}
	return r
}

// Method registers handler at the router path. The HTTP method is taken
// from the handler's name, so a method expression such as (*UserView).Get
// is registered for GET. The handler itself is left untouched.
func (r *Router) Method(handler any, opts ...MethodOption) error {
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return configError(ErrMissingPath, "router %s has invalid path %q", r.Group, r.Path)
	}

	ep, err := parseEndpoint(handler)
	if err != nil {
		return err
	}

	route := r.newRoute(r.Path, ep.Method, opts)
	route.Endpoint = ep
	if route.Name == "" {
		route.Name = ep.Name
	}

	r.add(route)
	r.logger.Debug("route registered",
		slog.String("method", route.Method),
		slog.String("path", route.Path),
		slog.String("handler", ep.Name),
		slog.String("operation_id", route.OperationID),
	)
	return nil
}

// MustMethod is like Method but panics on error
func (r *Router) MustMethod(handler any, opts ...MethodOption) {
	if err := r.Method(handler, opts...); err != nil {
		panic(err)
	}
}

// AddRoute registers a plain handler that does not belong to a view.
// path is absolute, like the router path.
func (r *Router) AddRoute(method, path string, h http.Handler, opts ...MethodOption) error {
	method = strings.ToLower(method)
	if !isHTTPMethod(method) {
		return configError(ErrInvalidMethodName, "unknown HTTP method %q", method)
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return configError(ErrMissingPath, "invalid route path %q", path)
	}
	if h == nil {
		return configError(ErrInvalidHandler, "nil handler for %s %s", method, path)
	}

	route := r.newRoute(path, method, opts)
	route.Handler = h
	r.add(route)
	return nil
}

func (r *Router) newRoute(path, method string, opts []MethodOption) *Route {
	route := &Route{
		Path:                path,
		Method:              strings.ToUpper(method),
		Kind:                KindHTTP,
		StatusCode:          http.StatusOK,
		ResponseDescription: "Successful Response",
		Description:         r.Description,
		Responses:           make(map[int]Response),
		IncludeInSchema:     true,
		router:              r,
	}
	for _, opt := range opts {
		opt(route)
	}

	// A fresh slice per route so appending never aliases the router's tags.
	tags := make([]string, 0, len(route.Tags)+len(r.Tags))
	tags = append(tags, route.Tags...)
	route.Tags = append(tags, r.Tags...)

	if route.Summary == "" {
		route.Summary = r.Summary
	}
	if route.Summary == "" {
		route.Summary = r.Group + " _ " + method
	}
	if route.OperationID == "" {
		route.OperationID = operationID(r.Group, path, method)
	}
	return route
}

// operationID renders "{group}_{path without leading slash}_{method}"
func operationID(group, path, method string) string {
	return group + "_" + strings.TrimPrefix(path, "/") + "_" + method
}

func (r *Router) add(route *Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

// Routes returns a snapshot of the registered routes
func (r *Router) Routes() []*Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	routes := make([]*Route, len(r.routes))
	copy(routes, r.routes)
	return routes
}

// replaceRoutes swaps the route list, used by API to drop foreign routes
func (r *Router) replaceRoutes(routes []*Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = routes
}

// Injector returns the router's injector, which may be nil
func (r *Router) Injector() *depends.Injector {
	return r.injector
}

// Logger returns the router logger
func (r *Router) Logger() *slog.Logger {
	return r.logger
}

// Handler builds a chi router serving every registered route
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	if r.redirectSlash {
		mux.Use(middleware.RedirectSlashes)
	}
	mux.NotFound(r.errorHandler.NotFound)
	mux.MethodNotAllowed(r.errorHandler.MethodNotAllowed)
	r.Mount(mux)
	return mux
}

// Mount registers the routes on parent. HTTP routes are registered under
// their method and path, WebSocket routes under GET. The redirect-slashes
// setting is not applied here since group middleware only runs for matched
// routes.
func (r *Router) Mount(parent chi.Router) {
	parent.Group(func(g chi.Router) {
		g.Use(r.middlewares...)
		for _, route := range r.Routes() {
			method := route.Method
			if route.Kind == KindWebSocket {
				method = http.MethodGet
			}
			g.Method(method, route.Path, route)
		}
	})
}

func (r *Router) fail(w http.ResponseWriter, req *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.errorHandler.HandleError(w, req, err)
}
