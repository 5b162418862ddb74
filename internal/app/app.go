package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"cbvkit/internal/config"
	apierrors "cbvkit/internal/errors"
	"cbvkit/internal/infrastructure"
	customMiddleware "cbvkit/internal/middleware"
	"cbvkit/internal/views"
	"cbvkit/pkg/cbv"
	"cbvkit/pkg/contracts"
	"cbvkit/pkg/depends"
)

const AppName = "cbv-server"

// Application represents the main application container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	ErrorHandler  *apierrors.ErrorHandler
	Injector      *depends.Injector
	Users         *views.UserStore

	// Routers are the mounted view routers, HTTP first
	Routers []*cbv.Router
}

// NewApplication wires the application from cfg. A nil cfg is loaded from
// the environment and the optional config file.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return newApplication(cfg, logger)
}

func newApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version))

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		ErrorHandler:  apierrors.NewErrorHandler(logger, cfg.Logging.Development),
		Users:         views.NewUserStore(),
	}
	app.Injector = views.NewInjector(app.Users, logger)

	if err := app.setupRouter(); err != nil {
		return nil, fmt.Errorf("failed to set up routes: %w", err)
	}
	app.createServer()

	return app, nil
}

// routerOptions are shared by every view router
func (a *Application) routerOptions() []cbv.RouterOption {
	return []cbv.RouterOption{
		cbv.WithInjector(a.Injector),
		cbv.WithLogger(a.Logger),
		cbv.WithErrorHandler(a.ErrorHandler),
		cbv.WithMetrics(a.OTelProviders.Meter),
		cbv.WithTracer(a.OTelProviders.Tracer),
		cbv.WithUpgrader(a.newUpgrader()),
		cbv.WithWebSocketLimits(a.Config.WebSocket.MaxMessageSize, a.Config.WebSocket.WriteWait),
	}
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	httpRouters, wsRouters, err := views.Routers(a.routerOptions()...)
	if err != nil {
		return err
	}
	a.Routers = append(append([]*cbv.Router(nil), httpRouters...), wsRouters...)

	r := chi.NewRouter()

	// Middleware that does not hold the response or bound the request
	// duration, so WebSocket upgrades pass through it.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(customMiddleware.Recoverer(a.ErrorHandler))
	// Mounted cbv routers cannot redirect trailing slashes themselves.
	r.Use(chimiddleware.RedirectSlashes)

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	for _, router := range wsRouters {
		router.Mount(r)
	}

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → Recoverer → OTel → Logger → Timeout
		otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
		if err != nil {
			a.Logger.Error("Failed to create OpenTelemetry middleware", slog.String("error", err.Error()))
		} else {
			r.Use(otelMiddleware.Handler)
		}

		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins:   a.Config.Security.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
			Logger:           a.Logger,
		}))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
				a.ErrorHandler,
			).Handler)
		}

		r.Get("/healthz", a.handleHealth)
		r.Get("/version", a.handleVersion)
		r.Get("/routes", a.handleRoutes)

		for _, router := range httpRouters {
			router.Mount(r)
		}
	})

	// Prometheus metrics endpoint, outside the middleware group
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
	return nil
}

// newUpgrader builds the WebSocket upgrader from configuration
func (a *Application) newUpgrader() *websocket.Upgrader {
	wsCfg := a.Config.WebSocket
	allowed := a.Config.Security.AllowedOrigins

	return &websocket.Upgrader{
		ReadBufferSize:  wsCfg.ReadBufferSize,
		WriteBufferSize: wsCfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Allow if no origin (non-browser client or same-origin request)
			if origin == "" || !wsCfg.CheckOrigin {
				return true
			}
			if customMiddleware.OriginAllowed(allowed, origin) {
				return true
			}
			a.Logger.WarnContext(r.Context(), "WebSocket origin check - origin not allowed",
				slog.String("origin", origin),
				slog.Any("allowed_origins", allowed))
			return false
		},
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			a.Logger.ErrorContext(r.Context(), "WebSocket upgrade error",
				slog.Int("status", status),
				slog.String("reason", reason.Error()),
				slog.String("origin", r.Header.Get("Origin")))
			a.ErrorHandler.HandleError(w, r,
				apierrors.NewWithDetails(status, apierrors.ErrWebSocketUpgrade.ErrorCode, reason.Error(), nil))
		},
	}
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           a.Config.Addr(),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Routes  int    `json:"routes"`
	Users   int    `json:"users"`
}

func (a *Application) handleHealth(w http.ResponseWriter, r *http.Request) {
	routes := 0
	for _, router := range a.Routers {
		routes += len(router.Routes())
	}
	render.JSON(w, r, HealthResponse{
		Status:  "ok",
		Version: contracts.Version,
		Routes:  routes,
		Users:   a.Users.Count(),
	})
}

func (a *Application) handleVersion(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}

// RouteInfo describes one registered view route
type RouteInfo struct {
	OperationID string   `json:"operation_id"`
	Method      string   `json:"method"`
	Path        string   `json:"path"`
	Kind        string   `json:"kind"`
	Summary     string   `json:"summary"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	StatusCode  int      `json:"status_code"`
	Deprecated  bool     `json:"deprecated,omitempty"`
	Signature   string   `json:"signature,omitempty"`
}

func (a *Application) handleRoutes(w http.ResponseWriter, r *http.Request) {
	infos := make([]RouteInfo, 0)
	for _, router := range a.Routers {
		for _, route := range router.Routes() {
			if !route.IncludeInSchema {
				continue
			}
			info := RouteInfo{
				OperationID: route.OperationID,
				Method:      route.Method,
				Path:        route.Path,
				Kind:        route.Kind.String(),
				Summary:     route.Summary,
				Description: route.Description,
				Tags:        route.Tags,
				StatusCode:  route.StatusCode,
				Deprecated:  route.Deprecated,
			}
			if route.Endpoint != nil {
				info.Signature = route.Endpoint.Signature().String()
			}
			infos = append(infos, info)
		}
	}
	render.JSON(w, r, infos)
}

// Start listens on the configured address and serves until ctx is done or
// the server fails.
func (a *Application) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("address", ln.Addr().String()),
		slog.String("level", a.Config.Logging.Level))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Stop shuts the server down and flushes telemetry
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Start(ctx)
}
