package views

import (
	"log/slog"
	"net/http"

	"cbvkit/pkg/cbv"
	"cbvkit/pkg/depends"
)

// NewInjector registers the providers the views depend on. The logger
// provider derives one logger per request; trace ids are added by the
// handler when views log with a context.
func NewInjector(store *UserStore, logger *slog.Logger) *depends.Injector {
	base := logger.With(slog.String("component", "views"))

	injector := depends.NewInjector()
	injector.Provide(ProviderUsers, depends.Depends(func() *UserStore { return store }))
	injector.Provide(ProviderLogger, depends.Depends(func(r *http.Request) *slog.Logger {
		if r == nil {
			return base
		}
		return base.With(slog.String("path", r.URL.Path))
	}, depends.WithName("request_logger")))
	return injector
}

// Routers builds every view router. WebSocket routers are returned
// separately so they can be mounted outside middleware that buffers or
// times out requests.
func Routers(opts ...cbv.RouterOption) (httpRouters, wsRouters []*cbv.Router, err error) {
	httpRouters, err = NewUserRouters(opts...)
	if err != nil {
		return nil, nil, err
	}

	echo, err := NewEchoRouter(opts...)
	if err != nil {
		return nil, nil, err
	}
	return httpRouters, []*cbv.Router{echo}, nil
}
