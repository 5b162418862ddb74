package cbv

import (
	"log/slog"
)

// API rewrites the constructor of the view behind proto and links every
// route of router that was registered from one of the view's methods to
// that constructor: the route's first parameter defaults to the class
// constructor and the remaining parameters become keyword-only.
//
// Routes that do not belong to the view are removed from router, so a
// router must not be shared between unrelated views. Each removal is
// logged at WARN.
func API(router *Router, proto any, opts ...ClassOption) (*Class, error) {
	if router == nil {
		return nil, configError(ErrMissingRouter, "API: nil router")
	}

	class, err := RewriteConstructor(proto, opts...)
	if err != nil {
		return nil, err
	}

	routes := router.Routes()
	kept := make([]*Route, 0, len(routes))
	for _, route := range routes {
		ep := route.Endpoint
		if ep != nil && ep.IsMethod && ep.View == class.Type {
			ep.link(class.Constructor())
			kept = append(kept, route)
			continue
		}

		router.logger.Warn("route dropped from router",
			slog.String("view", class.Name),
			slog.String("method", route.Method),
			slog.String("path", route.Path),
			slog.String("route", route.Name),
		)
	}
	router.replaceRoutes(kept)

	router.logger.Debug("view linked",
		slog.String("view", class.Name),
		slog.Int("routes", len(kept)),
		slog.String("signature", class.Signature().String()),
	)
	return class, nil
}

// MustAPI is like API but panics on error
func MustAPI(router *Router, proto any, opts ...ClassOption) *Class {
	class, err := API(router, proto, opts...)
	if err != nil {
		panic(err)
	}
	return class
}
