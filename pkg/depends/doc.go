// Package depends provides request-scoped dependency markers.
//
// A Marker wraps a provider function. Providers declare what they need
// through their parameter types:
//
//	context.Context      the request context
//	*http.Request        the current request
//	http.ResponseWriter  the current response writer
//	*depends.Scope       the resolution scope, for resolving further markers
//	struct or *struct    an input bound from the request by package bind
//
// and return either a value or a value and an error. A Scope evaluates each
// marker at most once per request unless the marker was built with NoCache.
package depends
