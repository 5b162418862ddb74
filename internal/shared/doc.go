// Package shared holds helpers used by more than one package of the module.
//
// The testutil subpackage provides a buffered slog handler so tests can assert
// on what routers, views and WebSocket sessions logged:
//
//	logger, logs := testutil.NewTestLogger(t)
//	router := cbv.NewRouter("/user", "User", cbv.WithLogger(logger))
//	...
//	assert.True(t, logs.ContainsMessage("route registered"))
//
// Nothing here may import the cbv, depends or bind packages.
package shared
