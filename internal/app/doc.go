// Package app provides application initialization and lifecycle management for
// cbv-server. It wires configuration, logging, telemetry and the class-based
// view routers into one HTTP server.
//
// # Initialization Flow
//
// The initialization sequence:
//
//  1. Load configuration from defaults, the config file and CBV_* variables
//  2. Initialize logging and OpenTelemetry
//  3. Create the user store and the dependency injector
//  4. Build the view routers and mount them on a chi router
//  5. Configure the HTTP server
//
// WebSocket routes are mounted with request ID, real IP and panic recovery
// only. HTTP routes additionally get tracing, access logs, the request
// timeout, security headers, CORS and rate limiting.
//
// # Usage
//
//	application, err := app.NewApplication(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// Run handles SIGINT and SIGTERM. Shutdown waits for active requests up to
// the configured shutdown timeout and then flushes telemetry.
//
// # Error Handling
//
// All initialization errors are returned to the caller. The app does not call
// os.Exit() directly, allowing the main function to control the exit process.
package app
