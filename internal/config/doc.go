// Package config loads the server configuration.
//
// Values are layered in increasing order of precedence:
//
//  1. Default values (Default)
//  2. A YAML file (CBV_CONFIG_FILE, config.yaml or configs/config.yaml)
//  3. Environment variables prefixed with CBV_
//
// Nested sections map to underscore-joined variable names, for example
// CBV_SERVER_PORT=9090 or CBV_SECURITY_RATE_LIMIT_RPS=20.
package config
