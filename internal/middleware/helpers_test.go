package middleware

import "cbvkit/internal/config"

func configForTest() config.TelemetryConfig {
	cfg := config.Default().Telemetry
	cfg.EnableTracing = true
	cfg.EnableMetrics = true
	return cfg
}
