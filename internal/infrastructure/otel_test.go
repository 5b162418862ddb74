package infrastructure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"

	"cbvkit/internal/config"
)

func testTelemetryConfig() config.TelemetryConfig {
	return config.TelemetryConfig{
		ServiceName:   "cbv-test",
		Environment:   "test",
		EnableMetrics: true,
		EnableTracing: true,
		TraceExporter: "none",
		SampleRatio:   1.0,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOTelInitialization(t *testing.T) {
	providers, err := InitializeOTel(testTelemetryConfig(), discardLogger())
	require.NoError(t, err)
	require.NotNil(t, providers)

	assert.NotNil(t, providers.TracerProvider)
	assert.NotNil(t, providers.Tracer)
	assert.NotNil(t, providers.MeterProvider)
	assert.NotNil(t, providers.Meter)
	assert.NotNil(t, providers.PrometheusHTTP)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, providers.Shutdown(ctx))
}

func TestOTelConfiguration(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.TelemetryConfig)
		wantErr    bool
		wantTraces bool
		wantProm   bool
	}{
		{
			name:       "all enabled",
			mutate:     func(*config.TelemetryConfig) {},
			wantTraces: true,
			wantProm:   true,
		},
		{
			name:   "everything disabled",
			mutate: func(c *config.TelemetryConfig) { c.EnableMetrics = false; c.EnableTracing = false },
		},
		{
			name:     "stdout exporter",
			mutate:   func(c *config.TelemetryConfig) { c.TraceExporter = "stdout"; c.EnableMetrics = true },
			wantProm: true, wantTraces: true,
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *config.TelemetryConfig) { c.TraceExporter = "zipkin" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTelemetryConfig()
			tt.mutate(&cfg)

			providers, err := InitializeOTel(cfg, discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer providers.Shutdown(context.Background())

			assert.NotNil(t, providers.Tracer)
			assert.NotNil(t, providers.Meter)
			assert.Equal(t, tt.wantTraces, providers.TracerProvider != nil)
			assert.Equal(t, tt.wantProm, providers.PrometheusHTTP != nil)
		})
	}
}

func TestTraceCorrelation(t *testing.T) {
	providers, err := InitializeOTel(testTelemetryConfig(), discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, span := providers.Tracer.Start(context.Background(), "test-operation")
	defer span.End()

	traceID := TraceIDFromContext(ctx)
	assert.Len(t, traceID, 32)
	assert.Equal(t, span.SpanContext().TraceID().String(), traceID)

	RecordError(ctx, errors.New("boom"))
}

func TestPrometheusEndpoint(t *testing.T) {
	providers, err := InitializeOTel(testTelemetryConfig(), discardLogger())
	require.NoError(t, err)
	defer providers.Shutdown(context.Background())

	m, err := CreateHTTPMetrics(providers.Meter)
	require.NoError(t, err)
	m.RequestsTotal.Add(context.Background(), 3)
	m.RequestDuration.Record(context.Background(), 0.25, metric.WithAttributes())

	server := httptest.NewServer(providers.PrometheusHTTP)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}
