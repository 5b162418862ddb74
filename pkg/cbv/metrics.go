package cbv

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "cbvkit/pkg/cbv"

// Metrics holds the route and WebSocket instruments. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	wsActive        metric.Int64UpDownCounter
	wsMessages      metric.Int64Counter
	wsErrors        metric.Int64Counter
}

// NewMetrics creates the instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"cbv_route_requests_total",
		metric.WithDescription("Total number of requests dispatched to class-based view routes"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"cbv_route_duration_seconds",
		metric.WithDescription("Class-based view route duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	wsActive, err := meter.Int64UpDownCounter(
		"cbv_websocket_connections_active",
		metric.WithDescription("Number of open WebSocket view connections"),
	)
	if err != nil {
		return nil, err
	}

	wsMessages, err := meter.Int64Counter(
		"cbv_websocket_messages_total",
		metric.WithDescription("Total number of WebSocket messages handled by views"),
	)
	if err != nil {
		return nil, err
	}

	wsErrors, err := meter.Int64Counter(
		"cbv_websocket_errors_total",
		metric.WithDescription("Total number of WebSocket view sessions that ended in error"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		wsActive:        wsActive,
		wsMessages:      wsMessages,
		wsErrors:        wsErrors,
	}, nil
}

func (m *Metrics) recordRequest(ctx context.Context, route *Route, status int, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation_id", route.OperationID),
		attribute.String("method", route.Method),
		attribute.Int("status_code", status),
	)
	m.requestsTotal.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) connectionOpened(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.wsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) connectionClosed(ctx context.Context, path string) {
	if m == nil {
		return
	}
	m.wsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("path", path)))
}

func (m *Metrics) message(ctx context.Context, path, direction string) {
	if m == nil {
		return
	}
	m.wsMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("direction", direction),
	))
}

func (m *Metrics) sessionError(ctx context.Context, path string, code int) {
	if m == nil {
		return
	}
	m.wsErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("path", path),
		attribute.Int("close_code", code),
	))
}
