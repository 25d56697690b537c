// Package telemetry records coordinator and HTTP metrics with OpenTelemetry
// and exposes them in Prometheus format.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"hacoordinator/pkg/coordinator"
)

// CoordinatorMetricsMeterName is the meter used for coordinator metrics.
const CoordinatorMetricsMeterName = "hacoordinator/coordinator"

// CoordinatorMetrics is a coordinator.Observer backed by OTel instruments.
// A nil *CoordinatorMetrics records nothing.
type CoordinatorMetrics struct {
	refreshDuration metric.Float64Histogram
	refreshFailures metric.Int64Counter
	listeners       metric.Int64Gauge
}

var _ coordinator.Observer = (*CoordinatorMetrics)(nil)

// NewCoordinatorMetrics creates the instruments. A nil provider yields nil.
func NewCoordinatorMetrics(provider metric.MeterProvider) (*CoordinatorMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(CoordinatorMetricsMeterName)

	refreshDuration, err := meter.Float64Histogram(
		"hacoord_refresh_duration_seconds",
		metric.WithDescription("Duration of coordinator refreshes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	refreshFailures, err := meter.Int64Counter(
		"hacoord_refresh_failures_total",
		metric.WithDescription("Total number of failed coordinator refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	listeners, err := meter.Int64Gauge(
		"hacoord_listeners",
		metric.WithDescription("Number of listeners registered on each coordinator"),
		metric.WithUnit("{listener}"),
	)
	if err != nil {
		return nil, err
	}

	return &CoordinatorMetrics{
		refreshDuration: refreshDuration,
		refreshFailures: refreshFailures,
		listeners:       listeners,
	}, nil
}

// RefreshFinished records one refresh.
func (m *CoordinatorMetrics) RefreshFinished(name string, trigger coordinator.Trigger, elapsed time.Duration, err error) {
	if m == nil {
		return
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String("coordinator", name),
		attribute.String("trigger", string(trigger)),
		attribute.Bool("success", err == nil),
	}
	m.refreshDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))

	if err != nil {
		m.refreshFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("coordinator", name),
			attribute.String("trigger", string(trigger)),
		))
	}
}

// ListenersChanged records the current listener count.
func (m *CoordinatorMetrics) ListenersChanged(name string, count int) {
	if m == nil {
		return
	}
	m.listeners.Record(context.Background(), int64(count),
		metric.WithAttributes(attribute.String("coordinator", name)))
}
