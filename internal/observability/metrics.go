package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the controller's instruments. A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Executor lifecycle metrics
	ExecutorStartDuration metric.Float64Histogram
	ExecutorStartsTotal   metric.Int64Counter
	ExecutorStopsTotal    metric.Int64Counter
	ExecutorDestroysTotal metric.Int64Counter
	CompensationsTotal    metric.Int64Counter
	ExecutorsActive       metric.Int64UpDownCounter

	// Sweep metrics
	SweepDuration  metric.Float64Histogram
	SweepDestroyed metric.Int64Counter

	// Event dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobctl")
	m := &Metrics{meter: meter}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, nil, err
	}

	// Pod creation can take minutes, process spawn milliseconds.
	if m.ExecutorStartDuration, err = meter.Float64Histogram(
		"executor_start_duration_seconds",
		metric.WithDescription("Time from start request to RUNNING in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return nil, nil, err
	}
	if m.ExecutorStartsTotal, err = meter.Int64Counter(
		"executor_start_total",
		metric.WithDescription("Total executor start attempts"),
	); err != nil {
		return nil, nil, err
	}
	if m.ExecutorStopsTotal, err = meter.Int64Counter(
		"executor_stop_total",
		metric.WithDescription("Total executor stop attempts"),
	); err != nil {
		return nil, nil, err
	}
	if m.ExecutorDestroysTotal, err = meter.Int64Counter(
		"executor_destroy_total",
		metric.WithDescription("Total executor destroy outcomes"),
	); err != nil {
		return nil, nil, err
	}
	if m.CompensationsTotal, err = meter.Int64Counter(
		"executor_compensation_total",
		metric.WithDescription("Total compensating destroys after a failed start"),
	); err != nil {
		return nil, nil, err
	}
	if m.ExecutorsActive, err = meter.Int64UpDownCounter(
		"executors_active",
		metric.WithDescription("Executors started and not yet destroyed by this controller (saturation)"),
	); err != nil {
		return nil, nil, err
	}

	if m.SweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Destroy sweep duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, nil, err
	}
	if m.SweepDestroyed, err = meter.Int64Counter(
		"sweep_destroyed_total",
		metric.WithDescription("Total executors destroyed by the sweep"),
	); err != nil {
		return nil, nil, err
	}

	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Event delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full)"),
	); err != nil {
		return nil, nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics for a route pattern.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		routeAttr(route),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordExecutorStarted records the outcome of a start attempt.
func (m *Metrics) RecordExecutorStarted(ctx context.Context, runMode string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(runModeAttr(runMode), successAttr(success))
	m.ExecutorStartsTotal.Add(ctx, 1, attrs)
	m.ExecutorStartDuration.Record(ctx, durationSeconds, attrs)
	if success {
		m.ExecutorsActive.Add(ctx, 1, metric.WithAttributes(runModeAttr(runMode)))
	}
}

// RecordExecutorStopped records the outcome of a stop request.
func (m *Metrics) RecordExecutorStopped(ctx context.Context, runMode string, success bool) {
	if m == nil {
		return
	}
	m.ExecutorStopsTotal.Add(ctx, 1, metric.WithAttributes(runModeAttr(runMode), successAttr(success)))
}

// RecordExecutorDestroyed records a destroy outcome: destroyed, absent,
// deferred, abandoned or failed.
func (m *Metrics) RecordExecutorDestroyed(ctx context.Context, runMode, outcome string) {
	if m == nil {
		return
	}
	m.ExecutorDestroysTotal.Add(ctx, 1, metric.WithAttributes(runModeAttr(runMode), outcomeAttr(outcome)))
	switch outcome {
	case "destroyed", "absent", "abandoned":
		m.ExecutorsActive.Add(ctx, -1, metric.WithAttributes(runModeAttr(runMode)))
	}
}

// RecordCompensation records a compensating destroy after a failed start.
func (m *Metrics) RecordCompensation(ctx context.Context, runMode string, success bool) {
	if m == nil {
		return
	}
	m.CompensationsTotal.Add(ctx, 1, metric.WithAttributes(runModeAttr(runMode), successAttr(success)))
}

// RecordSweep records one destroy sweep pass.
func (m *Metrics) RecordSweep(ctx context.Context, destroyed int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, durationSeconds)
	m.SweepDestroyed.Add(ctx, int64(destroyed))
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
