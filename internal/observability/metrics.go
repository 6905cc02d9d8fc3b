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

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/deliveries take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Queue depth of the notification dispatcher
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job lifecycle metrics (Traffic, Errors)
	JobsSubmittedTotal metric.Int64Counter
	JobsDeletedTotal   metric.Int64Counter
	SubmitRetriesTotal metric.Int64Counter

	// Notification metrics (Latency, Traffic, Errors, Saturation)
	NotificationDuration  metric.Float64Histogram
	NotificationDelivered metric.Int64Counter
	NotificationFailed    metric.Int64Counter
	NotificationDropped   metric.Int64Counter
	NotificationQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("job-controller")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job lifecycle metrics
	m.JobsSubmittedTotal, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted, by backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsDeletedTotal, err = meter.Int64Counter(
		"jobs_deleted_total",
		metric.WithDescription("Total number of jobs deleted, by backend"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmitRetriesTotal, err = meter.Int64Counter(
		"submit_retries_total",
		metric.WithDescription("Total number of submission retries after transient backend errors"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_duration_seconds",
		metric.WithDescription("Status callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDelivered, err = meter.Int64Counter(
		"notification_delivered_total",
		metric.WithDescription("Total status changes successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationFailed, err = meter.Int64Counter(
		"notification_failed_total",
		metric.WithDescription("Total status changes failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationDropped, err = meter.Int64Counter(
		"notification_dropped_total",
		metric.WithDescription("Total status changes dropped (buffer full or shutdown)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotificationQueueSize, err = meter.Int64Gauge(
		"notification_queue_size",
		metric.WithDescription("Current number of status changes in the dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job accepted by a backend scheduler.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, backendType string) {
	m.JobsSubmittedTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backendType)))
}

// RecordJobDeleted records a job deletion acknowledged by the controller.
func (m *Metrics) RecordJobDeleted(ctx context.Context, backendType string) {
	m.JobsDeletedTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backendType)))
}

// RecordSubmitRetry records a retried submission attempt.
func (m *Metrics) RecordSubmitRetry(ctx context.Context, backendType string) {
	m.SubmitRetriesTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backendType)))
}

// RecordNotificationDelivered records a successful callback delivery with its duration.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, durationSeconds float64) {
	m.NotificationDelivered.Add(ctx, 1)
	m.NotificationDuration.Record(ctx, durationSeconds)
}

// RecordNotificationFailed records a callback delivery that exhausted its retries.
func (m *Metrics) RecordNotificationFailed(ctx context.Context) {
	m.NotificationFailed.Add(ctx, 1)
}

// RecordNotificationDropped records a dropped status change.
func (m *Metrics) RecordNotificationDropped(ctx context.Context) {
	m.NotificationDropped.Add(ctx, 1)
}

// RecordNotificationQueueSize records the current dispatcher queue depth.
func (m *Metrics) RecordNotificationQueueSize(ctx context.Context, size int64) {
	m.NotificationQueueSize.Record(ctx, size)
}
