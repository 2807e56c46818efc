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
// - Latency: How long requests/jobs/probes take
// - Traffic: Request/job/broadcast throughput
// - Errors: Rate of failures
// - Saturation: Concurrent jobs and broadcast queue depth
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration        metric.Float64Histogram
	JobsTotal          metric.Int64Counter
	JobErrorsTotal     metric.Int64Counter
	JobsCancelledTotal metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter

	// Provider metrics
	ProviderAvailable     metric.Int64Gauge
	ProviderProbeDuration metric.Float64Histogram
	ProviderFailovers     metric.Int64Counter

	// Session metrics
	RPCQueriesTotal metric.Int64Counter
	RPCDuration     metric.Float64Histogram
	SessionsTotal   metric.Int64Counter

	// Broadcast dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &Metrics{meter: provider.Meter("mapgen")}
	if err := m.register(); err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

func (m *Metrics) register() error {
	var err error
	meter := m.meter

	// HTTP metrics
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return err
	}

	// Job metrics
	if m.JobDuration, err = meter.Float64Histogram(
		"mapgen_job_duration_seconds",
		metric.WithDescription("Map generation job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	); err != nil {
		return err
	}
	if m.JobsTotal, err = meter.Int64Counter(
		"mapgen_jobs_total",
		metric.WithDescription("Total number of map generation jobs created"),
	); err != nil {
		return err
	}
	if m.JobErrorsTotal, err = meter.Int64Counter(
		"mapgen_job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	); err != nil {
		return err
	}
	if m.JobsCancelledTotal, err = meter.Int64Counter(
		"mapgen_jobs_cancelled_total",
		metric.WithDescription("Total number of cancelled or expired jobs"),
	); err != nil {
		return err
	}
	if m.JobsActive, err = meter.Int64UpDownCounter(
		"mapgen_jobs_active",
		metric.WithDescription("Number of jobs currently being processed (saturation)"),
	); err != nil {
		return err
	}

	// Provider metrics
	if m.ProviderAvailable, err = meter.Int64Gauge(
		"mapgen_provider_available",
		metric.WithDescription("1 if the provider's last probe succeeded, 0 otherwise"),
	); err != nil {
		return err
	}
	if m.ProviderProbeDuration, err = meter.Float64Histogram(
		"mapgen_provider_probe_duration_seconds",
		metric.WithDescription("Provider health probe latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return err
	}
	if m.ProviderFailovers, err = meter.Int64Counter(
		"mapgen_provider_failovers_total",
		metric.WithDescription("Submissions retried on another provider after a server error"),
	); err != nil {
		return err
	}

	// Session metrics
	if m.RPCQueriesTotal, err = meter.Int64Counter(
		"mapgen_rpc_queries_total",
		metric.WithDescription("Total outbound RPC queries by outcome"),
	); err != nil {
		return err
	}
	if m.RPCDuration, err = meter.Float64Histogram(
		"mapgen_rpc_duration_seconds",
		metric.WithDescription("Outbound RPC round-trip latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}
	if m.SessionsTotal, err = meter.Int64Counter(
		"mapgen_sessions_total",
		metric.WithDescription("Total peer sessions attached by transport"),
	); err != nil {
		return err
	}

	// Dispatcher metrics
	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Broadcast delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	); err != nil {
		return err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total broadcasts written to the active session"),
	); err != nil {
		return err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total broadcasts that could not be written"),
	); err != nil {
		return err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total broadcasts dropped because the queue was full"),
	); err != nil {
		return err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of broadcasts in the dispatcher queue (saturation)"),
	); err != nil {
		return err
	}
	return nil
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

// RecordJobCreated records a new job being accepted.
func (m *Metrics) RecordJobCreated(ctx context.Context, size string) {
	m.JobsTotal.Add(ctx, 1, metric.WithAttributes(sizeAttr(size)))
}

// RecordJobStarted records a job entering the processing pipeline.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsActive.Add(ctx, 1)
}

// RecordJobCompleted records a job leaving the pipeline (success or failure).
func (m *Metrics) RecordJobCompleted(ctx context.Context, provider string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(provider), successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCancelled records a job leaving the pipeline through cancellation or expiry.
func (m *Metrics) RecordJobCancelled(ctx context.Context, provider string) {
	m.JobsCancelledTotal.Add(ctx, 1, metric.WithAttributes(providerAttr(provider)))
	m.JobsActive.Add(ctx, -1)
}

// RecordProviderProbe records a health probe result.
func (m *Metrics) RecordProviderProbe(ctx context.Context, provider string, available bool, durationSeconds float64) {
	attrs := metric.WithAttributes(providerAttr(provider))
	var v int64
	if available {
		v = 1
	}
	m.ProviderAvailable.Record(ctx, v, attrs)
	m.ProviderProbeDuration.Record(ctx, durationSeconds, metric.WithAttributes(providerAttr(provider), successAttr(available)))
}

// RecordProviderFailover records a submission moving past a failing provider.
func (m *Metrics) RecordProviderFailover(ctx context.Context, from string) {
	m.ProviderFailovers.Add(ctx, 1, metric.WithAttributes(providerAttr(from)))
}

// RecordRPCQuery records the outcome of an outbound RPC query.
func (m *Metrics) RecordRPCQuery(ctx context.Context, method, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(rpcMethodAttr(method), outcomeAttr(outcome))
	m.RPCQueriesTotal.Add(ctx, 1, attrs)
	m.RPCDuration.Record(ctx, durationSeconds, attrs)
}

// RecordSessionAttached records a new peer session.
func (m *Metrics) RecordSessionAttached(ctx context.Context, transport string) {
	m.SessionsTotal.Add(ctx, 1, metric.WithAttributes(transportAttr(transport)))
}

// RecordDispatcherDelivered records a successful broadcast with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a broadcast that could not be written.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped broadcast.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
