package observability

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the scheduler metrics following the golden 4 signals:
// - Latency: how long goals and status requests take
// - Traffic: goals created, requests served
// - Errors: failed goals by failure kind, timed out builders
// - Saturation: goals alive, build slots in use
type Metrics struct {
	meter metric.Meter

	// HTTP metrics of the status API
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Goal metrics
	GoalDuration      metric.Float64Histogram
	GoalsTotal        metric.Int64Counter
	GoalFailuresTotal metric.Int64Counter
	GoalsActive       metric.Int64UpDownCounter

	// Builder metrics
	BuildSlotsInUse     metric.Int64Gauge
	ChildrenExitedTotal metric.Int64Counter

	// Build notification metrics
	NotificationDuration metric.Float64Histogram
	NotificationsTotal   metric.Int64Counter
}

// NewMetrics creates the metrics of one run, together with Go runtime and
// process metrics, and returns the handler serving them. The run's meter
// provider becomes the global one.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	reg := prom.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := newMetrics(reg, true)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

// NewMetricsWithRegistry is NewMetrics with a private registry. The global
// meter provider is left alone.
func NewMetricsWithRegistry(reg *prom.Registry) (*Metrics, http.Handler, error) {
	m, err := newMetrics(reg, false)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

func newMetrics(reg prom.Registerer, global bool) (*Metrics, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	if global {
		otel.SetMeterProvider(provider)
	}

	meter := provider.Meter("realiser")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, err
	}

	// Goal metrics
	m.GoalDuration, err = meter.Float64Histogram(
		"goal_duration_seconds",
		metric.WithDescription("Time from goal creation to its result in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 1, 5, 10, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	m.GoalsTotal, err = meter.Int64Counter(
		"goals_total",
		metric.WithDescription("Total number of goals created"),
	)
	if err != nil {
		return nil, err
	}

	m.GoalFailuresTotal, err = meter.Int64Counter(
		"goal_failures_total",
		metric.WithDescription("Total number of failed goals by failure kind"),
	)
	if err != nil {
		return nil, err
	}

	m.GoalsActive, err = meter.Int64UpDownCounter(
		"goals_active",
		metric.WithDescription("Number of goals that have not finished (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	// Builder metrics
	m.BuildSlotsInUse, err = meter.Int64Gauge(
		"build_slots_in_use",
		metric.WithDescription("Build slots currently taken per job category (saturation)"),
	)
	if err != nil {
		return nil, err
	}

	m.ChildrenExitedTotal, err = meter.Int64Counter(
		"builders_exited_total",
		metric.WithDescription("Total number of builder processes that exited"),
	)
	if err != nil {
		return nil, err
	}

	// Notification metrics
	m.NotificationDuration, err = meter.Float64Histogram(
		"notification_delivery_duration_seconds",
		metric.WithDescription("Time to deliver a build notification, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	m.NotificationsTotal, err = meter.Int64Counter(
		"notifications_total",
		metric.WithDescription("Total number of build notifications by outcome (delivered, failed, dropped)"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
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

// RecordGoalCreated records a new goal.
func (m *Metrics) RecordGoalCreated(ctx context.Context, kind string) {
	attrs := WithKind(kind)
	m.GoalsTotal.Add(ctx, 1, attrs)
	m.GoalsActive.Add(ctx, 1, attrs)
}

// RecordGoalFinished records a goal result. failure is empty on success.
func (m *Metrics) RecordGoalFinished(ctx context.Context, kind, failure string, durationSeconds float64) {
	success := failure == ""
	m.GoalDuration.Record(ctx, durationSeconds, metric.WithAttributes(kindAttr(kind), successAttr(success)))
	m.GoalsActive.Add(ctx, -1, WithKind(kind))

	if !success {
		m.GoalFailuresTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), failureAttr(failure)))
	}
}

// RecordBuildSlots records the slots in use for a job category.
func (m *Metrics) RecordBuildSlots(ctx context.Context, category string, inUse int64) {
	m.BuildSlotsInUse.Record(ctx, inUse, WithCategory(category))
}

// RecordChildExited records a builder process exit.
func (m *Metrics) RecordChildExited(ctx context.Context, timedOut bool) {
	m.ChildrenExitedTotal.Add(ctx, 1, metric.WithAttributes(timedOutAttr(timedOut)))
}

// RecordNotificationDelivered records a delivered build notification.
func (m *Metrics) RecordNotificationDelivered(ctx context.Context, durationSeconds float64) {
	m.NotificationDuration.Record(ctx, durationSeconds)
	m.NotificationsTotal.Add(ctx, 1, withOutcome("delivered"))
}

// RecordNotificationFailed records a notification given up on.
func (m *Metrics) RecordNotificationFailed(ctx context.Context) {
	m.NotificationsTotal.Add(ctx, 1, withOutcome("failed"))
}

// RecordNotificationDropped records a notification that found the buffer full.
func (m *Metrics) RecordNotificationDropped(ctx context.Context) {
	m.NotificationsTotal.Add(ctx, 1, withOutcome("dropped"))
}
