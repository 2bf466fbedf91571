// Package observability provides OpenTelemetry metrics (Prometheus exporter)
// and the log handler that stitches trace context into slog records.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	meterScope         = "github.com/sillymd/hub/internal/observability"
	defaultServiceName = "webhook-hub"
	cardinalityLimit   = 2000
)

// Metric names. One place so dashboards and tests agree.
const (
	MetricNameRequests         = "http_requests_total"
	MetricNameRequestDuration  = "http_request_duration_seconds"
	MetricNameAdmissions       = "relay_admissions_total"
	MetricNameDeliveries       = "relay_deliveries_total"
	MetricNameDeliveryDuration = "relay_delivery_duration_seconds"
	MetricNameDecodeFallbacks  = "relay_decode_fallbacks_total"
	MetricNameAlerts           = "relay_usage_alerts_total"
	MetricNameCacheLookups     = "relay_cache_lookups_total"
)

// latencyHistogramBoundaries are Prometheus-style buckets (seconds) for request and delivery duration histograms.
var latencyHistogramBoundaries = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30}

// RelayMetrics is the single metrics interface for the relay. A nil
// RelayMetrics means metrics are disabled; call sites guard with != nil.
type RelayMetrics interface {
	// RecordRequest records one HTTP request by method, normalized route, and status class.
	RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration)
	// RecordAdmission records an admission outcome: accepted, not_found, quota_exceeded, throttled.
	RecordAdmission(ctx context.Context, outcome string)
	// RecordDelivery records one delivery attempt by path (realtime, push, forward) and outcome.
	RecordDelivery(ctx context.Context, path, outcome string, duration time.Duration)
	// RecordDecodeFallback records a payload decode that fell back to the raw body.
	RecordDecodeFallback(ctx context.Context, reason string)
	// RecordAlert records one usage-alert channel dispatch by outcome.
	RecordAlert(ctx context.Context, channel, outcome string)
	// RecordCacheLookup records a tenant-cache lookup.
	RecordCacheLookup(ctx context.Context, name string, hit bool)
}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// NewMeterProvider creates a MeterProvider with a Prometheus exporter and
// returns the provider, an HTTP handler for /metrics, and the RelayMetrics
// bound to the provider's Meter. Caller must call provider.Shutdown on exit.
func NewMeterProvider(serviceName string) (MeterProviderShutdown, http.Handler, RelayMetrics, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	// Use a single resource to avoid Schema URL conflicts when merging with resource.Default().
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)

	reg := prometheus.NewRegistry()

	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: MetricNameRequestDuration},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyHistogramBoundaries}},
			),
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: MetricNameDeliveryDuration},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyHistogramBoundaries}},
			),
		),
	)

	metrics, err := newRelayMetrics(mp.Meter(meterScope))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create metrics instruments: %w", err)
	}

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return mp, handler, metrics, nil
}

type relayMetrics struct {
	requests         metric.Int64Counter
	requestDuration  metric.Float64Histogram
	admissions       metric.Int64Counter
	deliveries       metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	decodeFallbacks  metric.Int64Counter
	alerts           metric.Int64Counter
	cacheLookups     metric.Int64Counter
}

func newRelayMetrics(meter metric.Meter) (*relayMetrics, error) {
	m := &relayMetrics{}

	var err error

	if m.requests, err = meter.Int64Counter(
		MetricNameRequests,
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}

	if m.requestDuration, err = meter.Float64Histogram(
		MetricNameRequestDuration,
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create request duration histogram: %w", err)
	}

	if m.admissions, err = meter.Int64Counter(
		MetricNameAdmissions,
		metric.WithDescription("Total inbound event admission outcomes"),
	); err != nil {
		return nil, fmt.Errorf("create admissions counter: %w", err)
	}

	if m.deliveries, err = meter.Int64Counter(
		MetricNameDeliveries,
		metric.WithDescription("Total delivery attempts by path and outcome"),
	); err != nil {
		return nil, fmt.Errorf("create deliveries counter: %w", err)
	}

	if m.deliveryDuration, err = meter.Float64Histogram(
		MetricNameDeliveryDuration,
		metric.WithDescription("Delivery attempt duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("create delivery duration histogram: %w", err)
	}

	if m.decodeFallbacks, err = meter.Int64Counter(
		MetricNameDecodeFallbacks,
		metric.WithDescription("Total payload decodes that fell back to the raw body"),
	); err != nil {
		return nil, fmt.Errorf("create decode fallbacks counter: %w", err)
	}

	if m.alerts, err = meter.Int64Counter(
		MetricNameAlerts,
		metric.WithDescription("Total usage-alert channel dispatches"),
	); err != nil {
		return nil, fmt.Errorf("create alerts counter: %w", err)
	}

	if m.cacheLookups, err = meter.Int64Counter(
		MetricNameCacheLookups,
		metric.WithDescription("Total cache lookups by name and result"),
	); err != nil {
		return nil, fmt.Errorf("create cache lookups counter: %w", err)
	}

	return m, nil
}

func (m *relayMetrics) RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *relayMetrics) RecordAdmission(ctx context.Context, outcome string) {
	m.admissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *relayMetrics) RecordDelivery(ctx context.Context, path, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *relayMetrics) RecordDecodeFallback(ctx context.Context, reason string) {
	m.decodeFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *relayMetrics) RecordAlert(ctx context.Context, channel, outcome string) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("outcome", outcome),
	))
}

func (m *relayMetrics) RecordCacheLookup(ctx context.Context, name string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", name),
		attribute.String("result", result),
	))
}
