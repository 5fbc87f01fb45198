// Package observe provides application-wide observability primitives for
// Selene: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Selene metrics.
const meterName = "github.com/selenehq/selene"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per request stage ---

	// RouteDecisionDuration tracks how long routing took per request.
	RouteDecisionDuration metric.Float64Histogram

	// ContextAssemblyDuration tracks the parallel context fan-out latency.
	ContextAssemblyDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// RequestDuration tracks end-to-end request latency (receipt to done).
	RequestDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts completed requests. Use with attributes:
	//   attribute.String("route", ...), attribute.String("route_source", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// RouteOverrides counts applied route overrides. Use with attribute:
	//   attribute.String("override", ...)
	RouteOverrides metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// LoopRoundLimitHits counts requests that hit the round cap.
	LoopRoundLimitHits metric.Int64Counter

	// SummarisationRuns counts rolling-summary passes. Use with attribute:
	//   attribute.String("trigger", "batch"|"budget")
	SummarisationRuns metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRequests tracks the number of requests currently in flight.
	ActiveRequests metric.Int64UpDownCounter

	// ActiveSessions tracks the number of connected gateway clients.
	ActiveSessions metric.Int64UpDownCounter

	// BackgroundQueueDepth tracks the number of queued background tasks.
	BackgroundQueueDepth metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for chat-pipeline latencies: sub-100ms routing up to multi-second full
// responses with tool rounds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RouteDecisionDuration, err = m.Float64Histogram("selene.route.decision.duration",
		metric.WithDescription("Latency of route decisions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextAssemblyDuration, err = m.Float64Histogram("selene.context.assembly.duration",
		metric.WithDescription("Latency of the parallel context fan-out."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("selene.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("selene.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RequestDuration, err = m.Float64Histogram("selene.request.duration",
		metric.WithDescription("End-to-end request latency from receipt to done."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("selene.requests",
		metric.WithDescription("Completed requests by route, route source, and status."),
	); err != nil {
		return nil, err
	}
	if met.RouteOverrides, err = m.Int64Counter("selene.route.overrides",
		metric.WithDescription("Applied route overrides by kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("selene.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.LoopRoundLimitHits, err = m.Int64Counter("selene.loop.round_limit_hits",
		metric.WithDescription("Requests terminated by the loop round cap."),
	); err != nil {
		return nil, err
	}
	if met.SummarisationRuns, err = m.Int64Counter("selene.summarisation.runs",
		metric.WithDescription("Rolling-summary passes by trigger."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("selene.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRequests, err = m.Int64UpDownCounter("selene.active_requests",
		metric.WithDescription("Number of requests currently in flight."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("selene.active_sessions",
		metric.WithDescription("Number of connected gateway clients."),
	); err != nil {
		return nil, err
	}
	if met.BackgroundQueueDepth, err = m.Int64UpDownCounter("selene.background.queue_depth",
		metric.WithDescription("Number of queued background tasks."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("selene.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRequest records a completed request with the standard attribute set.
func (m *Metrics) RecordRequest(ctx context.Context, route, routeSource, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("route_source", routeSource),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordRouteOverride records an applied route override.
func (m *Metrics) RecordRouteOverride(ctx context.Context, override string) {
	m.RouteOverrides.Add(ctx, 1,
		metric.WithAttributes(attribute.String("override", override)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
