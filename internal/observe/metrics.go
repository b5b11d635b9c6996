// Package observe provides application-wide observability primitives for
// toolfleet: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all toolfleet metrics.
const meterName = "github.com/nydiokar/toolfleet"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ToolCallDuration tracks tool invocation latency as seen by the
	// dispatcher.
	ToolCallDuration metric.Float64Histogram

	// ChainDuration tracks end-to-end chain execution latency.
	ChainDuration metric.Float64Histogram

	// --- Counters ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("server", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ChainExecutions counts chain runs. Use with attributes:
	//   attribute.String("chain", ...), attribute.String("status", ...)
	ChainExecutions metric.Int64Counter

	// Reconnects counts client reconnect attempts. Use with attributes:
	//   attribute.String("server", ...), attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// StateTransitions counts server lifecycle transitions. Use with attributes:
	//   attribute.String("server", ...), attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// --- Gauges ---

	// RunningServers tracks the number of servers currently in the running
	// state.
	RunningServers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// subprocess tool calls, which range from instant lookups to multi-second
// external requests.
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
	if met.ToolCallDuration, err = m.Float64Histogram("toolfleet.tool.duration",
		metric.WithDescription("Latency of tool invocations as seen by the dispatcher."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChainDuration, err = m.Float64Histogram("toolfleet.chain.duration",
		metric.WithDescription("End-to-end latency of chain executions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ToolCalls, err = m.Int64Counter("toolfleet.tool.calls",
		metric.WithDescription("Total tool invocations by tool, server, and status."),
	); err != nil {
		return nil, err
	}
	if met.ChainExecutions, err = m.Int64Counter("toolfleet.chain.executions",
		metric.WithDescription("Total chain executions by chain and status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("toolfleet.client.reconnects",
		metric.WithDescription("Total client reconnect attempts by server and status."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("toolfleet.server.transitions",
		metric.WithDescription("Total server lifecycle transitions by server, from, and to state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RunningServers, err = m.Int64UpDownCounter("toolfleet.servers.running",
		metric.WithDescription("Number of servers currently in the running state."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("toolfleet.http.request.duration",
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

// RecordToolCall records a tool call counter increment and its latency with
// the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, server, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("server", server),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, seconds, attrs)
}

// RecordChainExecution records a chain execution counter increment and its
// latency.
func (m *Metrics) RecordChainExecution(ctx context.Context, chain, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("chain", chain),
		attribute.String("status", status),
	)
	m.ChainExecutions.Add(ctx, 1, attrs)
	m.ChainDuration.Record(ctx, seconds, attrs)
}

// RecordReconnect records a reconnect attempt for a server.
func (m *Metrics) RecordReconnect(ctx context.Context, server, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}

// RecordStateTransition records a server lifecycle transition.
func (m *Metrics) RecordStateTransition(ctx context.Context, server, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
