// Package observe provides application-wide observability primitives for
// voxstream: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all voxstream metrics.
const meterName = "github.com/fictive-reality/voxstream"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks full utterance synthesis latency, from the
	// provider request to the terminal chunk. Use with attribute:
	//   attribute.String("provider", ...)
	SynthesisDuration metric.Float64Histogram

	// TimeToFirstChunk tracks latency from the provider request to the first
	// delivered audio chunk, the figure that dominates perceived
	// responsiveness on streaming providers.
	TimeToFirstChunk metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts synthesizer API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts synthesizer errors after retries were exhausted.
	// Use with attribute: attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// Utterances counts synthesized utterances by outcome: "completed",
	// "interrupted", or "failed".
	Utterances metric.Int64Counter

	// CacheLookups counts utterance cache lookups by status "hit" or "miss".
	CacheLookups metric.Int64Counter

	// AudioBytesDelivered counts audio payload bytes written to clients.
	AudioBytesDelivered metric.Int64Counter

	// LipsyncRestarts counts viseme coprocess restarts across all sessions.
	LipsyncRestarts metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for speech synthesis latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("voxstream.synthesis.duration",
		metric.WithDescription("Latency of full utterance synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstChunk, err = m.Float64Histogram("voxstream.synthesis.first_chunk",
		metric.WithDescription("Latency to the first delivered audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxstream.provider.requests",
		metric.WithDescription("Total synthesizer API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxstream.provider.errors",
		metric.WithDescription("Total synthesizer errors after retry exhaustion, by provider."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("voxstream.utterances",
		metric.WithDescription("Total utterances by outcome: completed, interrupted, or failed."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("voxstream.cache.lookups",
		metric.WithDescription("Total utterance cache lookups by status."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesDelivered, err = m.Int64Counter("voxstream.audio.bytes_delivered",
		metric.WithDescription("Total audio payload bytes written to clients."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.LipsyncRestarts, err = m.Int64Counter("voxstream.lipsync.restarts",
		metric.WithDescription("Total viseme coprocess restarts."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxstream.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxstream.http.request.duration",
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

// RecordProviderRequest records a synthesizer request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a synthesizer error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordUtterance records one utterance with its outcome: "completed",
// "interrupted", or "failed".
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordCacheLookup records an utterance cache lookup.
func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	status := "miss"
	if hit {
		status = "hit"
	}
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
