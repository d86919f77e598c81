// Package observe provides observability primitives for parley:
// OpenTelemetry metrics, distributed tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped at /metrics.
// A package-level [DefaultMetrics] instance is provided for convenience;
// tests should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// TranscribeDuration tracks speech-to-text latency per utterance.
	TranscribeDuration metric.Float64Histogram

	// TurnDuration tracks the whole post-finalization pipeline (store,
	// transcribe, compute, log) per attempt.
	TurnDuration metric.Float64Histogram

	// UtteranceDuration tracks the trimmed audio length of accepted
	// utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// Frames counts ingested frames. Use with attribute:
	//   attribute.String("outcome", "accepted"|"malformed"|"dropped")
	Frames metric.Int64Counter

	// ClassifierFailures counts frames recorded as silence because the
	// classifier errored.
	ClassifierFailures metric.Int64Counter

	// NoiseResets counts buffer clears while awaiting first speech.
	NoiseResets metric.Int64Counter

	// Attempts counts finalized turns. Use with attributes:
	//   attribute.String("cause", ...), attribute.String("result", "utterance"|"empty")
	Attempts metric.Int64Counter

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SinkWrites counts metrics-log writes. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	SinkWrites metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open streaming connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription and pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// utteranceBuckets defines histogram bucket boundaries (in seconds) for
// spoken turn lengths.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("parley.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Latency of processing one finalized turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("parley.utterance.duration",
		metric.WithDescription("Length of accepted utterance audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Frames, err = m.Int64Counter("parley.frames",
		metric.WithDescription("Total ingested audio frames by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierFailures, err = m.Int64Counter("parley.classifier.failures",
		metric.WithDescription("Frames recorded as silence after a classifier error."),
	); err != nil {
		return nil, err
	}
	if met.NoiseResets, err = m.Int64Counter("parley.noise_resets",
		metric.WithDescription("Buffer clears while waiting for the first speech frame."),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("parley.attempts",
		metric.WithDescription("Finalized turns by cause and result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SinkWrites, err = m.Int64Counter("parley.sink.writes",
		metric.WithDescription("Metrics log writes by status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("parley.active_connections",
		metric.WithDescription("Number of open streaming connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrames adds n frames with the given outcome. Zero is a no-op.
func (m *Metrics) RecordFrames(ctx context.Context, outcome string, n int64) {
	if n == 0 {
		return
	}
	m.Frames.Add(ctx, n, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordAttempt records one finalized turn.
func (m *Metrics) RecordAttempt(ctx context.Context, cause string, empty bool) {
	result := "utterance"
	if empty {
		result = "empty"
	}
	m.Attempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cause", cause),
			attribute.String("result", result),
		),
	)
}

// RecordSinkWrite records one metrics log write.
func (m *Metrics) RecordSinkWrite(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SinkWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}
