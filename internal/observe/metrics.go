// Package observe provides application-wide observability primitives for
// earmark: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earmark metrics.
const meterName = "github.com/MrWong99/earmark"

// Utterance status attribute values for [Metrics.RecordUtterance].
const (
	StatusOK                 = "ok"
	StatusSinkError          = "sink_error"
	StatusTranscriptionError = "transcription_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Detector ---

	// DetectorPolls counts classifier polls. Use with attribute:
	//   attribute.String("state", ...) (the state after the transition)
	DetectorPolls metric.Int64Counter

	// DetectorProbability records every speech probability returned by the
	// classifier.
	DetectorProbability metric.Float64Histogram

	// TrimmedSamples counts samples dropped by the idle lookback trim.
	TrimmedSamples metric.Int64Counter

	// BufferSamples tracks the current length of the live sample buffer.
	BufferSamples metric.Int64UpDownCounter

	// --- Session ---

	// SessionDuration tracks the time from capture start to the boundary
	// signal.
	SessionDuration metric.Float64Histogram

	// Utterances counts finished sessions. Use with attribute:
	//   attribute.String("status", ...)
	Utterances metric.Int64Counter

	// SinkFailedSamples counts samples the sink could not write.
	SinkFailedSamples metric.Int64Counter

	// --- Providers ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// transcription latency.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// sessionBuckets covers utterances from a single poll to a long monologue.
var sessionBuckets = []float64{
	1, 2, 3, 5, 8, 13, 21, 34, 55, 89,
}

// probabilityBuckets splits [0,1] evenly.
var probabilityBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Detector.
	if met.DetectorPolls, err = m.Int64Counter("earmark.detector.polls",
		metric.WithDescription("Classifier polls by resulting detector state."),
	); err != nil {
		return nil, err
	}
	if met.DetectorProbability, err = m.Float64Histogram("earmark.detector.probability",
		metric.WithDescription("Speech probability reported by the classifier."),
		metric.WithExplicitBucketBoundaries(probabilityBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TrimmedSamples, err = m.Int64Counter("earmark.detector.trimmed_samples",
		metric.WithDescription("Samples dropped by the idle lookback trim."),
	); err != nil {
		return nil, err
	}
	if met.BufferSamples, err = m.Int64UpDownCounter("earmark.buffer.samples",
		metric.WithDescription("Current number of samples held in the live buffer."),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.SessionDuration, err = m.Float64Histogram("earmark.session.duration",
		metric.WithDescription("Time from capture start to the end-of-utterance boundary."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("earmark.utterances",
		metric.WithDescription("Finished utterances by dispatch status."),
	); err != nil {
		return nil, err
	}
	if met.SinkFailedSamples, err = m.Int64Counter("earmark.sink.failed_samples",
		metric.WithDescription("Samples the sink failed to write."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.STTDuration, err = m.Float64Histogram("earmark.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("earmark.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("earmark.http.request.duration",
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

// RecordPoll records one detector poll: the probability, the state reached,
// and the number of samples trimmed (zero outside Idle).
func (m *Metrics) RecordPoll(ctx context.Context, state string, probability float64, trimmed int) {
	m.DetectorPolls.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.DetectorProbability.Record(ctx, probability)
	if trimmed > 0 {
		m.TrimmedSamples.Add(ctx, int64(trimmed))
		m.BufferSamples.Add(ctx, -int64(trimmed))
	}
}

// RecordUtterance records a finished session with the given status.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
