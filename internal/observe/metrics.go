// Package observe provides application-wide observability primitives for
// tablecall: OpenTelemetry metrics, tracing, context-scoped structured logging
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter installed by [InitProvider]. A package-level default
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

// meterName is the instrumentation scope name used for all tablecall metrics.
const meterName = "github.com/MrWong99/tablecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// STTDuration tracks time from first caller audio to the first recognised
	// word of an utterance.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks time to the first generated token.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks time to the first synthesised audio chunk.
	TTSDuration metric.Float64Histogram

	// CallDuration tracks total call length.
	CallDuration metric.Float64Histogram

	// Calls counts finished calls. Use with attributes:
	//   attribute.String("outcome", ...), attribute.String("business_id", ...)
	Calls metric.Int64Counter

	// CallsRejected counts calls refused at admission. Use with attribute:
	//   attribute.String("reason", ...)
	CallsRejected metric.Int64Counter

	// BargeIns counts caller interruptions of bot speech.
	BargeIns metric.Int64Counter

	// Reservations counts booking attempts. Use with attribute:
	//   attribute.String("status", ...)
	Reservations metric.Int64Counter

	// RateLimitWaits counts LLM requests delayed by the rate limiter.
	RateLimitWaits metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveCalls tracks the number of registered calls.
	ActiveCalls metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10, 15,
}

// callBuckets covers phone calls from a hang-up during the greeting to a
// long booking conversation.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 180, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("tablecall.stt.duration",
		metric.WithDescription("Latency from first audio to first recognised word."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("tablecall.llm.duration",
		metric.WithDescription("Latency to the first generated token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("tablecall.tts.duration",
		metric.WithDescription("Latency to the first synthesised audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("tablecall.call.duration",
		metric.WithDescription("Total call duration."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Calls, err = m.Int64Counter("tablecall.calls",
		metric.WithDescription("Finished calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.CallsRejected, err = m.Int64Counter("tablecall.calls.rejected",
		metric.WithDescription("Calls refused at admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("tablecall.barge_ins",
		metric.WithDescription("Caller interruptions of bot speech."),
	); err != nil {
		return nil, err
	}
	if met.Reservations, err = m.Int64Counter("tablecall.reservations",
		metric.WithDescription("Booking attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitWaits, err = m.Int64Counter("tablecall.ratelimit.waits",
		metric.WithDescription("LLM requests delayed by the rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("tablecall.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("tablecall.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("tablecall.calls.active",
		metric.WithDescription("Number of registered calls."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tablecall.http.request.duration",
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
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

// RecordCall records a finished call with its outcome and duration.
func (m *Metrics) RecordCall(ctx context.Context, businessID, outcome string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("business_id", businessID),
		attribute.String("outcome", outcome),
	)
	m.Calls.Add(ctx, 1, attrs)
	m.CallDuration.Record(ctx, seconds, attrs)
}

// RecordRejectedCall records a call refused at admission.
func (m *Metrics) RecordRejectedCall(ctx context.Context, reason string) {
	m.CallsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReservation records a booking attempt.
func (m *Metrics) RecordReservation(ctx context.Context, status string) {
	m.Reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
