// Package observe provides application-wide observability primitives for
// Lumi: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [InitProvider]. A package-level default
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

// meterName is the instrumentation scope name used for all Lumi metrics.
const meterName = "github.com/lumi-journal/lumi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls by provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors by provider and kind.
	ProviderErrors metric.Int64Counter

	// Fallbacks counts substituted safe values by component and reason.
	Fallbacks metric.Int64Counter

	// StateTransitions counts executed conversation transitions by from/to.
	StateTransitions metric.Int64Counter

	// SessionsEnded counts ended journaling sessions by outcome
	// ("saved", "discarded", "failed").
	SessionsEnded metric.Int64Counter

	// ActiveConversations tracks the number of live voice conversations.
	ActiveConversations metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// route pattern.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round-trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.STTDuration, err = histogram("lumi.stt.duration", "Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = histogram("lumi.llm.duration", "Latency of LLM completions."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("lumi.tts.duration", "Latency of text-to-speech synthesis."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("lumi.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("lumi.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("lumi.fallbacks",
		metric.WithDescription("Safe fallback values substituted for failed operations."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("lumi.conversation.transitions",
		metric.WithDescription("Executed conversation state transitions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsEnded, err = m.Int64Counter("lumi.sessions.ended",
		metric.WithDescription("Ended journaling sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConversations, err = m.Int64UpDownCounter("lumi.active_conversations",
		metric.WithDescription("Number of live voice conversations."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("lumi.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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
// fails (should not happen with the global provider).
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
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

// RecordFallback records that component substituted a safe value.
func (m *Metrics) RecordFallback(ctx context.Context, component, reason string) {
	m.Fallbacks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransition records an executed conversation state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordSessionEnded records the outcome of an ended journaling session.
func (m *Metrics) RecordSessionEnded(ctx context.Context, outcome string) {
	m.SessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
