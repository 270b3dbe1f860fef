// Package observe provides application-wide observability primitives for
// agentvoice: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all agentvoice metrics.
const meterName = "github.com/MrWong99/agentvoice"

// Turn outcomes recorded by [Metrics.RecordTurn].
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeTooShort = "too_short"
	OutcomeFailed   = "failed"
	OutcomeStale    = "stale"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TranscribeDuration tracks speech-to-text latency.
	TranscribeDuration metric.Float64Histogram

	// ConverseDuration tracks the conversational turn latency until the
	// complete event.
	ConverseDuration metric.Float64Histogram

	// SynthesizeDuration tracks speech synthesis latency.
	SynthesizeDuration metric.Float64Histogram

	// TurnDuration tracks the whole processing phase of a turn.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// FramesSent counts PCM frames written to the duplex socket.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames dropped because the socket was not open.
	FramesDropped metric.Int64Counter

	// AudioDeltas counts response.audio.delta events received.
	AudioDeltas metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open duplex connections.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
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

	// Histograms.
	if met.TranscribeDuration, err = histogram("agentvoice.transcribe.duration",
		"Latency of speech-to-text transcription."); err != nil {
		return nil, err
	}
	if met.ConverseDuration, err = histogram("agentvoice.converse.duration",
		"Latency of the conversational turn until completion."); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = histogram("agentvoice.synthesize.duration",
		"Latency of speech synthesis."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = histogram("agentvoice.turn.duration",
		"Latency of the whole processing phase of a turn."); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("agentvoice.turns",
		metric.WithDescription("Total finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("agentvoice.duplex.frames_sent",
		metric.WithDescription("PCM frames written to the duplex socket."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("agentvoice.duplex.frames_dropped",
		metric.WithDescription("PCM frames dropped because the socket was not open."),
	); err != nil {
		return nil, err
	}
	if met.AudioDeltas, err = m.Int64Counter("agentvoice.duplex.audio_deltas",
		metric.WithDescription("Response audio deltas received."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("agentvoice.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("agentvoice.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("agentvoice.active_sessions",
		metric.WithDescription("Number of open duplex connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("agentvoice.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
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

// RecordTurn records one finished turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
