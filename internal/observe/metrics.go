// Package observe provides application-wide observability primitives for
// Muster: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Muster metrics.
const meterName = "github.com/guildops/muster"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FlushDuration tracks one pass of the session-table flush loop.
	FlushDuration metric.Float64Histogram

	// ClassifyDuration tracks one pass of the classification loop.
	ClassifyDuration metric.Float64Histogram

	// RenderDuration tracks notification render latency.
	RenderDuration metric.Float64Histogram

	// --- Counters ---

	// VoiceEvents counts debounced voice-state dispatches. Use with attribute:
	//   attribute.String("kind", "join"|"leave"|"move")
	VoiceEvents metric.Int64Counter

	// SessionsSpawned counts ad-hoc session spawns.
	SessionsSpawned metric.Int64Counter

	// SessionsCompleted counts ad-hoc session completions.
	SessionsCompleted metric.Int64Counter

	// FlushedSessions counts session rows written by the flush loop. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error")
	FlushedSessions metric.Int64Counter

	// Classifications counts attendance classifications. Use with attribute:
	//   attribute.String("result", ...)
	Classifications metric.Int64Counter

	// ResolverLookups counts game-name resolutions by pipeline source. Use
	// with attribute:
	//   attribute.String("source", "cache"|"mapping"|"exact"|"fold"|"trigram"|"none")
	ResolverLookups metric.Int64Counter

	// --- Error counters ---

	// RenderErrors counts failed notification renders.
	RenderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live ad-hoc sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of members currently present in
	// tracked sessions across both engines.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// flush, classification, and render latencies.
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
	if met.FlushDuration, err = m.Float64Histogram("muster.flush.duration",
		metric.WithDescription("Latency of one session-table flush pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassifyDuration, err = m.Float64Histogram("muster.classify.duration",
		metric.WithDescription("Latency of one classification-loop pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderDuration, err = m.Float64Histogram("muster.notify.render.duration",
		metric.WithDescription("Latency of notification renders."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VoiceEvents, err = m.Int64Counter("muster.voice.events",
		metric.WithDescription("Debounced voice-state dispatches by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsSpawned, err = m.Int64Counter("muster.sessions.spawned",
		metric.WithDescription("Total ad-hoc session spawns."),
	); err != nil {
		return nil, err
	}
	if met.SessionsCompleted, err = m.Int64Counter("muster.sessions.completed",
		metric.WithDescription("Total ad-hoc session completions."),
	); err != nil {
		return nil, err
	}
	if met.FlushedSessions, err = m.Int64Counter("muster.flush.sessions",
		metric.WithDescription("Session rows written by the flush loop, by status."),
	); err != nil {
		return nil, err
	}
	if met.Classifications, err = m.Int64Counter("muster.classifications",
		metric.WithDescription("Attendance classifications by result."),
	); err != nil {
		return nil, err
	}
	if met.ResolverLookups, err = m.Int64Counter("muster.resolver.lookups",
		metric.WithDescription("Game-name resolutions by pipeline source."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.RenderErrors, err = m.Int64Counter("muster.notify.render.errors",
		metric.WithDescription("Total failed notification renders."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("muster.active_sessions",
		metric.WithDescription("Number of live ad-hoc sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("muster.active_participants",
		metric.WithDescription("Number of members currently present in tracked sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("muster.http.request.duration",
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

// RecordVoiceEvent records one debounced voice-state dispatch.
func (m *Metrics) RecordVoiceEvent(ctx context.Context, kind string) {
	m.VoiceEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFlushPass records the duration of one flush pass and the number of
// rows written and failed.
func (m *Metrics) RecordFlushPass(ctx context.Context, d time.Duration, written, failed int64) {
	m.FlushDuration.Record(ctx, d.Seconds())
	if written > 0 {
		m.FlushedSessions.Add(ctx, written,
			metric.WithAttributes(attribute.String("status", "ok")),
		)
	}
	if failed > 0 {
		m.FlushedSessions.Add(ctx, failed,
			metric.WithAttributes(attribute.String("status", "error")),
		)
	}
}

// RecordClassification records one attendance classification result.
func (m *Metrics) RecordClassification(ctx context.Context, result string) {
	m.Classifications.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordRender records one notification render with its outcome.
func (m *Metrics) RecordRender(ctx context.Context, d time.Duration, err error) {
	m.RenderDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.RenderErrors.Add(ctx, 1)
	}
}

// RecordResolverLookup records one game-name resolution by pipeline source.
func (m *Metrics) RecordResolverLookup(ctx context.Context, source string) {
	m.ResolverLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}
