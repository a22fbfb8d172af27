// Package observe provides application-wide observability primitives for
// voxlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped from the control server's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxlink metrics.
const meterName = "github.com/MrWong99/voxlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Outbound audio ---

	// ChunksSent counts microphone chunks handed to the transport.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts capture windows that were not sent. Use with
	// attribute:
	//   attribute.String("reason", "closed"|"send_error")
	ChunksDropped metric.Int64Counter

	// --- Inbound audio ---

	// ChunksReceived counts agent audio chunks accepted into the queue.
	ChunksReceived metric.Int64Counter

	// DecodeErrors counts inbound frames dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// ItemsPlayed counts playback items that began sounding.
	ItemsPlayed metric.Int64Counter

	// QueueDepth tracks items waiting behind the sounding one.
	QueueDepth metric.Int64UpDownCounter

	// PlaybackStartLatency tracks how long an item waited in the queue.
	PlaybackStartLatency metric.Float64Histogram

	// --- Conversation ---

	// CaptionUtterances counts agent responses prepared for captioning.
	CaptionUtterances metric.Int64Counter

	// Messages counts inbound control messages. Use with attribute:
	//   attribute.String("type", ...)
	Messages metric.Int64Counter

	// TransportErrors counts send/receive failures. Use with attribute:
	//   attribute.String("op", ...)
	TransportErrors metric.Int64Counter

	// ActiveSessions tracks the number of live conversations.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for queue
// wait times, which are dominated by the length of the audio ahead.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.ChunksSent, err = m.Int64Counter("voxlink.capture.chunks_sent",
		metric.WithDescription("Microphone chunks queued for the agent."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("voxlink.capture.chunks_dropped",
		metric.WithDescription("Capture windows dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksReceived, err = m.Int64Counter("voxlink.playback.chunks_received",
		metric.WithDescription("Agent audio chunks enqueued for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxlink.playback.decode_errors",
		metric.WithDescription("Inbound audio frames dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.ItemsPlayed, err = m.Int64Counter("voxlink.playback.items_played",
		metric.WithDescription("Playback items started."),
	); err != nil {
		return nil, err
	}
	if met.CaptionUtterances, err = m.Int64Counter("voxlink.caption.utterances",
		metric.WithDescription("Agent responses prepared for captioning."),
	); err != nil {
		return nil, err
	}
	if met.Messages, err = m.Int64Counter("voxlink.transport.messages",
		metric.WithDescription("Inbound control messages by type."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voxlink.transport.errors",
		metric.WithDescription("Control channel failures by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.QueueDepth, err = m.Int64UpDownCounter("voxlink.playback.queue_depth",
		metric.WithDescription("Items waiting behind the sounding item."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlink.active_sessions",
		metric.WithDescription("Number of live conversations."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.PlaybackStartLatency, err = m.Float64Histogram("voxlink.playback.start_latency",
		metric.WithDescription("Time an audio chunk waited before it began sounding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlink.http.request.duration",
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

// RecordDrop records a dropped capture window.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordMessage records one inbound control message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, typ string) {
	m.Messages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordTransportError records a control channel failure.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
