// Package observe provides application-wide observability primitives for
// audiocast: OpenTelemetry metrics, tracing, structured logging helpers, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// returns a [Metrics] bound to the SDK provider and a Prometheus gatherer
// for the scrape endpoint. Components built without one fall back to
// [DefaultMetrics], which follows the global provider. Tests use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all audiocast metrics.
const meterName = "github.com/MrWong99/audiocast"

// Drop reasons reported on [Metrics.FramesDropped].
const (
	// DropSourceOverflow: the capture device lost data before a frame.
	DropSourceOverflow = "source_overflow"

	// DropHandoffFull: the hand-off channel was full and its oldest frame
	// was discarded.
	DropHandoffFull = "handoff_full"

	// DropSessionBacklog: a session's outbox was full and its oldest frame
	// was discarded.
	DropSessionBacklog = "session_backlog"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// FramesProduced counts frames created by the producer.
	FramesProduced metric.Int64Counter

	// FramesDropped counts lost frames. Use with attribute:
	//   attribute.String("reason", DropSourceOverflow|DropHandoffFull|DropSessionBacklog)
	FramesDropped metric.Int64Counter

	// ActiveSessions tracks the number of sessions currently registered.
	ActiveSessions metric.Int64UpDownCounter

	// SendFailures counts sends that failed or timed out. Use with attribute:
	//   attribute.String("transport", ...)
	SendFailures metric.Int64Counter

	// SendDuration tracks how long a single client send takes.
	SendDuration metric.Float64Histogram

	// JournalWrites counts session journal writes. Use with attribute:
	//   attribute.String("result", "ok"|"error"|"skipped")
	JournalWrites metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Recorded by
	// [Middleware] with method, route (the matched mux pattern) and status.
	HTTPRequestDuration metric.Float64Histogram
}

// sendBuckets defines histogram bucket boundaries (in seconds) for single
// network writes, which normally complete well below one frame period.
var sendBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProduced, err = m.Int64Counter("audiocast.frames.produced",
		metric.WithDescription("Total audio frames produced by the capture loop."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("audiocast.frames.dropped",
		metric.WithDescription("Total audio frames lost, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("audiocast.sessions.active",
		metric.WithDescription("Number of client sessions currently receiving audio."),
	); err != nil {
		return nil, err
	}
	if met.SendFailures, err = m.Int64Counter("audiocast.session.send_failures",
		metric.WithDescription("Total failed or timed out client sends, by transport."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("audiocast.session.send.duration",
		metric.WithDescription("Latency of a single client send."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sendBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JournalWrites, err = m.Int64Counter("audiocast.journal.writes",
		metric.WithDescription("Session journal writes, by result."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("audiocast.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameDropped increments the dropped-frame counter for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSend records the latency of one client send and, when err is non-nil,
// a send failure for the transport.
func (m *Metrics) RecordSend(ctx context.Context, transport string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.SendDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.SendFailures.Add(ctx, 1, attrs)
	}
}
