package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the audiocast tracer.
const tracerName = "github.com/MrWong99/audiocast"

// Span attribute keys for listener sessions.
const (
	AttrSessionID      = attribute.Key("session.id")
	AttrTransport      = attribute.Key("session.transport")
	AttrRemote         = attribute.Key("session.remote")
	AttrFramesSent     = attribute.Key("session.frames_sent")
	AttrFramesDropped  = attribute.Key("session.frames_dropped")
	AttrSessionOutcome = attribute.Key("session.close_reason")
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one listener session, from
// attach until its connection is released. End it with [EndSessionSpan].
func StartSessionSpan(ctx context.Context, id, transport, remote string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session "+transport,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			AttrSessionID.String(id),
			AttrTransport.String(transport),
			AttrRemote.String(remote),
		),
	)
}

// EndSessionSpan records the session totals on span and ends it. A non-nil
// err marks the span as failed.
func EndSessionSpan(span trace.Span, reason string, sent, dropped uint64, err error) {
	span.SetAttributes(
		AttrFramesSent.Int64(int64(sent)),
		AttrFramesDropped.Int64(int64(dropped)),
		AttrSessionOutcome.String(reason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	return LoggerFrom(ctx, slog.Default())
}

// LoggerFrom is like [Logger] but enriches l instead of the default logger.
func LoggerFrom(ctx context.Context, l *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// SessionLogger returns l enriched with the trace of ctx and the session's
// identity, using the same keys on every session log line.
func SessionLogger(ctx context.Context, l *slog.Logger, id, transport, remote string) *slog.Logger {
	return LoggerFrom(ctx, l).With(
		slog.String("session", id),
		slog.String("remote", remote),
		slog.String("transport", transport),
	)
}
