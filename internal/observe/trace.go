package observe

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the agentvoice tracer.
const tracerName = "github.com/MrWong99/agentvoice"

// Tracer returns the package-level [trace.Tracer] for agentvoice. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StageTimer measures one pipeline stage. It owns a span and, optionally, a
// latency histogram.
type StageTimer struct {
	span  trace.Span
	hist  metric.Float64Histogram
	start time.Time
}

// StartStage starts a span named name and returns a timer that records its
// duration into hist when [StageTimer.End] is called. hist may be nil.
func StartStage(ctx context.Context, name string, hist metric.Float64Histogram) (context.Context, *StageTimer) {
	ctx, span := StartSpan(ctx, name)
	return ctx, &StageTimer{span: span, hist: hist, start: time.Now()}
}

// End records the stage duration, marks the span failed when err is non-nil
// and ends it. It returns the elapsed time.
func (s *StageTimer) End(ctx context.Context, err error) time.Duration {
	elapsed := time.Since(s.start)
	if s.hist != nil {
		s.hist.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	return elapsed
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
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
