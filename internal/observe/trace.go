package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/lumi-journal/lumi"

// TurnSpan names the span covering one user turn, from the end of speech
// to the reply.
const TurnSpan = "conversation.turn"

// Span attribute keys set on turn spans.
const (
	AttrUserID       = attribute.Key("lumi.user_id")
	AttrTurnInput    = attribute.Key("lumi.turn.input")
	AttrTurnFallback = attribute.Key("lumi.turn.fallback")
)

type userKey struct{}

// Tracer returns the Lumi tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a child span of ctx. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the [TurnSpan] for one turn of userID and attaches the
// user to ctx, so loggers built from it with [Logger] carry user_id. input
// is "audio" or "text".
func StartTurn(ctx context.Context, userID, input string) (context.Context, trace.Span) {
	ctx = WithUserID(ctx, userID)
	return Tracer().Start(ctx, TurnSpan, trace.WithAttributes(
		AttrUserID.String(userID),
		AttrTurnInput.String(input),
	))
}

// WithUserID returns a copy of ctx that carries userID for [Logger].
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the user attached with [WithUserID], or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the user and trace of ctx
// attached. Attributes that ctx does not carry are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := UserID(ctx); id != "" {
		attrs = append(attrs, slog.String("user_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
