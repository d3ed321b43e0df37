package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs points slog.Default at a buffer for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartTurn_RecordsTurnSpan(t *testing.T) {
	exp := useTracer(t)

	ctx, span := StartTurn(context.Background(), "u42", "audio")
	if got := UserID(ctx); got != "u42" {
		t.Errorf("UserID(ctx) = %q, want u42", got)
	}
	if CorrelationID(ctx) == "" {
		t.Error("turn context carries no trace id")
	}
	span.SetAttributes(AttrTurnFallback.Bool(true))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != TurnSpan || TurnSpan != "conversation.turn" {
		t.Errorf("span name = %q, want conversation.turn", spans[0].Name)
	}
	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	want := map[string]string{
		"lumi.user_id":       "u42",
		"lumi.turn.input":    "audio",
		"lumi.turn.fallback": "true",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestStartTurn_NestsUnderParent(t *testing.T) {
	exp := useTracer(t)

	ctx, parent := StartSpan(context.Background(), "ws.conversation")
	_, turn := StartTurn(ctx, "u1", "text")
	turn.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("turn span is not a child of the connection span")
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background,
			notWant: []string{"user_id=", "trace_id="},
		},
		{
			name:    "user only",
			ctx:     func() context.Context { return WithUserID(context.Background(), "u7") },
			want:    []string{"user_id=u7"},
			notWant: []string{"trace_id="},
		},
		{
			name: "inside a turn",
			ctx: func() context.Context {
				ctx, span := StartTurn(context.Background(), "u9", "text")
				span.End()
				return ctx
			},
			want: []string{"user_id=u9", "trace_id=", "span_id="},
		},
		{
			name:    "empty user is ignored",
			ctx:     func() context.Context { return WithUserID(context.Background(), "") },
			notWant: []string{"user_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx()).Info("journal entry saved")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log output missing %q: %s", w, out)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log output should not contain %q: %s", w, out)
				}
			}
		})
	}
}

func TestLogger_InnerUserWins(t *testing.T) {
	buf := captureLogs(t)
	ctx := WithUserID(WithUserID(context.Background(), "outer"), "inner")
	Logger(ctx).Info("x")
	if out := buf.String(); !strings.Contains(out, "user_id=inner") || strings.Contains(out, "outer") {
		t.Errorf("log output = %s", out)
	}
}
