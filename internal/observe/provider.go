package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures telemetry for one Lumi process.
type ProviderConfig struct {
	// ServiceVersion is the build version reported on every span.
	ServiceVersion string

	// Environment is the deployment environment, e.g. "production".
	Environment string

	// SampleRatio is the fraction of root spans kept, in [0, 1]. Child spans
	// follow their parent's decision.
	SampleRatio float64

	// SlowTurn logs every sampled [TurnSpan] that lasts at least this long.
	// Zero disables it.
	SlowTurn time.Duration

	// TraceExporter receives finished spans. Nil keeps spans in process,
	// which still feeds the slow turn log.
	TraceExporter sdktrace.SpanExporter

	// Logger receives slow turn warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// InitProvider installs the global meter provider, backed by the
// Prometheus exporter served on /metrics, and the global tracer provider.
// The returned function flushes and stops both.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)

	tp := sdktrace.NewTracerProvider(tracerOptions(res, cfg)...)
	otel.SetTracerProvider(tp)

	slog.InfoContext(ctx, "telemetry ready",
		"environment", cfg.Environment,
		"sample_ratio", cfg.SampleRatio,
		"slow_turn", cfg.SlowTurn,
		"trace_export", cfg.TraceExporter != nil,
	)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("lumi"),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
}

func tracerOptions(res *resource.Resource, cfg ProviderConfig) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.SlowTurn > 0 {
		opts = append(opts, sdktrace.WithSpanProcessor(NewSlowTurnProcessor(cfg.SlowTurn, cfg.Logger)))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return opts
}

// SlowTurnProcessor logs conversation turns that took at least a threshold.
type SlowTurnProcessor struct {
	threshold time.Duration
	log       *slog.Logger
}

var _ sdktrace.SpanProcessor = (*SlowTurnProcessor)(nil)

// NewSlowTurnProcessor returns a processor warning about turns slower than
// threshold. A nil log uses slog.Default().
func NewSlowTurnProcessor(threshold time.Duration, log *slog.Logger) *SlowTurnProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &SlowTurnProcessor{threshold: threshold, log: log}
}

// OnStart implements sdktrace.SpanProcessor.
func (p *SlowTurnProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

// OnEnd implements sdktrace.SpanProcessor.
func (p *SlowTurnProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.Name() != TurnSpan {
		return
	}
	took := s.EndTime().Sub(s.StartTime())
	if took < p.threshold {
		return
	}
	args := []any{
		"duration_ms", took.Milliseconds(),
		"trace_id", s.SpanContext().TraceID().String(),
	}
	for _, kv := range s.Attributes() {
		switch kv.Key {
		case AttrUserID:
			args = append(args, "user_id", kv.Value.AsString())
		case AttrTurnInput:
			args = append(args, "input", kv.Value.AsString())
		case AttrTurnFallback:
			args = append(args, "fallback", kv.Value.AsBool())
		}
	}
	p.log.Warn("observe: slow conversation turn", args...)
}

// Shutdown implements sdktrace.SpanProcessor.
func (p *SlowTurnProcessor) Shutdown(context.Context) error { return nil }

// ForceFlush implements sdktrace.SpanProcessor.
func (p *SlowTurnProcessor) ForceFlush(context.Context) error { return nil }
