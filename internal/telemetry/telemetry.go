package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/vigia-ai/vigia/internal/logging"
)

// Config controls OTLP export. Prometheus metrics are always collected.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// Provider wires tracer/meter providers and the Prometheus collectors.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter
	prom    *Metrics

	scoresCounter         metric.Int64Counter
	scoreDuration         metric.Float64Histogram
	classifyDuration      metric.Float64Histogram
	indicatorsCounter     metric.Int64Counter
	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When OTLP is disabled,
// traces and OTEL metrics are no-ops.
func NewProvider(ctx context.Context, cfg Config, log logging.Logger) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = logging.Nop()
	}
	if !cfg.Enabled {
		no := &Provider{
			Enabled: false,
			tracer:  tracenoop.NewTracerProvider().Tracer(""),
			meter:   noop.NewMeterProvider().Meter(""),
			prom:    NewMetrics(),
		}
		no.initInstruments()
		return no, nil
	}

	log.Info("telemetry enabled",
		logging.String("protocol", strings.ToLower(cfg.Protocol)),
		logging.String("endpoint", cfg.Endpoint),
	)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var tp *sdktrace.TracerProvider

	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	case "http":
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	default:
		return nil, fmt.Errorf("unsupported telemetry protocol %q", cfg.Protocol)
	}

	otel.SetTracerProvider(tp)

	var metricExporter sdkmetric.Reader
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	case "http":
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExporter = sdkmetric.NewPeriodicReader(exp)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(metricExporter))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer("vigia"),
		meter:                 mp.Meter("vigia"),
		prom:                  NewMetrics(),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: func(ctx context.Context) error {
			if mp != nil {
				return mp.Shutdown(ctx)
			}
			return nil
		},
	}
	p.initInstruments()
	return p, nil
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Best-effort: a failed instrument falls back to noop.
	p.scoresCounter, _ = p.meter.Int64Counter("vigia_scores_total")
	p.scoreDuration, _ = p.meter.Float64Histogram("vigia_score_duration_ms")
	p.classifyDuration, _ = p.meter.Float64Histogram("vigia_classify_duration_ms")
	p.indicatorsCounter, _ = p.meter.Int64Counter("vigia_indicators_total")
	fallback := noop.NewMeterProvider().Meter("")
	if p.scoresCounter == nil {
		p.scoresCounter, _ = fallback.Int64Counter("")
	}
	if p.scoreDuration == nil {
		p.scoreDuration, _ = fallback.Float64Histogram("")
	}
	if p.classifyDuration == nil {
		p.classifyDuration, _ = fallback.Float64Histogram("")
	}
	if p.indicatorsCounter == nil {
		p.indicatorsCounter, _ = fallback.Int64Counter("")
	}
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Metrics returns the Prometheus collectors.
func (p *Provider) Metrics() *Metrics {
	if p == nil {
		return nil
	}
	return p.prom
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// ScoreRecord is what one scoring call reports.
type ScoreRecord struct {
	Outcome             string
	RiskLevel           string
	Backend             string
	Indicators          int
	TranslationDegraded bool
	Duration            time.Duration
}

// RecordScore feeds both the OTEL instruments and the Prometheus collectors.
func (p *Provider) RecordScore(r ScoreRecord) {
	if p == nil {
		return
	}
	labels := []attribute.KeyValue{
		attribute.String("vigia.outcome", r.Outcome),
		attribute.String("vigia.risk_level", r.RiskLevel),
		attribute.String("vigia.backend", r.Backend),
	}
	ctx := context.Background()
	ms := float64(r.Duration) / float64(time.Millisecond)
	p.scoresCounter.Add(ctx, 1, metric.WithAttributes(labels...))
	p.scoreDuration.Record(ctx, ms, metric.WithAttributes(labels...))
	if r.Indicators > 0 {
		p.indicatorsCounter.Add(ctx, int64(r.Indicators), metric.WithAttributes(labels...))
	}
	p.prom.recordScore(r)
}

// ObserveStage records one pipeline stage.
func (p *Provider) ObserveStage(stage string, d time.Duration) {
	if p == nil {
		return
	}
	if stage == "classify" {
		p.classifyDuration.Record(context.Background(), float64(d)/float64(time.Millisecond))
	}
	p.prom.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
