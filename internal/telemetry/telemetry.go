// Package telemetry wires OpenTelemetry tracing and metrics around the
// orchestration pipeline's stages. It adapts the teacher's
// telemetry.OTelProvider (HTTP OTLP exporters, batched trace/metric
// providers, a name-pattern heuristic for metric-instrument selection) to a
// gRPC OTLP exporter with a stdout fallback for local/dev runs, matching
// this module's go.mod dependency surface.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span is the minimal span surface the pipeline needs, mirroring
// core.Span's SetAttribute/RecordError/End contract.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Provider wraps the tracer and meter used across the orchestration core.
type Provider struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	mu           sync.RWMutex
	shutdownOnce sync.Once
	shutdown     bool

	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	instMu     sync.Mutex
}

// Options configures a Provider.
type Options struct {
	ServiceName    string
	OTLPEndpoint   string // empty => stdout exporter (dev mode)
	ExportInterval time.Duration
}

// New builds a Provider. With an empty OTLPEndpoint it exports traces to
// stdout, which is useful for local runs and tests that don't want a
// collector dependency.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("telemetry: service name is required")
	}
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = 30 * time.Second
	}

	res := resource.NewWithAttributes(
		"https://opentelemetry.io/schemas/1.17.0",
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", "1.0.0"),
	)

	var tp *sdktrace.TracerProvider
	if opts.OTLPEndpoint == "" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	} else {
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(opts.OTLPEndpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp trace exporter for %s: %w", opts.OTLPEndpoint, err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tracer:         tp.Tracer("orchestrator-core"),
		meter:          mp.Meter("orchestrator-core"),
		traceProvider:  tp,
		metricProvider: mp,
		counters:       make(map[string]metric.Float64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}, nil
}

// StartSpan starts a new span named name, tagged under component (e.g.
// "pipeline", "rcr", "lag").
func (p *Provider) StartSpan(ctx context.Context, component, name string) (context.Context, Span) {
	p.mu.RLock()
	if p.shutdown || p.tracer == nil {
		p.mu.RUnlock()
		return ctx, noOpSpan{}
	}
	p.mu.RUnlock()

	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("component", component)))
	return ctx, otelSpan{span: span}
}

// RecordMetric records a named metric value, routing to a counter or
// histogram instrument by name pattern — the same heuristic the teacher's
// OTelProvider.RecordMetric applies (duration/latency/time → histogram;
// count/total/errors/success → counter).
func (p *Provider) RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	p.mu.RLock()
	if p.shutdown {
		p.mu.RUnlock()
		return
	}
	p.mu.RUnlock()

	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	opt := metric.WithAttributes(attrs...)

	if hasAnySuffix(name, "duration", "latency", "time") {
		p.histogramFor(name).Record(ctx, value, opt)
		return
	}
	if hasAnySuffix(name, "count", "total", "errors", "success") {
		p.counterFor(name).Add(ctx, value, opt)
		return
	}
	p.histogramFor(name).Record(ctx, value, opt)
}

func hasAnySuffix(name string, suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) || strings.HasPrefix(name, s) {
			return true
		}
	}
	return false
}

func (p *Provider) counterFor(name string) metric.Float64Counter {
	p.instMu.Lock()
	defer p.instMu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c, _ := p.meter.Float64Counter(name)
	p.counters[name] = c
	return c
}

func (p *Provider) histogramFor(name string) metric.Float64Histogram {
	p.instMu.Lock()
	defer p.instMu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, _ := p.meter.Float64Histogram(name)
	p.histograms[name] = h
	return h
}

// Shutdown flushes and tears down the trace/metric providers. Idempotent.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.shutdown = true
		p.mu.Unlock()

		if p.metricProvider != nil {
			if e := p.metricProvider.Shutdown(ctx); e != nil {
				err = fmt.Errorf("telemetry: shutdown metric provider: %w", e)
			}
		}
		if p.traceProvider != nil {
			if e := p.traceProvider.Shutdown(ctx); e != nil {
				if err != nil {
					err = fmt.Errorf("%v; telemetry: shutdown trace provider: %w", err, e)
				} else {
					err = fmt.Errorf("telemetry: shutdown trace provider: %w", e)
				}
			}
		}
	})
	return err
}

type noOpSpan struct{}

func (noOpSpan) End()                                 {}
func (noOpSpan) SetAttribute(string, interface{})     {}
func (noOpSpan) RecordError(error)                    {}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s otelSpan) RecordError(err error) { s.span.RecordError(err) }
