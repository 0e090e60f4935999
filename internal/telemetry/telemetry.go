// Package telemetry initializes OpenTelemetry tracing and metrics exporters.
//
// Each flow gets its own TracerProvider so spans carry the flow name as
// service.name, while all providers share one span processor and exporter.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Settings configures Init.
type Settings struct {
	Endpoint    string // OTLP/HTTP endpoint. Empty disables export unless SpanExporter is set.
	Insecure    bool
	ServiceName string
	Version     string

	AttributeValueLengthLimit int
	AttributeCountLimit       int

	// SpanExporter replaces the OTLP trace exporter when non-nil.
	SpanExporter sdktrace.SpanExporter
	// SyncExport exports each span as it ends instead of batching.
	SyncExport bool
}

// Providers owns the shared span processor, the per-flow tracer providers and
// the meter provider. Safe for concurrent use.
type Providers struct {
	processor sdktrace.SpanProcessor // nil when tracing export is disabled
	limits    sdktrace.SpanLimits
	version   string

	mu      sync.Mutex
	tracers map[string]*sdktrace.TracerProvider

	meterProvider *sdkmetric.MeterProvider // nil when metrics export is disabled
}

// Init configures span export and the global meter provider.
// If no endpoint and no exporter are configured, TracerFor returns no-op
// tracers and metrics stay on the global no-op provider.
func Init(ctx context.Context, s Settings) (*Providers, error) {
	p := &Providers{
		limits:  spanLimits(s),
		version: s.Version,
		tracers: make(map[string]*sdktrace.TracerProvider),
	}

	exporter := s.SpanExporter
	if exporter == nil && s.Endpoint != "" {
		traceOpts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(s.Endpoint),
		}
		if s.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
		}
		exporter = exp
	}
	if exporter != nil {
		if s.SyncExport {
			p.processor = sdktrace.NewSimpleSpanProcessor(exporter)
		} else {
			p.processor = sdktrace.NewBatchSpanProcessor(exporter,
				sdktrace.WithBatchTimeout(5*time.Second),
			)
		}
	}

	// Register W3C Trace Context and Baggage propagators so hosts can forward
	// traceparent headers alongside hook payloads.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	if s.Endpoint == "" {
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(s.ServiceName),
			semconv.ServiceVersionKey.String(s.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(s.Endpoint),
	}
	if s.Insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)

	return p, nil
}

// TracerFor returns the tracer for a flow, creating a TracerProvider whose
// resource names the flow as the service. Repeated calls with the same name
// return a tracer from the same provider.
func (p *Providers) TracerFor(flowName string) trace.Tracer {
	if p.processor == nil {
		return noop.NewTracerProvider().Tracer(flowName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tp, ok := p.tracers[flowName]
	if !ok {
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(p.processor),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithRawSpanLimits(p.limits),
			sdktrace.WithResource(resource.NewSchemaless(
				semconv.ServiceName(flowName),
				semconv.ServiceVersion(p.version),
			)),
		)
		p.tracers[flowName] = tp
	}
	return tp.Tracer(flowName)
}

// ForceFlush exports any spans still held by the shared processor.
func (p *Providers) ForceFlush(ctx context.Context) error {
	if p.processor == nil {
		return nil
	}
	return p.processor.ForceFlush(ctx)
}

// Shutdown flushes and stops every tracer provider and the meter provider.
// Must be called during graceful shutdown.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error

	p.mu.Lock()
	tracers := p.tracers
	p.tracers = make(map[string]*sdktrace.TracerProvider)
	p.mu.Unlock()

	for name, tp := range tracers {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: shutdown tracer %q: %w", name, err))
		}
	}
	// The processor is shared, so it may already be stopped by a provider
	// above; shutting it down again is a no-op.
	if p.processor != nil {
		if err := p.processor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: shutdown span processor: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func spanLimits(s Settings) sdktrace.SpanLimits {
	limits := sdktrace.NewSpanLimits()
	if s.AttributeValueLengthLimit > 0 {
		limits.AttributeValueLengthLimit = s.AttributeValueLengthLimit
	}
	if s.AttributeCountLimit > 0 {
		limits.AttributeCountLimit = s.AttributeCountLimit
		limits.LinkCountLimit = s.AttributeCountLimit
		limits.EventCountLimit = s.AttributeCountLimit
	}
	return limits
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
