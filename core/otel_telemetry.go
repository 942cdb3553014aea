package core

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelTelemetry implements Telemetry on top of the real OpenTelemetry SDK,
// grounded on itsneelabh-gomind/telemetry/otel.go's OTelProvider shape:
// one TracerProvider, one MeterProvider, a cached set of instruments. The
// teacher's provider ships OTLP/HTTP exporters (otlptracehttp,
// otlpmetrichttp); this one accepts any sdktrace.SpanExporter /
// sdkmetric.Reader the caller constructs, since the OTLP exporter
// packages are not part of this module's dependency set (see DESIGN.md —
// they are the natural next addition once a collector endpoint is part
// of the deployment story).
type OTelTelemetry struct {
	tracer trace.Tracer
	meter  *instrumentSet

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// NewOTelTelemetry builds the SDK providers for serviceName and registers
// them as the process-global otel providers (matching the teacher's
// otel.SetTracerProvider/otel.SetMeterProvider calls). spanExporter and
// metricReader may both be nil, in which case spans and metrics are
// computed but never exported — useful for tests and for environments
// that have not stood up a collector yet.
func NewOTelTelemetry(serviceName string, spanExporter sdktrace.SpanExporter, metricReader sdkmetric.Reader) *OTelTelemetry {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if metricReader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(metricReader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return &OTelTelemetry{
		tracer: tp.Tracer(serviceName),
		meter:  newInstrumentSet(mp.Meter(serviceName)),
		tp:     tp,
		mp:     mp,
	}
}

// StartSpan starts a child span under ctx's current span, if any, and
// tags it with whatever run/tenant/step Baggage is attached to ctx.
func (o *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := o.tracer.Start(ctx, name)
	if b, ok := GetBaggage(spanCtx); ok {
		span.SetAttributes(
			attribute.String("run_id", b.RunID),
			attribute.String("tenant", b.Tenant),
			attribute.String("step_id", b.StepID),
			attribute.Int("iteration", b.Iteration),
		)
	}
	return spanCtx, &otelSpan{span: span}
}

// RecordMetric records value against name's gauge instrument, creating
// the instrument lazily the first time a given metric name is seen: the
// repair ladder, canary comparator, and budget tracker each report their
// own metric vocabulary, so this cannot be a fixed instrument set the way
// the teacher's MetricInstruments cache is.
func (o *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	o.meter.record(context.Background(), name, value, labels)
}

// Shutdown flushes and stops both providers; callers invoke this once at
// process exit.
func (o *OTelTelemetry) Shutdown(ctx context.Context) error {
	if err := o.tp.Shutdown(ctx); err != nil {
		return err
	}
	return o.mp.Shutdown(ctx)
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
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
		s.span.SetAttributes(attribute.String(key, "unsupported_attribute_type"))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// instrumentSet lazily creates one Float64Gauge per metric name recorded
// through RecordMetric, guarded by a mutex since agents and the
// orchestrator call RecordMetric from many goroutines concurrently.
type instrumentSet struct {
	mu     sync.Mutex
	meter  metric.Meter
	gauges map[string]metric.Float64Gauge
}

func newInstrumentSet(meter metric.Meter) *instrumentSet {
	return &instrumentSet{meter: meter, gauges: make(map[string]metric.Float64Gauge)}
}

func (s *instrumentSet) record(ctx context.Context, name string, value float64, labels map[string]string) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	g.Record(ctx, value, metric.WithAttributes(attrs...))
}

var _ Telemetry = (*OTelTelemetry)(nil)
