package core

import "context"

// Span is the minimal handle a component needs after starting a trace span.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Telemetry is the tracing/metrics contract. Concrete implementations are
// expected to wrap go.opentelemetry.io/otel; components only depend on
// this narrow interface.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// NoOpTelemetry discards spans and metrics. It is the default.
type NoOpTelemetry struct{}

var _ Telemetry = NoOpTelemetry{}

func (NoOpTelemetry) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

type noopSpan struct{}

func (noopSpan) End()                                {}
func (noopSpan) SetAttribute(string, interface{})    {}
func (noopSpan) RecordError(error)                   {}

type baggageKey struct{}

// Baggage is the set of identifiers propagated across goroutine/request
// boundaries so async work (retries, background repair) can still be
// attributed to the right run/tenant after the originating context is
// cancelled.
type Baggage struct {
	RunID    string
	Tenant   string
	StepID   string
	Iteration int
}

// WithBaggage attaches b to ctx.
func WithBaggage(ctx context.Context, b Baggage) context.Context {
	return context.WithValue(ctx, baggageKey{}, b)
}

// GetBaggage reads previously attached Baggage, if any.
func GetBaggage(ctx context.Context) (Baggage, bool) {
	b, ok := ctx.Value(baggageKey{}).(Baggage)
	return b, ok
}
