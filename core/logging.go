// Package core provides the ambient contracts (logging, telemetry, errors,
// configuration) shared by every Meta-Builder component. None of these
// types know about runs, steps, or agents — they are the same kind of
// narrow, dependency-free interfaces a caller wires a concrete
// implementation into at process startup.
package core

import "context"

// Logger is the structured logging contract every component logs through.
// A nil Logger is never passed around; components default to NoOpLogger.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})

	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger decorates a Logger with a component tag so every
// line it emits can be attributed to a subsystem (substrate, scheduler,
// orchestrator, evaluator, ...) without each call site repeating it.
type ComponentAwareLogger interface {
	Logger
	WithComponent(name string) Logger
}

// NoOpLogger discards everything. It is the default when a caller does not
// wire in a concrete logger.
type NoOpLogger struct{}

var _ ComponentAwareLogger = NoOpLogger{}

func (NoOpLogger) Debug(string, map[string]interface{}) {}
func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}

func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}

func (NoOpLogger) WithComponent(string) Logger { return NoOpLogger{} }

// componentLogger wraps a plain Logger and prefixes every field map with a
// "component" key. Used by WithComponentLogger when the supplied logger
// does not itself implement ComponentAwareLogger.
type componentLogger struct {
	inner     Logger
	component string
}

// WithComponentLogger returns a Logger tagged with component, preferring the
// logger's own WithComponent implementation when available.
func WithComponentLogger(l Logger, component string) Logger {
	if l == nil {
		return NoOpLogger{}.WithComponent(component)
	}
	if cal, ok := l.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return &componentLogger{inner: l, component: component}
}

func (c *componentLogger) tag(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["component"] = c.component
	return out
}

func (c *componentLogger) Debug(msg string, fields map[string]interface{}) {
	c.inner.Debug(msg, c.tag(fields))
}
func (c *componentLogger) Info(msg string, fields map[string]interface{}) {
	c.inner.Info(msg, c.tag(fields))
}
func (c *componentLogger) Warn(msg string, fields map[string]interface{}) {
	c.inner.Warn(msg, c.tag(fields))
}
func (c *componentLogger) Error(msg string, fields map[string]interface{}) {
	c.inner.Error(msg, c.tag(fields))
}

func (c *componentLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.inner.DebugWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.inner.InfoWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.inner.WarnWithContext(ctx, msg, c.tag(fields))
}
func (c *componentLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.inner.ErrorWithContext(ctx, msg, c.tag(fields))
}
