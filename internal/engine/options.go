package engine

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// DefaultIterationYield is the pause between scheduler iterations
const DefaultIterationYield = 100 * time.Millisecond

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithTracer sets the tracer used for workflow and task spans
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithSink sets where per-attempt measurements go. Sinks that also
// implement metrics.WorkflowSink receive finished runs.
func WithSink(sink metrics.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithBus publishes lifecycle events on bus
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMaxParallel caps concurrently running tasks per workflow; 0 means no cap
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		e.maxParallel = n
	}
}

// WithIterationYield sets the pause between scheduler iterations
func WithIterationYield(d time.Duration) Option {
	return func(e *Engine) {
		e.yield = d
	}
}

// WithRetryUnit scales retry backoff; the default unit is one second
func WithRetryUnit(unit time.Duration) Option {
	return func(e *Engine) {
		e.retryUnit = unit
	}
}

// WithRetention sets how long finished workflows stay queryable before Evict drops them
func WithRetention(d time.Duration) Option {
	return func(e *Engine) {
		e.retention = d
	}
}

// WithConditionFailClosed skips guarded tasks whose condition cannot be evaluated
func WithConditionFailClosed(failClosed bool) Option {
	return func(e *Engine) {
		e.failClosed = failClosed
	}
}

// WithTaskDefaults sets retry settings for tasks that leave them unset
func WithTaskDefaults(defaults types.TaskDefaults) Option {
	return func(e *Engine) {
		e.defaults = defaults
	}
}

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
