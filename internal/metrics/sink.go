// Package metrics receives per-attempt task measurements and per-run
// workflow outcomes from the engine
package metrics

import (
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// TaskMetric is recorded once for every finished task attempt
type TaskMetric struct {
	WorkflowID    string           `json:"workflow_id"`
	WorkflowName  string           `json:"workflow_name"`
	TaskID        string           `json:"task_id"`
	Function      string           `json:"function"`
	Status        types.TaskStatus `json:"status"`
	ExecutionTime time.Duration    `json:"execution_time"`
	Attempt       int              `json:"attempt"`
	Error         string           `json:"error,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// WorkflowMetric is recorded once when a workflow reaches a terminal state
type WorkflowMetric struct {
	WorkflowID  string                   `json:"workflow_id"`
	Name        string                   `json:"name"`
	Status      types.WorkflowStatus     `json:"status"`
	Error       string                   `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt time.Time                `json:"completed_at"`
	Tasks       map[types.TaskStatus]int `json:"tasks"`
}

// Duration is the wall time between start and completion
func (m WorkflowMetric) Duration() time.Duration {
	if m.StartedAt.IsZero() || m.CompletedAt.IsZero() {
		return 0
	}
	return m.CompletedAt.Sub(m.StartedAt)
}

// Sink consumes task metrics. Implementations must be safe for concurrent
// use and must not block for long; they run on task goroutines.
type Sink interface {
	Record(m TaskMetric)
}

// WorkflowSink is implemented by sinks that also track whole runs
type WorkflowSink interface {
	RecordWorkflow(m WorkflowMetric)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(m TaskMetric)

// Record implements Sink
func (f SinkFunc) Record(m TaskMetric) { f(m) }

// Nop discards everything
type Nop struct{}

// Record implements Sink
func (Nop) Record(TaskMetric) {}

// Multi fans measurements out to several sinks
type Multi []Sink

// NewMulti drops nil sinks
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// Record implements Sink
func (m Multi) Record(metric TaskMetric) {
	for _, s := range m {
		s.Record(metric)
	}
}

// RecordWorkflow forwards to every member that implements WorkflowSink
func (m Multi) RecordWorkflow(metric WorkflowMetric) {
	for _, s := range m {
		if ws, ok := s.(WorkflowSink); ok {
			ws.RecordWorkflow(metric)
		}
	}
}
