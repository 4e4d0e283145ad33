// Package types defines core data structures for Conductor
package types

import "time"

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusSkipped   TaskStatus = "SKIPPED"
)

// SatisfiesDependency reports whether a dependency in this status lets its dependents run
func (s TaskStatus) SatisfiesDependency() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// RetryStrategy selects how the delay between attempts grows
type RetryStrategy string

const (
	RetryImmediate          RetryStrategy = "IMMEDIATE"
	RetryLinearBackoff      RetryStrategy = "LINEAR_BACKOFF"
	RetryExponentialBackoff RetryStrategy = "EXPONENTIAL_BACKOFF"
	RetryCircuitBreaker     RetryStrategy = "CIRCUIT_BREAKER"
)

// Valid reports whether s is one of the known strategies
func (s RetryStrategy) Valid() bool {
	switch s {
	case RetryImmediate, RetryLinearBackoff, RetryExponentialBackoff, RetryCircuitBreaker:
		return true
	}
	return false
}

// CallbackEvent names a task lifecycle hook
type CallbackEvent string

const (
	CallbackOnStart      CallbackEvent = "on_start"
	CallbackOnSuccess    CallbackEvent = "on_success"
	CallbackOnFailure    CallbackEvent = "on_failure"
	CallbackOnCompletion CallbackEvent = "on_completion"
)

// Valid reports whether e is one of the four lifecycle hooks
func (e CallbackEvent) Valid() bool {
	switch e {
	case CallbackOnStart, CallbackOnSuccess, CallbackOnFailure, CallbackOnCompletion:
		return true
	}
	return false
}

// Defaults applied when a task definition omits retry settings
const (
	DefaultMaxRetries    = 3
	DefaultRetryStrategy = RetryExponentialBackoff
)

// Task is one node of a workflow graph together with its runtime state
type Task struct {
	ID            string                     `json:"id"`
	Name          string                     `json:"name"`
	Function      string                     `json:"function"`
	Params        map[string]any             `json:"params,omitempty"`
	DependsOn     []string                   `json:"depends_on,omitempty"`
	Condition     string                     `json:"condition,omitempty"`
	Status        TaskStatus                 `json:"status"`
	Result        any                        `json:"result,omitempty"`
	Error         string                     `json:"error,omitempty"`
	RetryCount    int                        `json:"retry_count"`
	MaxRetries    int                        `json:"max_retries"`
	RetryStrategy RetryStrategy              `json:"retry_strategy"`
	Callbacks     map[CallbackEvent][]string `json:"callbacks,omitempty"`
	StartedAt     *time.Time                 `json:"started_at,omitempty"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
	RetryAt       *time.Time                 `json:"retry_at,omitempty"` // set while a FAILED task waits out its backoff
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Params = CopyMap(t.Params)
	c.Result = copyValue(t.Result)
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Callbacks != nil {
		c.Callbacks = make(map[CallbackEvent][]string, len(t.Callbacks))
		for event, names := range t.Callbacks {
			c.Callbacks[event] = append([]string(nil), names...)
		}
	}
	c.StartedAt = copyTime(t.StartedAt)
	c.CompletedAt = copyTime(t.CompletedAt)
	c.RetryAt = copyTime(t.RetryAt)
	return &c
}

// CopyMap deep-copies nested maps and slices so callers can mutate the result freely
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
