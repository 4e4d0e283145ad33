// Package events provides real-time streaming of workflow and task lifecycle events
package events

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// EventWorkflowSubmitted is emitted when a definition is accepted
	EventWorkflowSubmitted EventType = "workflow.submitted"
	// EventWorkflowStarted is emitted when the scheduler begins a run
	EventWorkflowStarted EventType = "workflow.started"
	// EventWorkflowCompleted is emitted when every task completed or was skipped
	EventWorkflowCompleted EventType = "workflow.completed"
	// EventWorkflowFailed is emitted when a run ends with a failure or a stall
	EventWorkflowFailed EventType = "workflow.failed"
	// EventWorkflowCancelled is emitted when a run is cancelled
	EventWorkflowCancelled EventType = "workflow.cancelled"

	// EventTaskStarted is emitted when a task attempt begins
	EventTaskStarted EventType = "task.started"
	// EventTaskCompleted is emitted when a task attempt succeeds
	EventTaskCompleted EventType = "task.completed"
	// EventTaskFailed is emitted when a task exhausts its retries
	EventTaskFailed EventType = "task.failed"
	// EventTaskRetrying is emitted when a failed attempt is scheduled for retry
	EventTaskRetrying EventType = "task.retrying"
	// EventTaskSkipped is emitted when a task condition evaluates to false
	EventTaskSkipped EventType = "task.skipped"
)

// Event represents a single lifecycle event
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	TaskID     string         `json:"task_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp in milliseconds
func NewEvent(eventType EventType, workflowID, taskID string, data map[string]any) *Event {
	return &Event{
		Type:       eventType,
		Timestamp:  time.Now().UnixMilli(),
		WorkflowID: workflowID,
		TaskID:     taskID,
		Data:       data,
	}
}

// EventFilter selects events for a stream
type EventFilter struct {
	Types      []EventType `json:"types,omitempty"`
	WorkflowID string      `json:"workflow_id,omitempty"`
	TaskID     string      `json:"task_id,omitempty"`
	Since      int64       `json:"since,omitempty"` // Unix milliseconds
}

// Matches reports whether event passes every non-empty criterion
func (f EventFilter) Matches(event *Event) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			if event.Type == t {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if f.WorkflowID != "" && event.WorkflowID != f.WorkflowID {
		return false
	}
	if f.TaskID != "" && event.TaskID != f.TaskID {
		return false
	}
	if f.Since > 0 && event.Timestamp < f.Since {
		return false
	}
	return true
}
