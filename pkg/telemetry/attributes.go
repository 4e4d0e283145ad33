// Package telemetry provides OpenTelemetry tracing for conductor
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for conductor attributes
const (
	// Workflow attributes
	KeyWorkflowID     = "conductor.workflow.id"
	KeyWorkflowName   = "conductor.workflow.name"
	KeyWorkflowStatus = "conductor.workflow.status"
	KeyWorkflowTasks  = "conductor.workflow.tasks"

	// Task attributes
	KeyTaskID       = "conductor.task.id"
	KeyTaskFunction = "conductor.task.function"
	KeyTaskState    = "conductor.task.state"
	KeyTaskAttempt  = "conductor.task.attempt"

	// Error attributes
	KeyErrorType = "conductor.error.type"
)

// WorkflowAttrs returns a set of attributes for a workflow
func WorkflowAttrs(id, name string, tasks int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyWorkflowID, id),
		attribute.String(KeyWorkflowName, name),
		attribute.Int(KeyWorkflowTasks, tasks),
	}
}

// TaskAttrs returns a set of attributes for a task attempt
func TaskAttrs(workflowID, id, function string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyWorkflowID, workflowID),
		attribute.String(KeyTaskID, id),
		attribute.String(KeyTaskFunction, function),
		attribute.Int(KeyTaskAttempt, attempt),
	}
}
