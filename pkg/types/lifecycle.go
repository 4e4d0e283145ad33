package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change breaks the lifecycle
var ErrInvalidTransition = errors.New("invalid status transition")

// taskTransitions lists the legal next states for each task status.
// FAILED -> PENDING is the retry path; COMPLETED and SKIPPED are final.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending: {TaskStatusReady, TaskStatusSkipped},
	TaskStatusReady:   {TaskStatusRunning, TaskStatusSkipped},
	TaskStatusRunning: {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:  {TaskStatusPending},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t *Task) transition(to TaskStatus) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// MarkReady moves a PENDING task whose dependencies are satisfied to READY
func (t *Task) MarkReady() error {
	return t.transition(TaskStatusReady)
}

// Skip records that the task's condition declined it
func (t *Task) Skip() error {
	return t.transition(TaskStatusSkipped)
}

// Begin marks the start of an attempt
func (t *Task) Begin(at time.Time) error {
	if err := t.transition(TaskStatusRunning); err != nil {
		return err
	}
	t.StartedAt = &at
	t.CompletedAt = nil
	t.RetryAt = nil
	return nil
}

// Succeed stores the attempt's result and clears any earlier error
func (t *Task) Succeed(result any, at time.Time) error {
	if err := t.transition(TaskStatusCompleted); err != nil {
		return err
	}
	t.Result = result
	t.Error = ""
	t.CompletedAt = &at
	return nil
}

// Fail stores the attempt's error, clears any result and counts the attempt.
// retry reports whether the task has attempts left.
func (t *Task) Fail(cause error, at time.Time) (retry bool, err error) {
	if err := t.transition(TaskStatusFailed); err != nil {
		return false, err
	}
	t.Result = nil
	t.Error = cause.Error()
	t.RetryCount++
	t.CompletedAt = &at
	return t.RetryCount <= t.MaxRetries, nil
}

// AwaitRetry records when a FAILED task will be requeued
func (t *Task) AwaitRetry(at time.Time) error {
	if t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: task %s is %s, not awaiting retry", ErrInvalidTransition, t.ID, t.Status)
	}
	t.RetryAt = &at
	return nil
}

// Requeue returns a FAILED task to PENDING for its next attempt
func (t *Task) Requeue() error {
	if err := t.transition(TaskStatusPending); err != nil {
		return err
	}
	t.RetryAt = nil
	return nil
}

// workflowTransitions lists the legal next states for each workflow status
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusPending: {WorkflowStatusRunning, WorkflowStatusCancelled},
	WorkflowStatusRunning: {WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled},
}

// CanTransitionWorkflow reports whether a workflow may move from one status to another
func CanTransitionWorkflow(from, to WorkflowStatus) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (w *Workflow) transition(to WorkflowStatus) error {
	if !CanTransitionWorkflow(w.Status, to) {
		return fmt.Errorf("%w: workflow %s %s -> %s", ErrInvalidTransition, w.ID, w.Status, to)
	}
	w.Status = to
	return nil
}

// Begin marks the workflow RUNNING
func (w *Workflow) Begin(at time.Time) error {
	if err := w.transition(WorkflowStatusRunning); err != nil {
		return err
	}
	w.StartedAt = &at
	return nil
}

// Finish moves the workflow to a terminal status, recording cause when set
func (w *Workflow) Finish(status WorkflowStatus, cause error, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: workflow %s cannot finish as %s", ErrInvalidTransition, w.ID, status)
	}
	if err := w.transition(status); err != nil {
		return err
	}
	if cause != nil {
		w.Error = cause.Error()
	}
	w.CompletedAt = &at
	return nil
}
