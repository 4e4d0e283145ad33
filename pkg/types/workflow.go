package types

import (
	"sort"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow run
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions can happen
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// ResultKey is the context key under which a completed task's result is published
func ResultKey(taskID string) string {
	return taskID + "_result"
}

// Workflow is a submitted graph of tasks plus the shared execution context
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Tasks       []*Task        `json:"tasks"`
	Context     map[string]any `json:"context"`
	Status      WorkflowStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// WorkflowSummary is the condensed form returned by listings
type WorkflowSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Status      WorkflowStatus     `json:"status"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Tasks       map[TaskStatus]int `json:"tasks"`
}

// TaskDefaults holds retry settings applied to tasks that leave them unset
type TaskDefaults struct {
	MaxRetries    int
	RetryStrategy RetryStrategy
}

// NewWorkflow instantiates a definition into a fresh PENDING workflow
func NewWorkflow(id string, def *WorkflowDefinition, defaults TaskDefaults, now time.Time) *Workflow {
	if defaults.RetryStrategy == "" {
		defaults.RetryStrategy = DefaultRetryStrategy
	}

	wf := &Workflow{
		ID:        id,
		Name:      def.Name,
		Tasks:     make([]*Task, 0, len(def.Tasks)),
		Context:   CopyMap(def.Context),
		Status:    WorkflowStatusPending,
		CreatedAt: now,
	}
	if wf.Context == nil {
		wf.Context = make(map[string]any)
	}

	for _, td := range def.Tasks {
		task := &Task{
			ID:            td.ID,
			Name:          td.Name,
			Function:      td.Function,
			Params:        CopyMap(td.Params),
			DependsOn:     append([]string(nil), td.DependsOn...),
			Condition:     td.Condition,
			Status:        TaskStatusPending,
			MaxRetries:    defaults.MaxRetries,
			RetryStrategy: defaults.RetryStrategy,
		}
		if task.Name == "" {
			task.Name = task.ID
		}
		if td.MaxRetries != nil {
			task.MaxRetries = *td.MaxRetries
		}
		if td.RetryStrategy != "" {
			task.RetryStrategy = td.RetryStrategy
		}
		if len(td.Callbacks) > 0 {
			task.Callbacks = make(map[CallbackEvent][]string, len(td.Callbacks))
			for event, names := range td.Callbacks {
				task.Callbacks[event] = append([]string(nil), names...)
			}
		}
		wf.Tasks = append(wf.Tasks, task)
	}

	return wf
}

// Task returns the task with the given id, or nil
func (w *Workflow) Task(id string) *Task {
	for _, t := range w.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy that shares no mutable state with w
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Context = CopyMap(w.Context)
	c.Tasks = make([]*Task, len(w.Tasks))
	for i, t := range w.Tasks {
		c.Tasks[i] = t.Clone()
	}
	c.StartedAt = copyTime(w.StartedAt)
	c.CompletedAt = copyTime(w.CompletedAt)
	return &c
}

// StatusCounts tallies tasks per status
func (w *Workflow) StatusCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range w.Tasks {
		counts[t.Status]++
	}
	return counts
}

// TaskIDsWithStatus returns ids of tasks currently in status, in definition order
func (w *Workflow) TaskIDsWithStatus(status TaskStatus) []string {
	var ids []string
	for _, t := range w.Tasks {
		if t.Status == status {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Summary condenses the workflow for listings
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		Error:       w.Error,
		CreatedAt:   w.CreatedAt,
		CompletedAt: copyTime(w.CompletedAt),
		Tasks:       w.StatusCounts(),
	}
}

// SortSummaries orders summaries oldest first
func SortSummaries(s []WorkflowSummary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
