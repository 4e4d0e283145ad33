// Package graph validates workflow dependency graphs and derives execution order
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Sentinel errors. Every validation failure wraps ErrValidation plus one specific kind.
var (
	ErrValidation        = errors.New("invalid workflow")
	ErrEmptyWorkflow     = errors.New("workflow has no tasks")
	ErrInvalidTask       = errors.New("invalid task")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrMissingDependency = errors.New("missing dependency")
	ErrCycle             = errors.New("dependency cycle")
)

// ValidationError describes why a definition was rejected
type ValidationError struct {
	Kind       error
	TaskID     string
	Dependency string
	Cycle      []string
	Message    string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Unwrap exposes both ErrValidation and the specific kind to errors.Is
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Kind}
}

// Validate checks that task ids are unique, every dependency exists, task
// settings are well-formed, and the dependency graph is acyclic.
func Validate(def *types.WorkflowDefinition) error {
	if def == nil || len(def.Tasks) == 0 {
		return &ValidationError{Kind: ErrEmptyWorkflow, Message: ErrEmptyWorkflow.Error()}
	}

	seen := make(map[string]bool, len(def.Tasks))
	for _, task := range def.Tasks {
		if strings.TrimSpace(task.ID) == "" {
			return &ValidationError{Kind: ErrInvalidTask, Message: "task id must not be empty"}
		}
		if seen[task.ID] {
			return &ValidationError{
				Kind:    ErrDuplicateTask,
				TaskID:  task.ID,
				Message: fmt.Sprintf("duplicate task id %q", task.ID),
			}
		}
		seen[task.ID] = true

		if err := validateTask(&task); err != nil {
			return err
		}
	}

	for _, task := range def.Tasks {
		for _, dep := range task.DependsOn {
			if !seen[dep] {
				return &ValidationError{
					Kind:       ErrMissingDependency,
					TaskID:     task.ID,
					Dependency: dep,
					Message:    fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep),
				}
			}
		}
	}

	if cycle := FindCycle(def); cycle != nil {
		return &ValidationError{
			Kind:    ErrCycle,
			TaskID:  cycle[0],
			Cycle:   cycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
		}
	}

	return nil
}

func validateTask(task *types.TaskDefinition) error {
	if task.Function == "" {
		return &ValidationError{
			Kind:    ErrInvalidTask,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %q has no function", task.ID),
		}
	}
	if task.MaxRetries != nil && *task.MaxRetries < 0 {
		return &ValidationError{
			Kind:    ErrInvalidTask,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %q has negative max_retries", task.ID),
		}
	}
	if task.RetryStrategy != "" && !task.RetryStrategy.Valid() {
		return &ValidationError{
			Kind:    ErrInvalidTask,
			TaskID:  task.ID,
			Message: fmt.Sprintf("task %q has unknown retry strategy %q", task.ID, task.RetryStrategy),
		}
	}
	for event := range task.Callbacks {
		if !event.Valid() {
			return &ValidationError{
				Kind:    ErrInvalidTask,
				TaskID:  task.ID,
				Message: fmt.Sprintf("task %q has unknown callback event %q", task.ID, event),
			}
		}
	}
	return nil
}

// Node colours for depth-first search
const (
	white = iota
	gray
	black
)

// frame is one entry of the explicit DFS stack
type frame struct {
	id   string
	next int
}

// FindCycle returns the first dependency cycle found as a closed path
// (e.g. [a b a]), or nil when the graph is acyclic. Edges point from a task
// to the tasks it depends on. Dependencies naming unknown tasks are ignored.
func FindCycle(def *types.WorkflowDefinition) []string {
	deps := make(map[string][]string, len(def.Tasks))
	for _, task := range def.Tasks {
		deps[task.ID] = task.DependsOn
	}

	color := make(map[string]int, len(def.Tasks))
	// index of each gray node on the stack, for path reconstruction
	position := make(map[string]int, len(def.Tasks))

	for _, root := range def.Tasks {
		if color[root.ID] != white {
			continue
		}

		stack := []frame{{id: root.ID}}
		color[root.ID] = gray
		position[root.ID] = 0

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := deps[top.id]

			if top.next >= len(edges) {
				color[top.id] = black
				delete(position, top.id)
				stack = stack[:len(stack)-1]
				continue
			}

			dep := edges[top.next]
			top.next++

			if _, known := deps[dep]; !known {
				continue
			}

			switch color[dep] {
			case white:
				color[dep] = gray
				position[dep] = len(stack)
				stack = append(stack, frame{id: dep})
			case gray:
				start := position[dep]
				cycle := make([]string, 0, len(stack)-start+1)
				for _, f := range stack[start:] {
					cycle = append(cycle, f.id)
				}
				return append(cycle, dep)
			}
		}
	}

	return nil
}
