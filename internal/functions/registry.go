// Package functions maps task function names to executable Go functions
package functions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownFunction is returned when a task names a function that was never registered
var ErrUnknownFunction = errors.New("unknown task function")

// Input is what a task function receives for one attempt
type Input struct {
	WorkflowID string
	TaskID     string
	Attempt    int
	Params     map[string]any
	// Context is a snapshot of the workflow context; changes are not written back
	Context map[string]any
}

// Func executes a task. The returned value becomes the task result.
type Func func(ctx context.Context, in Input) (any, error)

// PanicError wraps a panic raised inside a task function
type PanicError struct {
	Function string
	Value    any
	Stack    []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("function %s panicked: %v", e.Function, e.Value)
}

// Registry holds task functions by name. It is safe for concurrent use and is
// typically shared by every workflow an engine runs.
type Registry struct {
	mu     sync.RWMutex
	funcs  map[string]Func
	logger *zap.Logger
}

// NewRegistry creates an empty function registry
func NewRegistry() *Registry {
	return &Registry{
		funcs:  make(map[string]Func),
		logger: zap.NewNop(),
	}
}

// SetLogger sets the logger for the registry
func (r *Registry) SetLogger(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger.Named("functions")
}

// Register adds or replaces a function
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("function name is required")
	}
	if fn == nil {
		return fmt.Errorf("function %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		r.logger.Debug("replacing function", zap.String("function", name))
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns registered function names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named function. Unknown names and panics are reported as
// errors so the caller can treat them like any other task failure.
func (r *Registry) Invoke(ctx context.Context, name string, in Input) (result any, err error) {
	fn, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = nil
			err = &PanicError{Function: name, Value: recovered, Stack: debug.Stack()}
			r.mu.RLock()
			logger := r.logger
			r.mu.RUnlock()
			logger.Error("task function panicked",
				zap.String("function", name),
				zap.String("workflow_id", in.WorkflowID),
				zap.String("task_id", in.TaskID),
				zap.Any("panic", recovered),
			)
		}
	}()

	return fn(ctx, in)
}
