package callbacks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// registeredCallback holds a callback with its metadata
type registeredCallback struct {
	fn      Func
	name    string
	enabled bool
}

// Registry manages named lifecycle callbacks.
// It provides thread-safe registration and dispatching; dispatch never lets a
// callback error or panic escape to the caller's control flow.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[string]*registeredCallback
	logger    *zap.Logger
	timeout   time.Duration
}

// NewRegistry creates a new callback registry
func NewRegistry() *Registry {
	return &Registry{
		callbacks: make(map[string]*registeredCallback),
		logger:    zap.NewNop(),
	}
}

// SetLogger sets the logger for the registry
func (r *Registry) SetLogger(logger *zap.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger.Named("callbacks")
}

// SetTimeout bounds every callback invocation; zero disables the limit
func (r *Registry) SetTimeout(timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = timeout
}

// Register registers a callback under name.
// If a callback with the same name exists, it will be replaced.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("callback name is required")
	}
	if fn == nil {
		return fmt.Errorf("callback %s is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.callbacks[name]; exists {
		r.logger.Debug("updated callback", zap.String("callback", name))
	}
	r.callbacks[name] = &registeredCallback{fn: fn, name: name, enabled: true}
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// ErrUnknownCallback is returned when enabling or disabling a name that is not registered
var ErrUnknownCallback = errors.New("unknown callback")

// Enable re-enables a disabled callback
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable turns a callback off; tasks referencing it skip it silently
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCallback, name)
	}
	cb.enabled = enabled
	r.logger.Info("callback toggled", zap.String("callback", name), zap.Bool("enabled", enabled))
	return nil
}

// Disabled returns the names of disabled callbacks in sorted order
func (r *Registry) Disabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, cb := range r.callbacks {
		if !cb.enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Names returns the registered callback names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.callbacks))
	for name := range r.callbacks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes, in order, every callback the task lists for event.
// Unknown names are logged and ignored. Returns the first non-nil error from
// any callback, but continues invoking remaining callbacks even after an error.
func (r *Registry) Dispatch(ctx context.Context, event types.CallbackEvent, task *types.Task, wf *types.Workflow) error {
	names := task.Callbacks[event]

	// Fast path: nothing configured for this event
	if len(names) == 0 {
		return nil
	}

	r.mu.RLock()
	logger := r.logger
	timeout := r.timeout
	resolved := make([]*registeredCallback, len(names))
	for i, name := range names {
		if cb, ok := r.callbacks[name]; ok {
			copied := *cb
			resolved[i] = &copied
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for i, cb := range resolved {
		fields := []zap.Field{
			zap.String("callback", names[i]),
			zap.String("event", string(event)),
			zap.String("workflow_id", wf.ID),
			zap.String("task_id", task.ID),
		}

		if cb == nil {
			logger.Warn("unknown callback ignored", fields...)
			continue
		}
		if !cb.enabled {
			continue
		}

		fn := cb.fn
		if timeout > 0 {
			fn = WithTimeout(timeout, fn)
		}

		if err := r.invokeCallback(ctx, fn, task, wf); err != nil {
			logger.Warn("callback failed", append(fields, zap.Error(err))...)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}

// invokeCallback invokes a single callback, converting panics into errors
func (r *Registry) invokeCallback(ctx context.Context, fn Func, task *types.Task, wf *types.Workflow) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("callback panic: %v", recovered)
		}
	}()
	return fn(ctx, task, wf)
}
