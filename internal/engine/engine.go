// Package engine submits, runs and tracks workflows.
//
// Each started workflow is driven by one scheduler goroutine. Every
// iteration it promotes PENDING tasks whose dependencies are satisfied,
// evaluates their conditions, runs the survivors concurrently and waits for
// all of them before the next iteration. Failed attempts are retried after a
// backoff without holding up unrelated tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/callbacks"
	"github.com/cloud-shuttle/conductor/internal/condition"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/functions"
	"github.com/cloud-shuttle/conductor/internal/graph"
	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/internal/retry"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

var (
	// ErrNotFound is returned for unknown workflow ids
	ErrNotFound = errors.New("workflow not found")
	// ErrAlreadyStarted is returned when a workflow is started twice
	ErrAlreadyStarted = errors.New("workflow already started")
	// ErrFinished is returned when cancelling a workflow that already ended
	ErrFinished = errors.New("workflow already finished")
	// ErrStalled marks a run that stopped because no task could become ready
	ErrStalled = errors.New("workflow stalled")
)

// run is the engine's record of one submitted workflow. wf is guarded by mu;
// done is closed once wf reaches a terminal status.
type run struct {
	mu      sync.RWMutex
	wf      *types.Workflow
	started bool
	cancel  context.CancelFunc
	err     error
	done    chan struct{}
}

func (r *run) snapshot() *types.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wf.Clone()
}

// Engine owns every workflow it accepted. It is safe for concurrent use.
type Engine struct {
	functions *functions.Registry
	callbacks *callbacks.Registry
	evaluator *condition.Evaluator

	logger      *zap.Logger
	tracer      trace.Tracer
	sink        metrics.Sink
	bus         *events.Bus
	maxParallel int
	yield       time.Duration
	retryUnit   time.Duration
	policy      retry.Policy
	retention   time.Duration
	failClosed  bool
	defaults    types.TaskDefaults
	now         func() time.Time

	mu   sync.RWMutex
	runs map[string]*run
}

// New creates an engine that resolves task functions and callbacks from the
// given registries. A nil callback registry disables callbacks.
func New(fns *functions.Registry, cbs *callbacks.Registry, opts ...Option) *Engine {
	e := &Engine{
		functions: fns,
		callbacks: cbs,
		logger:    zap.NewNop(),
		tracer:    telemetry.Tracer(),
		sink:      metrics.Nop{},
		yield:     DefaultIterationYield,
		retryUnit: time.Second,
		defaults: types.TaskDefaults{
			MaxRetries:    types.DefaultMaxRetries,
			RetryStrategy: types.DefaultRetryStrategy,
		},
		now:  time.Now,
		runs: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.functions == nil {
		e.functions = functions.NewRegistry()
	}
	if e.callbacks == nil {
		e.callbacks = callbacks.NewRegistry()
	}
	if e.sink == nil {
		e.sink = metrics.Nop{}
	}
	e.logger = e.logger.Named("engine")
	e.policy = retry.NewPolicy(e.retryUnit)
	e.evaluator = condition.NewEvaluator(
		condition.WithLogger(e.logger.Named("condition")),
		condition.WithFailClosed(e.failClosed),
	)
	return e
}

// Submit validates def and registers a PENDING workflow for it. Malformed
// conditions and unregistered functions are reported as warnings only; they
// surface at run time.
func (e *Engine) Submit(def *types.WorkflowDefinition) (string, error) {
	if err := graph.Validate(def); err != nil {
		return "", err
	}

	for _, td := range def.Tasks {
		if td.Condition != "" {
			if _, err := e.evaluator.Compile(td.Condition); err != nil {
				e.logger.Warn("task condition does not parse",
					zap.String("workflow", def.Name),
					zap.String("task_id", td.ID),
					zap.String("condition", td.Condition),
					zap.Error(err),
				)
			}
		}
		if _, ok := e.functions.Lookup(td.Function); !ok {
			e.logger.Warn("task function is not registered",
				zap.String("workflow", def.Name),
				zap.String("task_id", td.ID),
				zap.String("function", td.Function),
			)
		}
	}

	id := uuid.NewString()
	wf := types.NewWorkflow(id, def, e.defaults, e.now())

	e.mu.Lock()
	e.runs[id] = &run{wf: wf, done: make(chan struct{})}
	e.mu.Unlock()

	e.logger.Info("workflow submitted",
		zap.String("workflow_id", id),
		zap.String("name", wf.Name),
		zap.Int("tasks", len(wf.Tasks)),
	)
	e.publish(events.EventWorkflowSubmitted, id, "", map[string]any{"name": wf.Name})
	return id, nil
}

func (e *Engine) lookup(id string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, nil
}

// claim marks r started and returns the context its scheduler runs under
func (r *run) claim(parent context.Context) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyStarted, r.wf.ID)
	}
	r.started = true
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	return ctx, nil
}

// Start runs the workflow in the background and returns immediately. The
// run outlives ctx; use Cancel to stop it.
func (e *Engine) Start(ctx context.Context, id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	runCtx, err := r.claim(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	go e.execute(runCtx, r)
	return nil
}

// Execute runs the workflow on the calling goroutine and returns its final
// snapshot. Cancelling ctx cancels the run. Task failures are reported in
// the snapshot, not as an error.
func (e *Engine) Execute(ctx context.Context, id string) (*types.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	runCtx, err := r.claim(ctx)
	if err != nil {
		return nil, err
	}
	e.execute(runCtx, r)
	return r.snapshot(), nil
}

// Run submits def and executes it to completion
func (e *Engine) Run(ctx context.Context, def *types.WorkflowDefinition) (*types.Workflow, error) {
	id, err := e.Submit(def)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, id)
}

// Status returns a deep copy of the workflow's current state. A task waiting
// out a retry backoff reports FAILED with retry_at set to when it returns to
// PENDING; a terminally failed task has no retry_at.
func (e *Engine) Status(id string) (*types.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Wait blocks until the workflow is terminal or ctx is done
func (e *Engine) Wait(ctx context.Context, id string) (*types.Workflow, error) {
	r, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops a workflow. A workflow that never started is marked
// CANCELLED at once; a running one ends CANCELLED once its in-flight tasks
// return.
func (e *Engine) Cancel(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	switch {
	case r.wf.Status.IsTerminal():
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFinished, id)
	case !r.started:
		r.started = true
		r.mu.Unlock()
		e.finish(r, types.WorkflowStatusCancelled, errors.New("workflow cancelled before start"))
		return nil
	default:
		cancel := r.cancel
		r.mu.Unlock()
		if cancel == nil {
			// cancelled before start and still being finalised
			return nil
		}
		e.logger.Info("cancelling workflow", zap.String("workflow_id", id))
		cancel()
		return nil
	}
}

// List returns summaries of every tracked workflow, oldest first
func (e *Engine) List() []types.WorkflowSummary {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.RUnlock()

	out := make([]types.WorkflowSummary, 0, len(runs))
	for _, r := range runs {
		r.mu.RLock()
		out = append(out, r.wf.Summary())
		r.mu.RUnlock()
	}
	types.SortSummaries(out)
	return out
}

// Evict forgets terminal workflows that completed more than the retention
// period before now and returns how many were dropped. Without a retention
// period nothing is evicted.
func (e *Engine) Evict(now time.Time) int {
	if e.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-e.retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	evicted := 0
	for id, r := range e.runs {
		r.mu.RLock()
		expired := r.wf.Status.IsTerminal() && r.wf.CompletedAt != nil && r.wf.CompletedAt.Before(cutoff)
		r.mu.RUnlock()
		if expired {
			delete(e.runs, id)
			evicted++
		}
	}
	if evicted > 0 {
		e.logger.Debug("evicted finished workflows", zap.Int("count", evicted))
	}
	return evicted
}

// Shutdown cancels every running workflow and waits for their schedulers to exit
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	var active []*run
	for _, r := range e.runs {
		r.mu.RLock()
		if r.started && r.cancel != nil && !r.wf.Status.IsTerminal() {
			active = append(active, r)
		}
		r.mu.RUnlock()
	}
	e.mu.RUnlock()

	for _, r := range active {
		r.cancel()
	}
	for _, r := range active {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Functions returns the task function registry
func (e *Engine) Functions() *functions.Registry {
	return e.functions
}

// Callbacks returns the callback registry
func (e *Engine) Callbacks() *callbacks.Registry {
	return e.callbacks
}

func (e *Engine) publish(eventType events.EventType, workflowID, taskID string, data map[string]any) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(context.Background(), events.NewEvent(eventType, workflowID, taskID, data))
	if err != nil && !errors.Is(err, events.ErrClosed) {
		e.logger.Debug("event not published", zap.String("type", string(eventType)), zap.Error(err))
	}
}
