// Package condition evaluates task guard expressions against workflow context.
//
// Expressions use a small closed grammar: literals (numbers, quoted strings,
// true/false, null), context lookups with dotted and bracket access,
// comparisons (== != < <= > >= in, not in), boolean operators (and/&&, or/||,
// not/!) and the functions len(), exists() and empty(). Nothing outside the
// workflow context is reachable and nothing is executed.
//
//	status == "ok" and len(fetch_result.items) > 0
//	not exists(skip_publish) or region in ["eu", "us"]
package condition

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

var (
	// ErrSyntax is returned for expressions that cannot be parsed
	ErrSyntax = errors.New("condition syntax error")
	// ErrEval is returned when a parsed expression cannot be evaluated
	ErrEval = errors.New("condition evaluation failed")
)

// Evaluator decides whether guarded tasks should run. It caches parsed
// expressions and is safe for concurrent use.
type Evaluator struct {
	logger     *zap.Logger
	failClosed bool

	mu    sync.RWMutex
	cache map[string]Node
}

// Option configures an Evaluator
type Option func(*Evaluator)

// WithLogger sets the logger used for evaluation warnings
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithFailClosed makes evaluation errors skip the task instead of running it
func WithFailClosed(failClosed bool) Option {
	return func(e *Evaluator) {
		e.failClosed = failClosed
	}
}

// NewEvaluator creates an evaluator; by default errors let the task run
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		logger: zap.NewNop(),
		cache:  make(map[string]Node),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile parses expr, caching the result
func (e *Evaluator) Compile(expr string) (Node, error) {
	e.mu.RLock()
	node, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return node, nil
	}

	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = node
	e.mu.Unlock()
	return node, nil
}

// Evaluate parses and evaluates expr against scope, returning its truthiness
func (e *Evaluator) Evaluate(expr string, scope map[string]any) (ok bool, err error) {
	node, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("evaluating %q: %w: %v", expr, ErrEval, r)
		}
	}()
	v, err := node.eval(scope)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	return Truthy(v), nil
}

// ShouldExecute reports whether task's guard allows it to run. A task with
// no condition always runs. Evaluation errors are logged and resolved by the
// evaluator's policy (run by default).
func (e *Evaluator) ShouldExecute(task *types.Task, wf *types.Workflow) bool {
	if task.Condition == "" {
		return true
	}

	ok, err := e.Evaluate(task.Condition, Scope(wf))
	if err != nil {
		e.logger.Warn("condition could not be evaluated",
			zap.String("workflow_id", wf.ID),
			zap.String("task_id", task.ID),
			zap.String("condition", task.Condition),
			zap.Bool("run", !e.failClosed),
			zap.Error(err),
		)
		return !e.failClosed
	}
	return ok
}

// Scope builds the variables visible to a condition: the workflow context
// plus "<id>_result" for every completed task
func Scope(wf *types.Workflow) map[string]any {
	scope := make(map[string]any, len(wf.Context)+len(wf.Tasks))
	for k, v := range wf.Context {
		scope[k] = v
	}
	for _, t := range wf.Tasks {
		if t.Status == types.TaskStatusCompleted {
			scope[types.ResultKey(t.ID)] = t.Result
		}
	}
	return scope
}
