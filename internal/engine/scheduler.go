package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/functions"
	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/pkg/telemetry"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// outcome is what one task attempt reports back to the scheduler
type outcome struct {
	taskID     string
	failed     bool
	retry      bool
	retryCount int
	strategy   types.RetryStrategy
}

// scheduler drives a single run. Everything except runTask executes on the
// run's scheduler goroutine, so retrying and timers need no locking.
type scheduler struct {
	e        *Engine
	r        *run
	logger   *zap.Logger
	wakeups  chan string
	retrying int
	timers   []*time.Timer
}

func (e *Engine) execute(ctx context.Context, r *run) {
	r.mu.Lock()
	defer r.cancel()
	wf := r.wf
	id, name, taskCount := wf.ID, wf.Name, len(wf.Tasks)
	err := wf.Begin(e.now())
	r.mu.Unlock()
	if err != nil {
		e.logger.Error("workflow not started", zap.String("workflow_id", id), zap.Error(err))
		return
	}

	ctx, span := telemetry.StartWorkflowSpan(ctx, e.tracer, id, name, taskCount)
	defer span.End()

	logger := e.logger.With(zap.String("workflow_id", id), zap.String("workflow", name))
	if traceID := telemetry.GetTraceID(ctx); traceID != "" {
		logger = logger.With(zap.String("trace_id", traceID))
	}
	logger.Info("workflow started", zap.Int("tasks", taskCount))
	e.publish(events.EventWorkflowStarted, id, "", map[string]any{"name": name})

	s := &scheduler{
		e:       e,
		r:       r,
		logger:  logger,
		wakeups: make(chan string, taskCount),
	}
	status, err := s.loop(ctx)
	s.stopTimers()

	telemetry.SetWorkflowStatus(span, string(status))
	telemetry.RecordErrorWithStatus(span, err)
	e.finish(r, status, err)
}

func (s *scheduler) loop(ctx context.Context) (types.WorkflowStatus, error) {
	for {
		if ctx.Err() != nil {
			return types.WorkflowStatusCancelled, fmt.Errorf("workflow cancelled: %w", context.Cause(ctx))
		}
		s.drainWakeups()

		ready := s.promoteReady()
		if len(ready) == 0 {
			if s.retrying > 0 {
				select {
				case id := <-s.wakeups:
					s.retrying--
					s.wake(id)
				case <-ctx.Done():
				}
				continue
			}
			return s.settle()
		}

		runnable := s.applyConditions(ready)
		for _, o := range s.dispatch(ctx, runnable) {
			if o.retry && ctx.Err() == nil {
				s.scheduleRetry(o)
			}
		}

		s.pause(ctx)
	}
}

// pause yields between iterations
func (s *scheduler) pause(ctx context.Context) {
	if s.e.yield <= 0 {
		return
	}
	t := time.NewTimer(s.e.yield)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (s *scheduler) drainWakeups() {
	for {
		select {
		case id := <-s.wakeups:
			s.retrying--
			s.wake(id)
		default:
			return
		}
	}
}

// wake returns a task whose backoff elapsed to PENDING
func (s *scheduler) wake(id string) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if t := s.r.wf.Task(id); t != nil {
		s.check(t.Requeue())
	}
}

// check logs a lifecycle violation; the task keeps its current status
func (s *scheduler) check(err error) {
	if err != nil {
		s.logger.Error("illegal task transition", zap.Error(err))
	}
}

// promoteReady marks PENDING tasks whose dependencies are all satisfied as READY
func (s *scheduler) promoteReady() []string {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()

	wf := s.r.wf
	statuses := make(map[string]types.TaskStatus, len(wf.Tasks))
	for _, t := range wf.Tasks {
		statuses[t.ID] = t.Status
	}

	var ready []string
	for _, t := range wf.Tasks {
		if t.Status != types.TaskStatusPending {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if st, ok := statuses[dep]; !ok || !st.SatisfiesDependency() {
				satisfied = false
				break
			}
		}
		if satisfied {
			if err := t.MarkReady(); err != nil {
				s.check(err)
				continue
			}
			ready = append(ready, t.ID)
		}
	}
	return ready
}

// applyConditions skips READY tasks whose guard declines and returns the rest
func (s *scheduler) applyConditions(ready []string) []string {
	s.r.mu.RLock()
	allowed := make([]bool, len(ready))
	for i, id := range ready {
		allowed[i] = s.e.evaluator.ShouldExecute(s.r.wf.Task(id), s.r.wf)
	}
	s.r.mu.RUnlock()

	var runnable, skipped []string
	for i, id := range ready {
		if allowed[i] {
			runnable = append(runnable, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	if len(skipped) == 0 {
		return runnable
	}

	s.r.mu.Lock()
	for _, id := range skipped {
		s.check(s.r.wf.Task(id).Skip())
	}
	s.r.mu.Unlock()

	for _, id := range skipped {
		s.logger.Info("task skipped by condition", zap.String("task_id", id))
		s.e.publish(events.EventTaskSkipped, s.r.wf.ID, id, nil)
	}
	return runnable
}

// dispatch runs ids concurrently and waits for all of them
func (s *scheduler) dispatch(ctx context.Context, ids []string) []outcome {
	outcomes := make([]outcome, len(ids))
	if len(ids) == 0 {
		return outcomes
	}

	var g errgroup.Group
	if s.e.maxParallel > 0 {
		g.SetLimit(s.e.maxParallel)
	}
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = s.runTask(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (s *scheduler) scheduleRetry(o outcome) {
	delay := s.e.policy.Delay(o.strategy, o.retryCount)

	s.logger.Info("task retry scheduled",
		zap.String("task_id", o.taskID),
		zap.Int("retry_count", o.retryCount),
		zap.String("strategy", string(o.strategy)),
		zap.Duration("delay", delay),
	)
	s.e.publish(events.EventTaskRetrying, s.r.wf.ID, o.taskID, map[string]any{
		"retry_count": o.retryCount,
		"delay_ms":    delay.Milliseconds(),
	})

	if delay <= 0 {
		s.wake(o.taskID)
		return
	}

	id := o.taskID
	s.r.mu.Lock()
	s.check(s.r.wf.Task(id).AwaitRetry(s.e.now().Add(delay)))
	s.r.mu.Unlock()

	s.retrying++
	s.timers = append(s.timers, time.AfterFunc(delay, func() {
		s.wakeups <- id
	}))
}

func (s *scheduler) stopTimers() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

// settle decides the final status once nothing can be scheduled
func (s *scheduler) settle() (types.WorkflowStatus, error) {
	s.r.mu.RLock()
	pending := s.r.wf.TaskIDsWithStatus(types.TaskStatusPending)
	failed := s.r.wf.TaskIDsWithStatus(types.TaskStatusFailed)
	s.r.mu.RUnlock()

	switch {
	case len(failed) > 0:
		if len(pending) > 0 {
			s.logger.Info("dependents of failed tasks left pending", zap.Strings("tasks", pending))
		}
		return types.WorkflowStatusFailed, fmt.Errorf("%d task(s) failed: %s", len(failed), strings.Join(failed, ", "))
	case len(pending) > 0:
		err := fmt.Errorf("%w: tasks %s can never become ready", ErrStalled, strings.Join(pending, ", "))
		s.logger.Error("workflow stalled", zap.Strings("pending", pending))
		return types.WorkflowStatusFailed, err
	default:
		return types.WorkflowStatusCompleted, nil
	}
}

// runTask executes one attempt of a READY task
func (s *scheduler) runTask(ctx context.Context, taskID string) outcome {
	e, r := s.e, s.r

	r.mu.Lock()
	wf := r.wf
	task := wf.Task(taskID)
	if err := task.Begin(e.now()); err != nil {
		r.mu.Unlock()
		s.check(err)
		return outcome{taskID: taskID}
	}
	attempt := task.RetryCount + 1
	fn := task.Function
	in := functions.Input{
		WorkflowID: wf.ID,
		TaskID:     task.ID,
		Attempt:    attempt,
		Params:     types.CopyMap(task.Params),
		Context:    types.CopyMap(wf.Context),
	}
	taskSnap, wfSnap := task.Clone(), wf.Clone()
	r.mu.Unlock()

	ctx, span := telemetry.StartTaskSpan(ctx, e.tracer, wfSnap.ID, taskID, fn, attempt)
	defer span.End()

	logger := s.logger.With(zap.String("task_id", taskID), zap.Int("attempt", attempt))
	logger.Debug("task started", zap.String("function", fn))
	e.publish(events.EventTaskStarted, wfSnap.ID, taskID, map[string]any{"attempt": attempt, "function": fn})
	_ = e.callbacks.Dispatch(ctx, types.CallbackOnStart, taskSnap, wfSnap)

	clock := time.Now()
	result, err := e.functions.Invoke(ctx, fn, in)
	elapsed := time.Since(clock)
	finishedAt := e.now()

	o := outcome{taskID: taskID}
	r.mu.Lock()
	event := types.CallbackOnSuccess
	if err == nil {
		s.check(task.Succeed(result, finishedAt))
		wf.Context[types.ResultKey(taskID)] = result
	} else {
		retry, terr := task.Fail(err, finishedAt)
		s.check(terr)
		event = types.CallbackOnFailure
		o.failed = true
		o.retryCount = task.RetryCount
		o.retry = retry
		o.strategy = task.RetryStrategy
	}
	status := task.Status
	taskSnap, wfSnap = task.Clone(), wf.Clone()
	r.mu.Unlock()

	_ = e.callbacks.Dispatch(ctx, event, taskSnap, wfSnap)
	_ = e.callbacks.Dispatch(ctx, types.CallbackOnCompletion, taskSnap, wfSnap)

	e.sink.Record(metrics.TaskMetric{
		WorkflowID:    wfSnap.ID,
		WorkflowName:  wfSnap.Name,
		TaskID:        taskID,
		Function:      fn,
		Status:        status,
		ExecutionTime: elapsed,
		Attempt:       attempt,
		Error:         taskSnap.Error,
		Timestamp:     finishedAt,
	})

	telemetry.SetTaskStatus(span, string(status))
	telemetry.RecordErrorWithStatus(span, err)

	if err == nil {
		logger.Debug("task completed", zap.Duration("duration", elapsed))
		e.publish(events.EventTaskCompleted, wfSnap.ID, taskID, map[string]any{
			"attempt":     attempt,
			"duration_ms": elapsed.Milliseconds(),
		})
		return o
	}

	logger.Warn("task attempt failed",
		zap.String("function", fn),
		zap.Bool("will_retry", o.retry),
		zap.Error(err),
	)
	if !o.retry {
		e.publish(events.EventTaskFailed, wfSnap.ID, taskID, map[string]any{
			"attempt": attempt,
			"error":   taskSnap.Error,
		})
	}
	return o
}

// finish records the terminal status and releases waiters
func (e *Engine) finish(r *run, status types.WorkflowStatus, err error) {
	now := e.now()

	r.mu.Lock()
	wf := r.wf
	if terr := wf.Finish(status, err, now); terr != nil {
		r.mu.Unlock()
		e.logger.Error("workflow already finished", zap.String("workflow_id", wf.ID), zap.Error(terr))
		return
	}
	r.err = err
	m := metrics.WorkflowMetric{
		WorkflowID:  wf.ID,
		Name:        wf.Name,
		Status:      status,
		Error:       wf.Error,
		CreatedAt:   wf.CreatedAt,
		CompletedAt: now,
		Tasks:       wf.StatusCounts(),
	}
	if wf.StartedAt != nil {
		m.StartedAt = *wf.StartedAt
	}
	r.mu.Unlock()

	if ws, ok := e.sink.(metrics.WorkflowSink); ok {
		ws.RecordWorkflow(m)
	}

	fields := []zap.Field{
		zap.String("workflow_id", m.WorkflowID),
		zap.String("status", string(status)),
		zap.Duration("duration", m.Duration()),
	}
	switch status {
	case types.WorkflowStatusCompleted:
		e.logger.Info("workflow completed", fields...)
		e.publish(events.EventWorkflowCompleted, m.WorkflowID, "", nil)
	case types.WorkflowStatusCancelled:
		e.logger.Info("workflow cancelled", fields...)
		e.publish(events.EventWorkflowCancelled, m.WorkflowID, "", nil)
	default:
		e.logger.Warn("workflow failed", append(fields, zap.Error(err))...)
		e.publish(events.EventWorkflowFailed, m.WorkflowID, "", map[string]any{"error": m.Error})
	}

	close(r.done)
}
