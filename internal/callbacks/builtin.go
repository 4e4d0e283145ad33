package callbacks

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/webhooks"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Alerter receives alerts raised by the send_alert callback
type Alerter interface {
	EmitAlert(alert webhooks.AlertData) int
}

// RegisterBuiltins installs log_start, log_success, log_failure and
// send_alert. alerts may be nil, in which case send_alert only logs.
func RegisterBuiltins(r *Registry, alerts Alerter) {
	r.MustRegister("log_start", r.logStart)
	r.MustRegister("log_success", r.logSuccess)
	r.MustRegister("log_failure", r.logFailure)
	r.MustRegister("send_alert", SendAlert(r, alerts))
}

func (r *Registry) log() *zap.Logger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.logger
}

func taskFields(task *types.Task, wf *types.Workflow) []zap.Field {
	return []zap.Field{
		zap.String("workflow_id", wf.ID),
		zap.String("workflow", wf.Name),
		zap.String("task_id", task.ID),
		zap.String("function", task.Function),
		zap.Int("attempt", task.RetryCount+1),
	}
}

func (r *Registry) logStart(_ context.Context, task *types.Task, wf *types.Workflow) error {
	r.log().Info("task started", taskFields(task, wf)...)
	return nil
}

func (r *Registry) logSuccess(_ context.Context, task *types.Task, wf *types.Workflow) error {
	fields := taskFields(task, wf)
	if task.StartedAt != nil && task.CompletedAt != nil {
		fields = append(fields, zap.Duration("duration", task.CompletedAt.Sub(*task.StartedAt)))
	}
	r.log().Info("task succeeded", fields...)
	return nil
}

func (r *Registry) logFailure(_ context.Context, task *types.Task, wf *types.Workflow) error {
	// RetryCount was already incremented for this failure
	fields := []zap.Field{
		zap.String("workflow_id", wf.ID),
		zap.String("workflow", wf.Name),
		zap.String("task_id", task.ID),
		zap.String("function", task.Function),
		zap.Int("attempt", task.RetryCount),
		zap.Int("max_retries", task.MaxRetries),
		zap.String("error", task.Error),
	}
	r.log().Warn("task failed", fields...)
	return nil
}

// SendAlert builds a callback that forwards the task state to alerts
func SendAlert(r *Registry, alerts Alerter) Func {
	return func(_ context.Context, task *types.Task, wf *types.Workflow) error {
		alert := webhooks.AlertData{
			WorkflowID:   wf.ID,
			WorkflowName: wf.Name,
			TaskID:       task.ID,
			TaskName:     task.Name,
			Status:       string(task.Status),
			Error:        task.Error,
			RetryCount:   task.RetryCount,
			MaxRetries:   task.MaxRetries,
		}

		if alerts == nil {
			r.log().Warn("alert raised with no webhooks configured",
				zap.String("workflow_id", alert.WorkflowID),
				zap.String("task_id", alert.TaskID),
				zap.String("status", alert.Status),
				zap.String("error", alert.Error),
			)
			return nil
		}

		if alerts.EmitAlert(alert) == 0 {
			r.log().Debug("alert matched no webhook", zap.String("task_id", task.ID))
		}
		return nil
	}
}
