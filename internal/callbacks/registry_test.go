package callbacks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloud-shuttle/conductor/internal/webhooks"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

func fixture(event types.CallbackEvent, names ...string) (*types.Task, *types.Workflow) {
	task := &types.Task{
		ID:        "t1",
		Name:      "Task 1",
		Function:  "noop",
		Status:    types.TaskStatusFailed,
		Error:     "boom",
		Callbacks: map[types.CallbackEvent][]string{event: names},
	}
	wf := &types.Workflow{ID: "wf-1", Name: "nightly", Tasks: []*types.Task{task}}
	return task, wf
}

func TestDispatchInvokesInOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.MustRegister(name, func(context.Context, *types.Task, *types.Workflow) error {
			calls = append(calls, name)
			return nil
		})
	}

	task, wf := fixture(types.CallbackOnSuccess, "third", "first", "second")
	require.NoError(t, r.Dispatch(context.Background(), types.CallbackOnSuccess, task, wf))
	assert.Equal(t, []string{"third", "first", "second"}, calls)

	calls = nil
	require.NoError(t, r.Dispatch(context.Background(), types.CallbackOnStart, task, wf))
	assert.Empty(t, calls, "no callbacks configured for on_start")
}

func TestDispatchIsolatesFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry()
	r.SetLogger(zap.New(core))

	var ran bool
	r.MustRegister("erroring", func(context.Context, *types.Task, *types.Workflow) error {
		return errors.New("callback broke")
	})
	r.MustRegister("panicking", func(context.Context, *types.Task, *types.Workflow) error {
		panic("callback exploded")
	})
	r.MustRegister("healthy", func(context.Context, *types.Task, *types.Workflow) error {
		ran = true
		return nil
	})

	task, wf := fixture(types.CallbackOnFailure, "erroring", "unknown", "panicking", "healthy")
	err := r.Dispatch(context.Background(), types.CallbackOnFailure, task, wf)

	require.Error(t, err)
	assert.Equal(t, "callback broke", err.Error())
	assert.True(t, ran, "callbacks after a failing one still run")

	assert.Equal(t, 1, logs.FilterMessage("unknown callback ignored").Len())
	assert.Equal(t, 2, logs.FilterMessage("callback failed").Len())
}

func TestDisableSkipsCallback(t *testing.T) {
	r := NewRegistry()
	count := 0
	r.MustRegister("counter", func(context.Context, *types.Task, *types.Workflow) error {
		count++
		return nil
	})
	task, wf := fixture(types.CallbackOnCompletion, "counter")

	require.NoError(t, r.Disable("counter"))
	assert.Equal(t, []string{"counter"}, r.Disabled())
	_ = r.Dispatch(context.Background(), types.CallbackOnCompletion, task, wf)
	assert.Equal(t, 0, count)

	require.NoError(t, r.Enable("counter"))
	assert.Empty(t, r.Disabled())
	_ = r.Dispatch(context.Background(), types.CallbackOnCompletion, task, wf)
	assert.Equal(t, 1, count)

	err := r.Disable("missing")
	assert.True(t, errors.Is(err, ErrUnknownCallback))
}

func TestTimeoutBoundsSlowCallbacks(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(20 * time.Millisecond)
	r.MustRegister("slow", func(ctx context.Context, _ *types.Task, _ *types.Workflow) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	})

	task, wf := fixture(types.CallbackOnStart, "slow")
	start := time.Now()
	err := r.Dispatch(context.Background(), types.CallbackOnStart, task, wf)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []webhooks.AlertData
}

func (a *recordingAlerter) EmitAlert(alert webhooks.AlertData) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return 1
}

func TestBuiltins(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := NewRegistry()
	r.SetLogger(zap.New(core))

	alerter := &recordingAlerter{}
	RegisterBuiltins(r, alerter)
	assert.Equal(t, []string{"log_failure", "log_start", "log_success", "send_alert"}, r.Names())

	task, wf := fixture(types.CallbackOnFailure, "log_failure", "send_alert")
	task.RetryCount = 2
	task.MaxRetries = 3
	require.NoError(t, r.Dispatch(context.Background(), types.CallbackOnFailure, task, wf))

	failed := logs.FilterMessage("task failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].ContextMap()["error"])

	require.Len(t, alerter.alerts, 1)
	assert.Equal(t, webhooks.AlertData{
		WorkflowID:   "wf-1",
		WorkflowName: "nightly",
		TaskID:       "t1",
		TaskName:     "Task 1",
		Status:       "FAILED",
		Error:        "boom",
		RetryCount:   2,
		MaxRetries:   3,
	}, alerter.alerts[0])
}

func TestSendAlertWithoutWebhooks(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRegistry()
	r.SetLogger(zap.New(core))
	RegisterBuiltins(r, nil)

	task, wf := fixture(types.CallbackOnFailure, "send_alert")
	require.NoError(t, r.Dispatch(context.Background(), types.CallbackOnFailure, task, wf))
	assert.Equal(t, 1, logs.FilterMessage("alert raised with no webhooks configured").Len())
}
