package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/conductor/internal/events"
)

type received struct {
	payload Payload
	body    []byte
	headers http.Header
}

func newReceiver(t *testing.T, status int) (*httptest.Server, <-chan received) {
	t.Helper()
	ch := make(chan received, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload Payload
		_ = json.Unmarshal(body, &payload)
		ch <- received{payload: payload, body: body, headers: r.Header.Clone()}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, ch
}

func waitFor(t *testing.T, ch <-chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook delivery received")
		return received{}
	}
}

func TestEmitAlertDeliversSignedPayload(t *testing.T) {
	server, deliveries := newReceiver(t, http.StatusOK)

	m := NewManager()
	require.NoError(t, m.Register(&Webhook{
		ID:      "ops",
		URL:     server.URL,
		Secret:  "s3cret",
		Events:  []EventType{EventTaskAlert},
		Headers: map[string]string{"X-Team": "platform"},
		Enabled: true,
	}))
	m.Start(1)
	defer m.Stop(context.Background())

	queued := m.EmitAlert(AlertData{WorkflowID: "wf-1", TaskID: "load", Status: "FAILED", Error: "boom", RetryCount: 3, MaxRetries: 3})
	assert.Equal(t, 1, queued)

	got := waitFor(t, deliveries)
	assert.Equal(t, EventTaskAlert, got.payload.Event)
	assert.Equal(t, "ops", got.payload.WebhookID)
	assert.NotEmpty(t, got.payload.DeliveryID)

	alert := got.payload.Data["alert"].(map[string]any)
	assert.Equal(t, "load", alert["task_id"])
	assert.Equal(t, "boom", alert["error"])

	assert.Equal(t, "ops", got.headers.Get("X-Conductor-Webhook"))
	assert.Equal(t, string(EventTaskAlert), got.headers.Get("X-Conductor-Event"))
	assert.Equal(t, got.payload.DeliveryID, got.headers.Get("X-Conductor-Delivery"))
	assert.Equal(t, "platform", got.headers.Get("X-Team"))

	signature := strings.TrimPrefix(got.headers.Get("X-Conductor-Signature"), "sha256=")
	assert.True(t, VerifySignature(got.body, signature, "s3cret"))
	assert.False(t, VerifySignature(got.body, signature, "wrong"))
}

func TestEmitSkipsDisabledAndUnsubscribed(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(&Webhook{ID: "off", URL: "http://example.invalid", Enabled: false}))
	require.NoError(t, m.Register(&Webhook{ID: "other", URL: "http://example.invalid", Enabled: true, Events: []EventType{EventWorkflowFailed}}))

	assert.Equal(t, 0, m.EmitAlert(AlertData{TaskID: "t"}))
	assert.Equal(t, 1, m.Emit(EventWorkflowFailed, nil))
}

func TestRegisterValidation(t *testing.T) {
	m := NewManager()
	assert.Error(t, m.Register(&Webhook{URL: "http://x"}))
	assert.Error(t, m.Register(&Webhook{ID: "x"}))
	assert.Error(t, m.Unregister("missing"))

	require.NoError(t, m.Register(&Webhook{ID: "x", URL: "http://x"}))
	assert.Len(t, m.List(), 1)
	require.NoError(t, m.Unregister("x"))
	assert.Empty(t, m.List())
}

func TestServerErrorsAreRetried(t *testing.T) {
	server, deliveries := newReceiver(t, http.StatusInternalServerError)

	m := NewManager()
	m.SetRetry(3, time.Millisecond)
	require.NoError(t, m.Register(&Webhook{ID: "flaky", URL: server.URL, Enabled: true}))
	m.Start(1)

	m.Emit(EventWorkflowFailed, map[string]any{"workflow_id": "wf"})
	for i := 0; i < 3; i++ {
		waitFor(t, deliveries)
	}

	require.Eventually(t, func() bool { return len(m.Deliveries(0)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))

	history := m.Deliveries(10)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.Equal(t, 3, history[0].Attempts)
	assert.Equal(t, http.StatusInternalServerError, history[0].StatusCode)
	assert.Equal(t, "HTTP 500", history[0].Error)
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	server, deliveries := newReceiver(t, http.StatusBadRequest)

	m := NewManager()
	m.SetRetry(3, time.Millisecond)
	require.NoError(t, m.Register(&Webhook{ID: "strict", URL: server.URL, Enabled: true}))
	m.Start(1)
	defer m.Stop(context.Background())

	m.Emit(EventWorkflowCompleted, nil)
	waitFor(t, deliveries)

	require.Eventually(t, func() bool { return len(m.Deliveries(0)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, m.Deliveries(0)[0].Attempts)
}

func TestForwardNotifiesFinishedWorkflows(t *testing.T) {
	server, deliveries := newReceiver(t, http.StatusOK)

	m := NewManager()
	require.NoError(t, m.Register(&Webhook{
		ID:      "runs",
		URL:     server.URL,
		Enabled: true,
		Events:  []EventType{EventWorkflowFailed},
	}))
	m.Start(1)

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Forward(ctx, bus))
	assert.Equal(t, 1, bus.SubscriberCount())

	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventTaskCompleted, "wf-1", "a", nil)))
	require.NoError(t, bus.Publish(ctx, events.NewEvent(events.EventWorkflowFailed, "wf-1", "", map[string]any{"error": "1 task(s) failed: a"})))

	got := waitFor(t, deliveries)
	assert.Equal(t, EventWorkflowFailed, got.payload.Event)
	assert.Equal(t, "wf-1", got.payload.Data["workflow_id"])
	assert.Equal(t, "1 task(s) failed: a", got.payload.Data["error"])

	require.NoError(t, bus.Close())
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	assert.NoError(t, m.Stop(stopCtx))
}

func TestForwardOnClosedBus(t *testing.T) {
	bus := events.NewBus()
	require.NoError(t, bus.Close())

	m := NewManager()
	assert.ErrorIs(t, m.Forward(context.Background(), bus), events.ErrClosed)
}

func TestDeliveriesKeepsMostRecent(t *testing.T) {
	m := NewManager()
	for i := 0; i < historySize+5; i++ {
		m.record(DeliveryResult{Attempts: i})
	}

	all := m.Deliveries(0)
	require.Len(t, all, historySize)
	assert.Equal(t, 5, all[0].Attempts)

	last := m.Deliveries(2)
	require.Len(t, last, 2)
	assert.Equal(t, historySize+4, last[1].Attempts)
}
