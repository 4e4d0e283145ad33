package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/definition"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/functions"
	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

const pipeline = `
name: pipeline
tasks:
  - id: fetch
    function: echo
    params:
      url: https://example.com
  - id: store
    function: noop
    depends_on: [fetch]
`

const slowPipeline = `
name: slow
tasks:
  - id: wait
    function: sleep
    params:
      duration: 10s
`

type fixture struct {
	eng  *engine.Engine
	bus  *events.Bus
	agg  *metrics.Aggregator
	prom *metrics.Prometheus
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fns := functions.NewRegistry()
	functions.RegisterBuiltins(fns)

	bus := events.NewBus()
	agg := metrics.NewAggregator()
	prom := metrics.NewPrometheus()
	eng := engine.New(fns, nil,
		engine.WithBus(bus),
		engine.WithSink(metrics.NewMulti(agg, prom)),
		engine.WithIterationYield(time.Millisecond),
		engine.WithRetryUnit(time.Millisecond),
	)

	s := New(eng, Options{Bus: bus, Aggregator: agg, Prometheus: prom})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = bus.Close()
	})
	return &fixture{eng: eng, bus: bus, agg: agg, prom: prom, srv: srv}
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/yaml", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) submit(t *testing.T, body string) string {
	t.Helper()
	resp := f.post(t, "/workflows", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[SubmitResponse](t, resp).ID
}

func (f *fixture) wait(t *testing.T, id string) *types.Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wf, err := f.eng.Wait(ctx, id)
	require.NoError(t, err)
	return wf
}

func TestSubmitRejectsOversizedDefinition(t *testing.T) {
	f := newFixture(t)
	handler := New(f.eng, Options{}).Handler()

	body := pipeline + "\n#" + strings.Repeat("x", maxDefinitionBytes)
	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Contains(t, resp.Error, "exceeds")
	assert.Empty(t, f.eng.List())
}

func TestSubmitAndExecute(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, pipeline)

	resp := f.get(t, "/workflows/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	wf := decode[types.Workflow](t, resp)
	assert.Equal(t, types.WorkflowStatusPending, wf.Status)
	assert.Len(t, wf.Tasks, 2)

	resp = f.post(t, "/workflows/"+id+"/execute", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	final := f.wait(t, id)
	assert.Equal(t, types.WorkflowStatusCompleted, final.Status)

	resp = f.post(t, "/workflows/"+id+"/execute", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.get(t, "/workflows/"+id)
	wf = decode[types.Workflow](t, resp)
	assert.Equal(t, types.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, wf.Context["fetch_result"])
}

func TestSubmitAndStart(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/workflows?start=true", pipeline)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sub := decode[SubmitResponse](t, resp)
	assert.True(t, sub.Started)

	assert.Equal(t, types.WorkflowStatusCompleted, f.wait(t, sub.ID).Status)
}

func TestSubmitRejectsCycle(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/workflows", `
name: loop
tasks:
  - id: a
    function: noop
    depends_on: [b]
  - id: b
    function: noop
    depends_on: [a]
`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "dependency cycle", body.Kind)
	assert.NotEmpty(t, body.Cycle)
	assert.Empty(t, f.eng.List())
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/workflows", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.post(t, "/workflows", "name: x\nbogus: true\ntasks: []\n")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownWorkflow(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusNotFound, f.get(t, "/workflows/nope").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.post(t, "/workflows/nope/execute", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.post(t, "/workflows/nope/cancel", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.get(t, "/workflows/nope/events").StatusCode)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, slowPipeline)
	require.Equal(t, http.StatusAccepted, f.post(t, "/workflows/"+id+"/execute", "").StatusCode)

	resp := f.post(t, "/workflows/"+id+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, types.WorkflowStatusCancelled, f.wait(t, id).Status)

	resp = f.post(t, "/workflows/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, pipeline)
	second := f.submit(t, pipeline)

	list := decode[[]types.WorkflowSummary](t, f.get(t, "/workflows"))
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first, second}, ids)
	assert.Equal(t, 2, list[0].Tasks[types.TaskStatusPending])
}

func TestRegistries(t *testing.T) {
	f := newFixture(t)

	fns := decode[map[string][]string](t, f.get(t, "/functions"))
	assert.Contains(t, fns["functions"], "echo")
	assert.Contains(t, fns["functions"], "sleep")

	cbs := decode[map[string][]string](t, f.get(t, "/callbacks"))
	assert.Empty(t, cbs["callbacks"])
}

func TestToggleCallback(t *testing.T) {
	f := newFixture(t)
	f.eng.Callbacks().MustRegister("notify", func(context.Context, *types.Task, *types.Workflow) error { return nil })

	require.Equal(t, http.StatusOK, f.post(t, "/callbacks/notify/disable", "").StatusCode)
	cbs := decode[map[string][]string](t, f.get(t, "/callbacks"))
	assert.Equal(t, []string{"notify"}, cbs["callbacks"])
	assert.Equal(t, []string{"notify"}, cbs["disabled"])

	require.Equal(t, http.StatusOK, f.post(t, "/callbacks/notify/enable", "").StatusCode)
	cbs = decode[map[string][]string](t, f.get(t, "/callbacks"))
	assert.Empty(t, cbs["disabled"])

	assert.Equal(t, http.StatusNotFound, f.post(t, "/callbacks/missing/disable", "").StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, pipeline)
	require.Equal(t, http.StatusAccepted, f.post(t, "/workflows/"+id+"/execute", "").StatusCode)
	f.wait(t, id)

	summary := decode[metrics.Summary](t, f.get(t, "/metrics/summary"))
	assert.Equal(t, 2, summary.TotalAttempts)
	assert.Equal(t, 2, summary.Completed)

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "conductor_tasks_total")
}

func TestOptionalRoutesWithoutCollaborators(t *testing.T) {
	eng := engine.New(nil, nil)
	srv := httptest.NewServer(New(eng, Options{}).Handler())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/metrics/summary", "/history/runs", "/events"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHistoryRoutes(t *testing.T) {
	store, err := db.Open(t.TempDir() + "/history.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	fns := functions.NewRegistry()
	functions.RegisterBuiltins(fns)
	eng := engine.New(fns, nil,
		engine.WithSink(store),
		engine.WithIterationYield(time.Millisecond),
	)
	srv := httptest.NewServer(New(eng, Options{History: store}).Handler())
	defer srv.Close()

	def, err := definition.Parse([]byte(pipeline))
	require.NoError(t, err)
	wf, err := eng.Run(context.Background(), def)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/history/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	runs := decode[[]db.Run](t, resp)
	require.Len(t, runs, 1)
	assert.Equal(t, wf.ID, runs[0].ID)
	assert.Equal(t, types.WorkflowStatusCompleted, runs[0].Status)

	resp2, err := http.Get(srv.URL + "/history/executions?workflow=" + wf.ID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Len(t, decode[[]db.Execution](t, resp2), 2)

	resp3, err := http.Get(srv.URL + "/history/stats")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, 1, decode[db.Stats](t, resp3).Runs)
}

func TestWorkflowEventStream(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, pipeline)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/workflows/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, http.StatusAccepted, f.post(t, "/workflows/"+id+"/execute", "").StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var seen []events.EventType
	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, id, ev.WorkflowID)
		seen = append(seen, ev.Type)
	}

	require.NotEmpty(t, seen)
	assert.Equal(t, events.EventWorkflowStarted, seen[0])
	assert.Equal(t, events.EventWorkflowCompleted, seen[len(seen)-1])
	assert.Contains(t, seen, events.EventTaskCompleted)
}

func TestEventStreamClosesForFinishedWorkflow(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, pipeline)
	require.Equal(t, http.StatusAccepted, f.post(t, "/workflows/"+id+"/execute", "").StatusCode)
	f.wait(t, id)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/workflows/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestGlobalEventStreamFiltersByType(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events?type=workflow.completed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	id := f.submit(t, pipeline)
	require.Equal(t, http.StatusAccepted, f.post(t, "/workflows/"+id+"/execute", "").StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventWorkflowCompleted, ev.Type)
	assert.Equal(t, id, ev.WorkflowID)
}
