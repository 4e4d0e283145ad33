package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestWorkflowAndTaskSpans(t *testing.T) {
	rec, tp := recordingTracer(t)
	tr := tp.Tracer(InstrumentationName)

	ctx, wfSpan := StartWorkflowSpan(context.Background(), tr, "wf-1", "etl", 3)
	assert.NotEmpty(t, GetTraceID(ctx))

	_, taskSpan := StartTaskSpan(ctx, tr, "wf-1", "extract", "noop", 2)
	SetTaskStatus(taskSpan, "COMPLETED")
	RecordErrorWithStatus(taskSpan, nil)
	taskSpan.End()

	SetWorkflowStatus(wfSpan, "COMPLETED")
	wfSpan.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)

	task := spans[0]
	assert.Equal(t, SpanTaskExecute, task.Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), task.Parent().SpanID())
	attrs := attrMap(task.Attributes())
	assert.Equal(t, "extract", attrs[KeyTaskID].AsString())
	assert.Equal(t, int64(2), attrs[KeyTaskAttempt].AsInt64())
	assert.Equal(t, "COMPLETED", attrs[KeyTaskState].AsString())
	assert.Equal(t, codes.Ok, task.Status().Code)

	wf := attrMap(spans[1].Attributes())
	assert.Equal(t, "etl", wf[KeyWorkflowName].AsString())
	assert.Equal(t, int64(3), wf[KeyWorkflowTasks].AsInt64())
}

func TestRecordError(t *testing.T) {
	rec, tp := recordingTracer(t)
	_, span := tp.Tracer(InstrumentationName).Start(context.Background(), "op")

	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	s := rec.Ended()[0]
	assert.Equal(t, codes.Error, s.Status().Code)
	assert.Equal(t, "boom", s.Status().Description)
	require.Len(t, s.Events(), 1)
	assert.Equal(t, "*errors.errorString", attrMap(s.Events()[0].Attributes)[KeyErrorType].AsString())
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, ErrorTypeFromError(nil))
}

func TestNewProvider(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := NewProvider("conductor-test", exp)

	_, span := tp.Tracer(InstrumentationName).Start(context.Background(), "op")
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name)
	require.NoError(t, tp.Shutdown(context.Background()))
}
