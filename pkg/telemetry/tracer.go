package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer conductor spans are created with
const InstrumentationName = "conductor"

// Span names for conductor operations
const (
	SpanWorkflowRun = "conductor.workflow.run"
	SpanTaskExecute = "conductor.task.execute"
)

// Tracer returns the conductor tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// NewProvider builds an SDK tracer provider that batches spans to each
// exporter. The caller owns Shutdown.
func NewProvider(serviceName string, exporters ...sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

// StartWorkflowSpan starts a span for a whole workflow run
func StartWorkflowSpan(ctx context.Context, tr trace.Tracer, workflowID, name string, tasks int) (context.Context, trace.Span) {
	return tr.Start(ctx, SpanWorkflowRun, trace.WithAttributes(WorkflowAttrs(workflowID, name, tasks)...))
}

// StartTaskSpan starts a span for one task attempt
func StartTaskSpan(ctx context.Context, tr trace.Tracer, workflowID, taskID, function string, attempt int) (context.Context, trace.Span) {
	return tr.Start(ctx, SpanTaskExecute, trace.WithAttributes(TaskAttrs(workflowID, taskID, function, attempt)...))
}

// RecordError records an error on a span and marks it failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(
		attribute.String(KeyErrorType, ErrorTypeFromError(err)),
	))
	span.SetStatus(codes.Error, err.Error())
}

// RecordErrorWithStatus records an error, or marks the span Ok when err is nil
func RecordErrorWithStatus(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	RecordError(span, err)
}

// SetTaskStatus sets the task status as a span attribute
func SetTaskStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyTaskState, status))
}

// SetWorkflowStatus sets the workflow status as a span attribute
func SetWorkflowStatus(span trace.Span, status string) {
	span.SetAttributes(attribute.String(KeyWorkflowStatus, status))
}

// GetTraceID returns the trace ID from context if available
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// ErrorTypeFromError returns the dynamic type name of err
func ErrorTypeFromError(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%T", err)
}
