package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Prometheus exports task and workflow metrics in the Prometheus exposition format
type Prometheus struct {
	registry         *prometheus.Registry
	tasksTotal       *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec
}

// NewPrometheus creates a sink with its own registry
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished task attempts by function and outcome.",
		}, []string{"function", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task attempt execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"function", "status"}),
		workflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflow runs by outcome.",
		}, []string{"status"}),
		workflowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"status"}),
	}

	p.registry.MustRegister(
		p.tasksTotal,
		p.taskDuration,
		p.workflowsTotal,
		p.workflowDuration,
		collectors.NewGoCollector(),
	)
	return p
}

// Record implements Sink
func (p *Prometheus) Record(m TaskMetric) {
	labels := prometheus.Labels{"function": m.Function, "status": string(m.Status)}
	p.tasksTotal.With(labels).Inc()
	p.taskDuration.With(labels).Observe(m.ExecutionTime.Seconds())
}

// RecordWorkflow implements WorkflowSink
func (p *Prometheus) RecordWorkflow(m WorkflowMetric) {
	p.workflowsTotal.WithLabelValues(string(m.Status)).Inc()
	p.workflowDuration.WithLabelValues(string(m.Status)).Observe(m.Duration().Seconds())
}

// Registry exposes the underlying registry
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the metrics endpoint
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
