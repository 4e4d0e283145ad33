package metrics

import (
	"sync"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// FunctionSummary aggregates attempts of a single task function
type FunctionSummary struct {
	Attempts         int           `json:"attempts"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
}

// Summary is a point-in-time view of everything recorded so far
type Summary struct {
	TotalAttempts    int                          `json:"total_attempts"`
	Completed        int                          `json:"completed"`
	Failed           int                          `json:"failed"`
	SuccessRate      float64                      `json:"success_rate"`
	AvgExecutionTime time.Duration                `json:"avg_execution_time"`
	MaxExecutionTime time.Duration                `json:"max_execution_time"`
	Functions        map[string]FunctionSummary   `json:"functions"`
	Workflows        map[types.WorkflowStatus]int `json:"workflows"`
	LastRecorded     time.Time                    `json:"last_recorded"`
}

type functionStats struct {
	attempts, completed, failed int
	total                       time.Duration
}

// Aggregator keeps running totals in memory
type Aggregator struct {
	mu        sync.Mutex
	attempts  int
	completed int
	failed    int
	total     time.Duration
	max       time.Duration
	functions map[string]*functionStats
	workflows map[types.WorkflowStatus]int
	last      time.Time
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{
		functions: make(map[string]*functionStats),
		workflows: make(map[types.WorkflowStatus]int),
	}
}

// Record implements Sink
func (a *Aggregator) Record(m TaskMetric) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fs, ok := a.functions[m.Function]
	if !ok {
		fs = &functionStats{}
		a.functions[m.Function] = fs
	}

	a.attempts++
	fs.attempts++
	switch m.Status {
	case types.TaskStatusCompleted:
		a.completed++
		fs.completed++
	case types.TaskStatusFailed:
		a.failed++
		fs.failed++
	}

	a.total += m.ExecutionTime
	fs.total += m.ExecutionTime
	if m.ExecutionTime > a.max {
		a.max = m.ExecutionTime
	}
	a.last = m.Timestamp
}

// RecordWorkflow implements WorkflowSink
func (a *Aggregator) RecordWorkflow(m WorkflowMetric) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workflows[m.Status]++
}

// Summary returns a copy of the current totals
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		TotalAttempts:    a.attempts,
		Completed:        a.completed,
		Failed:           a.failed,
		MaxExecutionTime: a.max,
		Functions:        make(map[string]FunctionSummary, len(a.functions)),
		Workflows:        make(map[types.WorkflowStatus]int, len(a.workflows)),
		LastRecorded:     a.last,
	}
	if a.attempts > 0 {
		s.SuccessRate = float64(a.completed) / float64(a.attempts)
		s.AvgExecutionTime = a.total / time.Duration(a.attempts)
	}
	for name, fs := range a.functions {
		s.Functions[name] = FunctionSummary{
			Attempts:         fs.attempts,
			Completed:        fs.completed,
			Failed:           fs.failed,
			AvgExecutionTime: fs.total / time.Duration(fs.attempts),
		}
	}
	for status, n := range a.workflows {
		s.Workflows[status] = n
	}
	return s
}
