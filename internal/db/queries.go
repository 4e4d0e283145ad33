package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Execution is a stored task attempt
type Execution struct {
	ID           int64            `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	TaskID       string           `json:"task_id"`
	Function     string           `json:"function"`
	Status       types.TaskStatus `json:"status"`
	Attempt      int              `json:"attempt"`
	Duration     time.Duration    `json:"duration"`
	Error        string           `json:"error,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// Run is a stored workflow run summary
type Run struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Status         types.WorkflowStatus `json:"status"`
	Error          string               `json:"error,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	Duration       time.Duration        `json:"duration"`
	TasksCompleted int                  `json:"tasks_completed"`
	TasksFailed    int                  `json:"tasks_failed"`
	TasksSkipped   int                  `json:"tasks_skipped"`
	TasksPending   int                  `json:"tasks_pending"`
}

// Stats summarises the whole history
type Stats struct {
	Runs          int                          `json:"runs"`
	RunsByStatus  map[types.WorkflowStatus]int `json:"runs_by_status"`
	Executions    int                          `json:"executions"`
	Failures      int                          `json:"failures"`
	AvgDurationMs float64                      `json:"avg_duration_ms"`
}

// RecentExecutions returns the newest task attempts first. An empty
// workflowID matches every workflow.
func (s *Store) RecentExecutions(ctx context.Context, limit int, workflowID string) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, workflow_id, COALESCE(workflow_name, ''), task_id, COALESCE(function, ''),
			status, attempt, duration_ms, COALESCE(error, ''), recorded_at
		FROM task_executions`
	args := []any{}
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying task executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var status string
		var durationMs, recordedAt int64
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.WorkflowName, &e.TaskID, &e.Function,
			&status, &e.Attempt, &durationMs, &e.Error, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning task execution: %w", err)
		}
		e.Status = types.TaskStatus(status)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.RecordedAt = time.UnixMilli(recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentRuns returns the newest workflow runs first
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, s.rebind(`
		SELECT id, name, status, COALESCE(error, ''), created_at, started_at, completed_at,
			duration_ms, tasks_completed, tasks_failed, tasks_skipped, tasks_pending
		FROM workflow_runs
		ORDER BY created_at DESC, id
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying workflow runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var status string
		var createdAt, durationMs int64
		var startedAt, completedAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &status, &r.Error, &createdAt, &startedAt, &completedAt,
			&durationMs, &r.TasksCompleted, &r.TasksFailed, &r.TasksSkipped, &r.TasksPending); err != nil {
			return nil, fmt.Errorf("scanning workflow run: %w", err)
		}
		r.Status = types.WorkflowStatus(status)
		r.CreatedAt = time.UnixMilli(createdAt)
		r.StartedAt = fromNullMillis(startedAt)
		r.CompletedAt = fromNullMillis(completedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats aggregates the stored history
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{RunsByStatus: make(map[types.WorkflowStatus]int)}

	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("counting workflow runs: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scanning run count: %w", err)
		}
		stats.RunsByStatus[types.WorkflowStatus(status)] = n
		stats.Runs += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var avg sql.NullFloat64
	err = s.DB.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			AVG(duration_ms)
		FROM task_executions`), string(types.TaskStatusFailed)).
		Scan(&stats.Executions, &stats.Failures, &avg)
	if err != nil {
		return stats, fmt.Errorf("aggregating task executions: %w", err)
	}
	stats.AvgDurationMs = avg.Float64

	return stats, nil
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
