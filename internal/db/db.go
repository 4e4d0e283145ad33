// Package db records workflow run history in SQLite or PostgreSQL.
// It is an audit trail for finished attempts and runs; live workflow state
// stays in memory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/metrics"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// Dialect identifies the SQL flavour behind a Store
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const writeTimeout = 5 * time.Second

// Store manages database operations
type Store struct {
	DB      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open opens the database named by url. Accepted forms are
// sqlite://<path>, postgres://... / postgresql://..., or a bare file path
// which is treated as SQLite.
func Open(url string) (*Store, error) {
	dialect, driver, dsn := parseURL(url)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect == DialectSQLite {
		// one connection keeps :memory: databases coherent and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)

		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Store{DB: db, dialect: dialect, logger: zap.NewNop()}, nil
}

func parseURL(url string) (Dialect, string, string) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DialectPostgres, "pgx", url
	case strings.HasPrefix(url, "sqlite://"):
		return DialectSQLite, "sqlite3", strings.TrimPrefix(url, "sqlite://")
	default:
		return DialectSQLite, "sqlite3", url
	}
}

// SetLogger sets the logger used for write failures
func (s *Store) SetLogger(logger *zap.Logger) {
	s.logger = logger.Named("history")
}

// Dialect reports the SQL flavour in use
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// InitSchema creates the history tables
func (s *Store) InitSchema(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			duration_ms BIGINT DEFAULT 0,
			tasks_completed INTEGER DEFAULT 0,
			tasks_failed INTEGER DEFAULT 0,
			tasks_skipped INTEGER DEFAULT 0,
			tasks_pending INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_executions (
			` + idColumn + `,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT,
			task_id TEXT NOT NULL,
			function TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			error TEXT,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_executions_workflow ON task_executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_created ON workflow_runs(created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Record implements metrics.Sink by storing one row per attempt
func (s *Store) Record(m metrics.TaskMetric) {
	if err := s.InsertExecution(context.Background(), m); err != nil {
		s.logger.Error("failed to record task execution",
			zap.String("workflow_id", m.WorkflowID),
			zap.String("task_id", m.TaskID),
			zap.Error(err),
		)
	}
}

// RecordWorkflow implements metrics.WorkflowSink
func (s *Store) RecordWorkflow(m metrics.WorkflowMetric) {
	if err := s.UpsertRun(context.Background(), m); err != nil {
		s.logger.Error("failed to record workflow run",
			zap.String("workflow_id", m.WorkflowID),
			zap.Error(err),
		)
	}
}

// InsertExecution stores a task attempt
func (s *Store) InsertExecution(ctx context.Context, m metrics.TaskMetric) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	recorded := m.Timestamp
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO task_executions
			(workflow_id, workflow_name, task_id, function, status, attempt, duration_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.WorkflowID, m.WorkflowName, m.TaskID, m.Function, string(m.Status),
		m.Attempt, m.ExecutionTime.Milliseconds(), nullString(m.Error), recorded.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting task execution: %w", err)
	}
	return nil
}

// UpsertRun stores or replaces the summary of a workflow run
func (s *Store) UpsertRun(ctx context.Context, m metrics.WorkflowMetric) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	_, err := s.DB.ExecContext(ctx, s.rebind(`
		INSERT INTO workflow_runs
			(id, name, status, error, created_at, started_at, completed_at, duration_ms,
			 tasks_completed, tasks_failed, tasks_skipped, tasks_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			tasks_completed = excluded.tasks_completed,
			tasks_failed = excluded.tasks_failed,
			tasks_skipped = excluded.tasks_skipped,
			tasks_pending = excluded.tasks_pending`),
		m.WorkflowID, m.Name, string(m.Status), nullString(m.Error),
		m.CreatedAt.UnixMilli(), nullTime(m.StartedAt), nullTime(m.CompletedAt), m.Duration().Milliseconds(),
		m.Tasks[types.TaskStatusCompleted], m.Tasks[types.TaskStatusFailed], m.Tasks[types.TaskStatusSkipped], m.Tasks[types.TaskStatusPending],
	)
	if err != nil {
		return fmt.Errorf("upserting workflow run: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
