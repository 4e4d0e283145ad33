// Package api exposes the engine over HTTP
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/db"
	"github.com/cloud-shuttle/conductor/internal/engine"
	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/metrics"
)

// History is the read side of the run history store
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]db.Run, error)
	RecentExecutions(ctx context.Context, limit int, workflowID string) ([]db.Execution, error)
	Stats(ctx context.Context) (db.Stats, error)
}

// Options wires optional collaborators into the server. Nil members turn
// the matching routes into 404s.
type Options struct {
	ListenAddr string
	Bus        *events.Bus
	Prometheus *metrics.Prometheus
	Aggregator *metrics.Aggregator
	History    History
	Logger     *zap.Logger
}

// Server is the conductor HTTP server
type Server struct {
	engine  *engine.Engine
	opts    Options
	logger  *zap.Logger
	server  *http.Server
	started time.Time
}

// New creates a new API server
func New(eng *engine.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	return &Server{
		engine:  eng,
		opts:    opts,
		logger:  logger.Named("api"),
		started: time.Now(),
	}
}

// Handler builds the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/workflows", s.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc("/workflows", s.handleList).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}/execute", s.handleExecute).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/events", s.handleEvents).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/functions", s.handleFunctions).Methods(http.MethodGet)
	router.HandleFunc("/callbacks", s.handleCallbacks).Methods(http.MethodGet)
	router.HandleFunc("/callbacks/{name}/enable", s.handleToggleCallback(true)).Methods(http.MethodPost)
	router.HandleFunc("/callbacks/{name}/disable", s.handleToggleCallback(false)).Methods(http.MethodPost)

	router.HandleFunc("/metrics/summary", s.handleMetricsSummary).Methods(http.MethodGet)
	if s.opts.Prometheus != nil {
		router.Handle("/metrics", s.opts.Prometheus.Handler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/history/runs", s.handleHistoryRuns).Methods(http.MethodGet)
	router.HandleFunc("/history/executions", s.handleHistoryExecutions).Methods(http.MethodGet)
	router.HandleFunc("/history/stats", s.handleHistoryStats).Methods(http.MethodGet)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = corsMiddleware(handler)
	return handler
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	s.logger.Info("api server starting", zap.String("addr", s.opts.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving api: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for logging. It passes
// Hijack through so websocket upgrades keep working.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
