// Package trigger starts workflow runs on cron schedules
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

var (
	// ErrNoSchedule is returned when adding a definition without a schedule
	ErrNoSchedule = errors.New("definition has no schedule")
	// ErrDuplicate is returned when a definition name is already scheduled
	ErrDuplicate = errors.New("definition already scheduled")
	// ErrUnknown is returned for names that are not scheduled
	ErrUnknown = errors.New("definition not scheduled")
)

// Submitter is the part of the engine a trigger needs
type Submitter interface {
	Submit(def *types.WorkflowDefinition) (string, error)
	Start(ctx context.Context, id string) error
}

// Entry describes one scheduled definition
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type scheduled struct {
	def *types.WorkflowDefinition
	id  cron.EntryID
}

// Scheduler submits and starts a fresh run of each registered definition
// whenever its cron expression fires. Standard five-field expressions and
// descriptors such as @hourly or @every 5m are accepted.
type Scheduler struct {
	cron   *cron.Cron
	sub    Submitter
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]scheduled
}

// New creates a scheduler that is not yet running
func New(sub Submitter, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("trigger")
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		sub:     sub,
		logger:  logger,
		entries: make(map[string]scheduled),
	}
}

// Add registers def under its name
func (s *Scheduler) Add(def *types.WorkflowDefinition) error {
	if def.Schedule == "" {
		return fmt.Errorf("%w: %s", ErrNoSchedule, def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}

	name := def.Name
	id, err := s.cron.AddFunc(def.Schedule, func() {
		if _, err := s.Fire(name); err != nil {
			s.logger.Error("scheduled run failed", zap.String("workflow", name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s: %w", def.Schedule, def.Name, err)
	}

	s.entries[name] = scheduled{def: def, id: id}
	s.logger.Info("workflow scheduled",
		zap.String("workflow", name),
		zap.String("schedule", def.Schedule),
	)
	return nil
}

// Remove unregisters name. It reports whether name was scheduled.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return true
}

// Fire submits and starts a run of the named definition immediately and
// returns the new workflow id
func (s *Scheduler) Fire(name string) (string, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknown, name)
	}

	id, err := s.sub.Submit(e.def)
	if err != nil {
		return "", fmt.Errorf("submitting %s: %w", name, err)
	}
	if err := s.sub.Start(context.Background(), id); err != nil {
		return "", fmt.Errorf("starting %s: %w", name, err)
	}

	s.logger.Info("scheduled run started",
		zap.String("workflow", name),
		zap.String("workflow_id", id),
	)
	return id, nil
}

// Entries lists scheduled definitions sorted by name
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{
			Name:     name,
			Schedule: e.def.Schedule,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start runs the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for in-flight triggers or ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's own logging into zap
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
