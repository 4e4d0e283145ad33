// Package webhooks delivers signed HTTP notifications for workflow events
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/conductor/internal/events"
	"github.com/cloud-shuttle/conductor/internal/retry"
	"github.com/cloud-shuttle/conductor/pkg/types"
)

// EventType names what a notification is about
type EventType string

const (
	EventTaskAlert         EventType = "task.alert"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"
	EventWorkflowCancelled EventType = "workflow.cancelled"
)

const (
	queueSize          = 1000
	historySize        = 100
	defaultMaxAttempts = 3
)

// Webhook is a configured notification endpoint
type Webhook struct {
	ID      string            `json:"id" toml:"id"`
	URL     string            `json:"url" toml:"url"`
	Secret  string            `json:"secret,omitempty" toml:"secret"` // signs the body with HMAC-SHA256
	Events  []EventType       `json:"events" toml:"events"`           // empty subscribes to every event
	Headers map[string]string `json:"headers,omitempty" toml:"headers"`
	Enabled bool              `json:"enabled" toml:"enabled"`
}

func (w *Webhook) subscribed(event EventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Payload is the JSON body posted to an endpoint
type Payload struct {
	Event      EventType      `json:"event"`
	Timestamp  int64          `json:"timestamp"`
	WebhookID  string         `json:"webhook_id"`
	DeliveryID string         `json:"delivery_id"`
	Data       map[string]any `json:"data"`
}

// AlertData describes the task an alert is raised for
type AlertData struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	TaskID       string `json:"task_id"`
	TaskName     string `json:"task_name"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`
}

// DeliveryResult is the outcome of one delivery after all its attempts
type DeliveryResult struct {
	WebhookID   string        `json:"webhook_id"`
	DeliveryID  string        `json:"delivery_id"`
	Event       EventType     `json:"event"`
	Attempts    int           `json:"attempts"`
	StatusCode  int           `json:"status_code"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	DeliveredAt time.Time     `json:"delivered_at"`
}

type delivery struct {
	webhook Webhook
	payload Payload
}

// Manager fans notifications out to registered webhooks on a pool of
// delivery workers. Failed attempts are retried with exponential backoff.
type Manager struct {
	mu          sync.RWMutex
	webhooks    map[string]*Webhook
	logger      *zap.Logger
	client      *http.Client
	maxAttempts int
	backoff     retry.Policy

	queue  chan delivery
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	historyMu sync.Mutex
	history   []DeliveryResult
}

// NewManager creates a manager with no webhooks and no running workers
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		webhooks:    make(map[string]*Webhook),
		logger:      zap.NewNop(),
		client:      &http.Client{Timeout: 30 * time.Second},
		maxAttempts: defaultMaxAttempts,
		backoff:     retry.NewPolicy(time.Second),
		queue:       make(chan delivery, queueSize),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetLogger sets the logger for the manager
func (m *Manager) SetLogger(logger *zap.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger.Named("webhooks")
}

// SetTimeout sets the per-attempt HTTP timeout
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client.Timeout = timeout
}

// SetRetry sets how many attempts a delivery gets and the backoff unit
// between them
func (m *Manager) SetRetry(attempts int, unit time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if attempts < 1 {
		attempts = 1
	}
	m.maxAttempts = attempts
	m.backoff = retry.NewPolicy(unit)
}

// Start launches the delivery workers
func (m *Manager) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	m.log().Info("starting webhook delivery", zap.Int("workers", workers))

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
}

// Stop abandons queued deliveries, interrupts in-flight ones and waits for
// the workers to exit or ctx
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.log().Info("webhook delivery stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds or replaces a webhook
func (m *Manager) Register(webhook *Webhook) error {
	if webhook.ID == "" {
		return errors.New("webhook id is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook %s: url is required", webhook.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[webhook.ID] = webhook

	m.logger.Info("registered webhook",
		zap.String("webhook_id", webhook.ID),
		zap.String("url", webhook.URL),
		zap.Bool("enabled", webhook.Enabled),
	)
	return nil
}

// Unregister removes a webhook
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	return nil
}

// List returns copies of all registered webhooks
func (m *Manager) List() []Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Webhook, 0, len(m.webhooks))
	for _, w := range m.webhooks {
		out = append(out, *w)
	}
	return out
}

// Emit queues event for every enabled webhook subscribed to it and returns
// how many deliveries were queued. A full queue drops the delivery.
func (m *Manager) Emit(event EventType, data map[string]any) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().Unix()
	queued := 0
	for _, w := range m.webhooks {
		if !w.Enabled || !w.subscribed(event) {
			continue
		}

		d := delivery{
			webhook: *w,
			payload: Payload{
				Event:      event,
				Timestamp:  now,
				WebhookID:  w.ID,
				DeliveryID: uuid.NewString(),
				Data:       data,
			},
		}
		select {
		case m.queue <- d:
			queued++
		default:
			m.logger.Warn("delivery queue full, dropping notification",
				zap.String("webhook_id", w.ID),
				zap.String("event", string(event)),
			)
		}
	}
	return queued
}

// EmitAlert queues a task alert
func (m *Manager) EmitAlert(alert AlertData) int {
	return m.Emit(EventTaskAlert, map[string]any{"alert": alert})
}

// Forward notifies webhooks of every workflow that finishes on bus. It
// subscribes before returning and keeps forwarding until ctx is done, the
// bus closes or the manager stops.
func (m *Manager) Forward(ctx context.Context, bus *events.Bus) error {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	stream, err := events.NewStreamer(bus, events.EventFilter{
		Types: []events.EventType{
			events.EventWorkflowCompleted,
			events.EventWorkflowFailed,
			events.EventWorkflowCancelled,
		},
	}).Start(ctx)
	if err != nil {
		stop()
		cancel()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		defer stop()

		for ev := range stream {
			data := map[string]any{"workflow_id": ev.WorkflowID}
			for k, v := range ev.Data {
				data[k] = v
			}
			m.Emit(EventType(ev.Type), data)
		}
	}()
	return nil
}

// Deliveries returns up to limit of the most recent delivery results,
// oldest first. A limit of zero returns all retained results.
func (m *Manager) Deliveries(limit int) []DeliveryResult {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]DeliveryResult, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

func (m *Manager) log() *zap.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logger
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case d := <-m.queue:
			m.record(m.deliver(d))
		case <-m.ctx.Done():
			return
		}
	}
}

// deliver posts d, retrying transport errors and 5xx responses
func (m *Manager) deliver(d delivery) DeliveryResult {
	start := time.Now()
	logger := m.log().With(
		zap.String("webhook_id", d.webhook.ID),
		zap.String("event", string(d.payload.Event)),
		zap.String("delivery_id", d.payload.DeliveryID),
	)

	result := DeliveryResult{
		WebhookID:  d.webhook.ID,
		DeliveryID: d.payload.DeliveryID,
		Event:      d.payload.Event,
	}

	body, err := json.Marshal(d.payload)
	if err != nil {
		result.Error = fmt.Sprintf("encoding payload: %v", err)
		logger.Error("webhook payload not encodable", zap.Error(err))
		return result
	}

	m.mu.RLock()
	attempts, backoff, client := m.maxAttempts, m.backoff, m.client
	m.mu.RUnlock()

	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		status, err := m.post(client, d, body)
		result.StatusCode = status

		switch {
		case err == nil && status >= 200 && status < 300:
			result.Success = true
			result.Error = ""
		case err != nil:
			result.Error = err.Error()
		default:
			result.Error = fmt.Sprintf("HTTP %d", status)
		}

		if result.Success || (err == nil && status < 500) || attempt == attempts {
			break
		}

		delay := backoff.Delay(types.RetryExponentialBackoff, attempt)
		logger.Debug("retrying webhook delivery", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.String("error", result.Error))
		select {
		case <-time.After(delay):
		case <-m.ctx.Done():
			result.Error = "delivery abandoned: " + result.Error
			attempt = attempts
		}
	}

	result.Duration = time.Since(start)
	result.DeliveredAt = time.Now()
	if result.Success {
		logger.Debug("webhook delivered", zap.Int("status", result.StatusCode), zap.Int("attempts", result.Attempts))
	} else {
		logger.Warn("webhook delivery failed",
			zap.String("url", d.webhook.URL),
			zap.Int("attempts", result.Attempts),
			zap.String("error", result.Error),
		)
	}
	return result
}

func (m *Manager) post(client *http.Client, d delivery, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodPost, d.webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "conductor-webhooks/1.0")
	req.Header.Set("X-Conductor-Webhook", d.webhook.ID)
	req.Header.Set("X-Conductor-Delivery", d.payload.DeliveryID)
	req.Header.Set("X-Conductor-Event", string(d.payload.Event))
	req.Header.Set("X-Conductor-Timestamp", strconv.FormatInt(d.payload.Timestamp, 10))
	for k, v := range d.webhook.Headers {
		req.Header.Set(k, v)
	}
	if d.webhook.Secret != "" {
		req.Header.Set("X-Conductor-Signature", "sha256="+sign(body, d.webhook.Secret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (m *Manager) record(result DeliveryResult) {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	m.history = append(m.history, result)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of
// payload under secret
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := sign(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
