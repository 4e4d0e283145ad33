package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing to or streaming from a closed bus
var ErrClosed = errors.New("event bus is closed")

const subscriberBuffer = 100

// Bus fans events out to subscribers. Publishing never blocks on a slow
// subscriber; events that do not fit its buffer are dropped and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
	dropped     atomic.Int64
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe creates a new subscription channel for events
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscription channel
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Publish emits an event to all subscribers
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}

	return nil
}

// Close shuts down the event bus and closes every subscription
func (b *Bus) Close() error {
	b.closed.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped because a subscriber was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Streamer delivers the filtered subset of bus events to one consumer
type Streamer struct {
	bus    *Bus
	filter EventFilter
}

// NewStreamer creates a new event streamer with the given filter
func NewStreamer(bus *Bus, filter EventFilter) *Streamer {
	return &Streamer{
		bus:    bus,
		filter: filter,
	}
}

// Start begins streaming events to the returned channel. The channel is
// closed when ctx is done or the bus closes.
func (s *Streamer) Start(ctx context.Context) (<-chan *Event, error) {
	if s.bus.closed.Load() {
		return nil, ErrClosed
	}

	ch := s.bus.Subscribe("streamer")
	out := make(chan *Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer s.bus.Unsubscribe(ch)

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !s.filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// FormatEvent formats an event for JSONL output
func FormatEvent(event *Event) ([]byte, error) {
	return json.Marshal(event)
}
