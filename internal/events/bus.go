package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// subscriberBuffer bounds each subscriber's backlog. Publish never
// blocks on a slow consumer; it drops for that consumer instead.
const subscriberBuffer = 100

// Bus fans lifecycle events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan *Event]string
	closed      atomic.Bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan *Event]string),
	}
}

// Subscribe registers a named subscriber and returns its channel.
func (b *Bus) Subscribe(name string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, subscriberBuffer)
	b.subscribers[ch] = name
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, ch)
}

// Publish emits an event to every subscriber. Subscribers with a full
// buffer miss the event rather than stalling the publisher.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	if b.closed.Load() {
		return fmt.Errorf("event bus is closed")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Emit is Publish without a caller context, for fire-and-forget call
// sites inside the orchestrator.
func (b *Bus) Emit(event *Event) {
	b.Publish(context.Background(), event)
}

// Close shuts the bus down and closes every subscriber channel.
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

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stream subscribes with a filter and returns a channel of matching
// events. The stream ends when the context is cancelled or the bus
// closes.
func (b *Bus) Stream(ctx context.Context, filter Filter) <-chan *Event {
	ch := b.Subscribe("stream")
	out := make(chan *Event, subscriberBuffer)

	go func() {
		defer close(out)
		defer b.Unsubscribe(ch)

		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if !filter.Matches(event) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// FormatJSON renders an event as one JSON line.
func FormatJSON(event *Event) ([]byte, error) {
	return json.Marshal(event)
}

// FormatCompact renders an event for terminal output.
func FormatCompact(event *Event) string {
	s := fmt.Sprintf("[%d] %s task=%s", event.Timestamp, event.Type, event.TaskID)
	if event.UnitID != "" {
		s += " unit=" + event.UnitID
	}
	if event.Gate != "" {
		s += " gate=" + event.Gate
	}
	return s
}
