package service

import (
	"sync"
	"time"

	"github.com/raphaelgruber/batchgen/internal/models"
)

// subscriberBuffer is the per-subscriber channel capacity. Events beyond
// it are dropped for that subscriber.
const subscriberBuffer = 16

// Event is a run status change or progress tick for a batch.
type Event struct {
	BatchID   string        `json:"batchId"`
	RunID     string        `json:"runId,omitempty"`
	Status    models.Status `json:"status"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// EventBus fans run events out to subscribers.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe returns a channel of events for batchID ("" receives every
// batch) and a cancel func that unsubscribes and closes the channel.
func (b *EventBus) Subscribe(batchID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = make(map[chan Event]struct{})
	}
	b.subs[batchID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[batchID], ch)
			if len(b.subs[batchID]) == 0 {
				delete(b.subs, batchID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev without blocking. Slow subscribers miss events.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{ev.BatchID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}
