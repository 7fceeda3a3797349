package workflow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of one status transition. Events for a given
// instance carry a monotonic sequence number assigned by the scheduler, so
// subscribers observe them in the order the scheduler produced them.
type Event struct {
	Seq        uint64    `json:"seq"`
	InstanceID uuid.UUID `json:"instance_id"`
	// StepID is empty for instance-level transitions.
	StepID    string    `json:"step_id,omitempty"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// EventBus fans transitions out to external subscribers. Publishing never
// blocks the scheduler: a subscriber that falls behind its buffer loses
// events, and the loss is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	bufSize int
	dropped atomic.Int64
}

// NewEventBus creates a bus whose subscriber channels buffer bufSize events.
func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &EventBus{
		subs:    make(map[int]chan Event),
		bufSize: bufSize,
	}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed when the subscription is cancelled or the bus closes.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.bufSize)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers without blocking.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
