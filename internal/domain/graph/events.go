package graph

import (
	"sync"
	"time"
)

// Event is one emitted plugin event
type Event struct {
	Name    string    `json:"name"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Bus is an EventSink that fans events out to subscribers and keeps a
// bounded history of recent events.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]func(Event)
	nextID  int
	history []Event
	limit   int
}

// NewBus creates a bus retaining up to limit recent events
func NewBus(limit int) *Bus {
	if limit <= 0 {
		limit = 100
	}
	return &Bus{subs: make(map[int]func(Event)), limit: limit}
}

// Emit records the event and calls every subscriber synchronously.
// Subscribers must not block.
func (b *Bus) Emit(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now()}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribe registers fn and returns a function that removes it
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Recent returns a copy of the retained events, oldest first
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.history...)
}
