// Package bus is the cross-tab event channel for cache mutations. A single
// Publish call delivers the event to every subscriber in this process, and
// the Watcher synthesizes identical events for mutations made by sibling
// processes sharing the cache store. The publishing process's own
// subscribers go through the same code path as foreign ones, so a context
// reacts to its own writes exactly as it would to anyone else's.
package bus

import (
	"sync"
	"time"
)

// Event describes one cache mutation. OldValue is the value the key held
// before the mutation; for sibling-process writes it is the last value the
// watcher observed for the key, empty when the key was never seen.
type Event struct {
	Key      string
	OldValue string
	NewValue string
	Origin   string
	At       time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[int]Handler
	next int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a cancel function removing it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers evt to every current subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}
