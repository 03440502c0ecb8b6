package bus

import (
	"context"
	"time"
)

// ChangeSource is the slice of the cache store the watcher needs: its own
// origin id and the entries mutated since a point in time.
type ChangeSource interface {
	Origin() string
	ChangedSince(since time.Time) []ChangedEntry
}

// ChangedEntry is one mutated cache row as seen by the watcher.
type ChangedEntry struct {
	Key       string
	Value     string
	Origin    string
	UpdatedAt time.Time
}

// Watcher polls the cache store and publishes events for writes made by
// sibling processes. Writes stamped with the local origin are skipped; those
// were already published synchronously by the store itself. The watcher
// remembers the last value it saw per key, so synthesized events carry the
// previous value the way locally published ones do.
type Watcher struct {
	source   ChangeSource
	bus      *Bus
	interval time.Duration
	lastSeen time.Time
	prior    map[string]string
}

// NewWatcher builds a watcher over source publishing to b every interval.
func NewWatcher(source ChangeSource, b *Bus, interval time.Duration) *Watcher {
	return &Watcher{
		source:   source,
		bus:      b,
		interval: interval,
		lastSeen: time.Now().UTC(),
		prior:    make(map[string]string),
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll publishes one batch of foreign writes. Exposed for deterministic use
// in tests and single-shot callers.
func (w *Watcher) Poll() {
	entries := w.source.ChangedSince(w.lastSeen)
	for _, entry := range entries {
		if entry.UpdatedAt.After(w.lastSeen) {
			w.lastSeen = entry.UpdatedAt
		}
		old := w.prior[entry.Key]
		w.prior[entry.Key] = entry.Value
		if entry.Origin == w.source.Origin() {
			continue
		}
		w.bus.Publish(Event{
			Key:      entry.Key,
			OldValue: old,
			NewValue: entry.Value,
			Origin:   entry.Origin,
			At:       entry.UpdatedAt,
		})
	}
}
