package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/brightpath/sessiond/internal/bus"
)

// Entry is one keyed value in the persistent local cache. Removed keys are
// kept as empty-value tombstones so sibling processes can observe deletions
// through the updated_at column.
type Entry struct {
	bun.BaseModel `bun:"table:session_cache,alias:sc"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	Origin    string    `bun:"origin,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// NotifyFunc receives every mutation made through this store, in the order
// it was applied. Wired to the event bus by the caller.
type NotifyFunc func(key, oldValue, newValue string)

// Store is the synchronous key/value cache. Values are untrusted hints:
// every read may come back stale or absent, and no method ever fails. Cache
// errors are logged and reads degrade to a miss.
type Store struct {
	db     *bun.DB
	origin string
	notify NotifyFunc
}

// NewStore prepares the cache table and returns a store with a fresh origin
// id. The origin distinguishes this process's writes from sibling writes.
func NewStore(db *bun.DB) (*Store, error) {
	_, err := db.NewCreateTable().
		Model((*Entry)(nil)).
		IfNotExists().
		Exec(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	return &Store{
		db:     db,
		origin: uuid.NewString(),
	}, nil
}

// Origin returns the id stamped onto this store's writes.
func (s *Store) Origin() string {
	return s.origin
}

// SetNotify installs the mutation callback. Must be called before concurrent
// use of the store.
func (s *Store) SetNotify(fn NotifyFunc) {
	s.notify = fn
}

// Get returns the value for key, or ok=false when the key is missing,
// removed, or unreadable.
func (s *Store) Get(key string) (string, bool) {
	entry := new(Entry)
	err := s.db.NewSelect().
		Model(entry).
		Where("key = ?", key).
		Scan(context.Background())
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("ERROR: cache read failed (key=%s): %v", key, err)
		}
		return "", false
	}
	if entry.Value == "" {
		// tombstone
		return "", false
	}
	return entry.Value, true
}

// Set writes key=value and notifies subscribers. Errors are absorbed: a
// failed cache write costs a future hint, never correctness.
func (s *Store) Set(key, value string) {
	old, _ := s.Get(key)
	s.upsert(key, value)
	if s.notify != nil {
		s.notify(key, old, value)
	}
}

// Remove tombstones key and notifies subscribers. Missing keys are a no-op
// notification, never an error.
func (s *Store) Remove(key string) {
	old, existed := s.Get(key)
	s.upsert(key, "")
	if s.notify != nil && existed {
		s.notify(key, old, "")
	}
}

func (s *Store) upsert(key, value string) {
	entry := &Entry{
		Key:       key,
		Value:     value,
		Origin:    s.origin,
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(entry).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("origin = EXCLUDED.origin").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(context.Background())
	if err != nil {
		log.Printf("ERROR: cache write failed (key=%s): %v", key, err)
	}
}

// ChangedSince returns every entry (tombstones included) whose updated_at is
// strictly after since, oldest first. Satisfies bus.ChangeSource so the
// watcher can synthesize events for sibling-process writes.
func (s *Store) ChangedSince(since time.Time) []bus.ChangedEntry {
	var entries []Entry
	err := s.db.NewSelect().
		Model(&entries).
		Where("updated_at > ?", since).
		Order("updated_at ASC").
		Scan(context.Background())
	if err != nil {
		log.Printf("ERROR: cache change scan failed: %v", err)
		return nil
	}

	changed := make([]bus.ChangedEntry, 0, len(entries))
	for _, e := range entries {
		changed = append(changed, bus.ChangedEntry{
			Key:       e.Key,
			Value:     e.Value,
			Origin:    e.Origin,
			UpdatedAt: e.UpdatedAt,
		})
	}
	return changed
}
