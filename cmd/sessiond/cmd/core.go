package cmd

import (
	"fmt"

	"github.com/uptrace/bun"

	"github.com/brightpath/sessiond/internal/bus"
	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/profile"
	"github.com/brightpath/sessiond/internal/provider"
	"github.com/brightpath/sessiond/internal/resolver"
	"github.com/brightpath/sessiond/internal/session"
)

// core bundles the wired resolution stack for one CLI invocation.
type core struct {
	db       *bun.DB
	store    *cache.Store
	sessions *session.Context
}

func (c *core) close() {
	c.sessions.Close()
	cache.Close(c.db)
}

// buildCore wires the cache, bus, remote clients, engine, and session
// context the same way serve does, without the HTTP surface.
func buildCore() (*core, error) {
	db, err := cache.NewDB(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	store, err := cache.NewStore(db)
	if err != nil {
		cache.Close(db)
		return nil, fmt.Errorf("failed to prepare cache: %w", err)
	}

	events := bus.New()
	store.SetNotify(func(key, oldValue, newValue string) {
		events.Publish(bus.Event{Key: key, OldValue: oldValue, NewValue: newValue, Origin: store.Origin()})
	})

	idp := provider.NewHTTPProvider(cfg.ProviderURL, cfg.APIKey, store)
	profiles, err := profile.NewHTTPStore(cfg.ProfileURL, cfg.APIKey, cfg.AuthzCacheTTL)
	if err != nil {
		cache.Close(db)
		return nil, fmt.Errorf("failed to create profile store: %w", err)
	}

	engine := resolver.New(idp, profiles, store, resolver.Options{
		CallBudget:     cfg.CallBudget,
		ProfileRetries: cfg.ProfileRetries,
	})
	sessions := session.New(engine, idp, profiles, store, events, cfg.HardDeadline)

	return &core{db: db, store: store, sessions: sessions}, nil
}
