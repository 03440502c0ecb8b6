// Package session holds the tab-wide session context: the single source of
// truth for who is signed in and what they can do. All consumers read
// identity state through here, never through the cache directly.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/brightpath/sessiond/internal/bus"
	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/identity"
	"github.com/brightpath/sessiond/internal/profile"
	"github.com/brightpath/sessiond/internal/provider"
	"github.com/brightpath/sessiond/internal/resolver"
)

// Snapshot is the read model handed to subscribers. Err is set only for
// blocking conditions the UI must render (authorization denial); transient
// failures never appear here.
type Snapshot struct {
	Identity *identity.Resolved
	Loading  bool
	Err      error
}

// Context owns all identity state for one process.
type Context struct {
	engine   *resolver.Engine
	provider provider.Provider
	profiles profile.Store
	store    *cache.Store
	events   *bus.Bus

	// hardDeadline caps total resolution time: loading is forced false when
	// it expires, while late engine updates still apply to an open cycle.
	hardDeadline time.Duration

	mu         sync.Mutex
	identity   *identity.Resolved
	loading    bool
	lastErr    error
	override   *identity.Resolved
	generation int
	cycleRank  int

	subs    map[int]func(Snapshot)
	nextSub int
	cancels []func()
}

// New wires a session context over its collaborators. Call Start before use.
func New(engine *resolver.Engine, p provider.Provider, profiles profile.Store, store *cache.Store, events *bus.Bus, hardDeadline time.Duration) *Context {
	if hardDeadline <= 0 {
		hardDeadline = 3 * time.Second
	}
	return &Context{
		engine:       engine,
		provider:     p,
		profiles:     profiles,
		store:        store,
		events:       events,
		hardDeadline: hardDeadline,
		subs:         make(map[int]func(Snapshot)),
	}
}

// Start subscribes to provider session events and the cross-tab bus, then
// kicks off the initial resolution cycle.
func (c *Context) Start(ctx context.Context) {
	cancelProvider := c.provider.OnSessionChange(func(event provider.EventType, _ *provider.Session) {
		switch event {
		case provider.EventSignedIn, provider.EventTokenRefreshed:
			c.restartCycle(ctx)
		case provider.EventSignedOut, provider.EventTokenRefreshFailed:
			c.observeSignOut()
		}
	})

	cancelBus := c.events.Subscribe(func(evt bus.Event) {
		c.handleCacheEvent(evt)
	})

	c.mu.Lock()
	c.cancels = append(c.cancels, cancelProvider, cancelBus)
	c.mu.Unlock()

	c.startCycle(ctx)
}

// Close removes all subscriptions.
func (c *Context) Close() {
	c.mu.Lock()
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Identity returns the current resolved identity, or nil when
// unauthenticated.
func (c *Context) Identity() *identity.Resolved {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.Clone()
}

// Loading reports whether a resolution cycle is still pending.
func (c *Context) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Snapshot returns the full read model.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Identity: c.identity.Clone(), Loading: c.loading, Err: c.lastErr}
}

// Subscribe registers fn for every state change. The returned cancel removes
// the registration. fn runs outside the context lock.
func (c *Context) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SignIn authenticates against the identity provider and, on success, starts
// a fresh resolution cycle. Failures come back classified
// (identity.ErrInvalidCredential, identity.ErrNetworkTimeout) with no state
// mutated.
func (c *Context) SignIn(ctx context.Context, email, secret string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.hardDeadline)
	defer cancel()

	if _, err := c.provider.SignInWithPassword(callCtx, email, secret); err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: sign-in", identity.ErrNetworkTimeout)
		}
		return err
	}

	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	c.restartCycle(ctx)
	return nil
}

// SignUp registers a new account. The whitelist check is not performed here;
// it runs on the first resolution cycle.
func (c *Context) SignUp(ctx context.Context, email, secret, displayName string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.hardDeadline)
	defer cancel()

	if _, err := c.provider.SignUp(callCtx, email, secret, displayName); err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("%w: sign-up", identity.ErrNetworkTimeout)
		}
		return err
	}

	c.restartCycle(ctx)
	return nil
}

// SignOut clears the ephemeral override, the cache entries for the current
// identity, and the provider session, then resets to unauthenticated. The
// cache tombstones broadcast on the bus, so sibling processes observe the
// sign-out.
func (c *Context) SignOut(ctx context.Context) error {
	c.mu.Lock()
	email := ""
	if c.identity != nil {
		email = c.identity.Email
	}
	c.override = nil
	c.mu.Unlock()

	c.store.ClearIdentity(email)
	c.reset(nil)

	if err := c.provider.SignOut(ctx); err != nil {
		return fmt.Errorf("provider sign-out: %w", err)
	}
	return nil
}

// DemoSignIn installs an ephemeral override identity, superseding all remote
// resolution until sign-out.
func (c *Context) DemoSignIn(demo *identity.Resolved) {
	res := demo.Clone()
	res.Source = identity.SourceEphemeral
	res.ResolvedAt = time.Now()

	c.mu.Lock()
	c.generation++ // drop any in-flight cycle
	c.override = res
	c.identity = res
	c.loading = false
	c.lastErr = nil
	c.mu.Unlock()

	c.notify()
}

// IsAuthorized asks the whitelist whether email may use the system.
func (c *Context) IsAuthorized(ctx context.Context, email string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.hardDeadline)
	defer cancel()

	decision, err := c.profiles.CheckAuthorization(callCtx, email)
	if err != nil {
		return false, err
	}
	return decision.Authorized, nil
}

// startCycle begins a resolution cycle unless one is already pending. The
// hard deadline timer forces loading=false even if every remote call hangs;
// the cycle stays open so later, higher-confidence updates still apply.
func (c *Context) startCycle(ctx context.Context) {
	c.beginCycle(ctx, false)
}

// restartCycle supersedes any in-flight cycle. Used when the session itself
// changed (sign-in, sign-up, token refresh): a pending cycle may be resolving
// the pre-change session, so its output must be dropped by the generation
// bump rather than allowed to finish in its place.
func (c *Context) restartCycle(ctx context.Context) {
	c.beginCycle(ctx, true)
}

func (c *Context) beginCycle(ctx context.Context, supersede bool) {
	c.mu.Lock()
	if c.loading && !supersede {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	c.loading = true
	c.cycleRank = 0
	c.lastErr = nil
	override := c.override
	c.mu.Unlock()

	c.notify()

	time.AfterFunc(c.hardDeadline, func() {
		c.mu.Lock()
		expired := gen == c.generation && c.loading
		if expired {
			c.loading = false
			log.Printf("INFO: resolution deadline reached, rendering with best available identity")
		}
		c.mu.Unlock()
		if expired {
			c.notify()
		}
	})

	// Resolution outlives the caller's request context: late results may
	// still upgrade confidence after the deadline.
	updates := c.engine.Resolve(context.WithoutCancel(ctx), override)
	go func() {
		for update := range updates {
			c.applyUpdate(gen, update)
		}
	}()
}

// applyUpdate folds one engine emission into the read model. Stale-cycle
// updates are dropped; within a cycle, confidence never decreases.
func (c *Context) applyUpdate(gen int, update resolver.Update) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	switch {
	case update.Err != nil:
		c.identity = nil
		c.lastErr = update.Err
		c.loading = false
	case update.Identity == nil:
		if update.Terminal {
			c.identity = nil
			c.loading = false
		}
	default:
		rank := update.Identity.Source.Rank()
		if rank >= c.cycleRank {
			c.identity = update.Identity
			c.cycleRank = rank
		}
		if update.Terminal {
			c.loading = false
		}
	}
	c.mu.Unlock()

	c.notify()
}

// handleCacheEvent reacts to identity-snapshot mutations, whether published
// by this process or synthesized from a sibling's write. Both arrive through
// the same path, so the owning process reacts to its own writes identically.
func (c *Context) handleCacheEvent(evt bus.Event) {
	if evt.Key != cache.KeyIdentity {
		return
	}

	if evt.NewValue == "" {
		// Sign-out observed. The ephemeral override is tab-local and
		// survives other tabs' cache clears.
		c.observeSignOut()
		return
	}

	res, ok := cache.DecodeSnapshot(evt.NewValue)
	if !ok {
		return
	}

	// Lightweight re-resolution: adopt the written snapshot as a
	// cache-confidence hint, subject to the same monotonic-confidence rule
	// as any engine update.
	c.mu.Lock()
	if c.override != nil {
		c.mu.Unlock()
		return
	}
	if c.identity != nil && c.identity.Source.Rank() > res.Source.Rank() && c.identity.Email == res.Email {
		c.mu.Unlock()
		return
	}
	c.identity = res
	if !c.loading {
		c.cycleRank = res.Source.Rank()
	}
	c.mu.Unlock()

	c.notify()
}

// reset moves the context to unauthenticated, cancelling any in-flight
// cycle. Used only for user-initiated sign-out: late responses from the
// cancelled cycle are dropped by the generation check.
func (c *Context) reset(err error) {
	c.mu.Lock()
	c.generation++
	c.identity = nil
	c.loading = false
	c.lastErr = err
	c.mu.Unlock()

	c.notify()
}

// observeSignOut reacts to a sign-out that originated elsewhere: a sibling
// process's cache clear, a provider SIGNED_OUT event, or an engine-forced
// sign-out. It drops the identity but leaves any in-flight cycle open so the
// cycle's own terminal update (e.g. an authorization denial) still lands.
func (c *Context) observeSignOut() {
	c.mu.Lock()
	if c.override != nil || c.identity == nil {
		c.mu.Unlock()
		return
	}
	c.identity = nil
	c.mu.Unlock()

	c.notify()
}

func (c *Context) notify() {
	c.mu.Lock()
	snapshot := Snapshot{Identity: c.identity.Clone(), Loading: c.loading, Err: c.lastErr}
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}
