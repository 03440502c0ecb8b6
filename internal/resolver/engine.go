// Package resolver is the resolution engine: it reconciles the ephemeral
// override, the local cache, the remote identity provider, and the remote
// profile store into one resolved identity, without ever leaving the caller
// waiting past its deadline.
package resolver

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/identity"
	"github.com/brightpath/sessiond/internal/profile"
	"github.com/brightpath/sessiond/internal/provider"
)

// Update is one emission from a resolution cycle. The final emission of a
// cycle has Terminal set; earlier emissions carry progressively more
// confident identities. Err is set only on terminal authorization failures.
type Update struct {
	Identity *identity.Resolved
	Err      error
	Terminal bool
}

// Options tunes the engine's timeout discipline.
type Options struct {
	// CallBudget bounds each remote call (session fetch, whitelist check,
	// profile fetch).
	CallBudget time.Duration

	// ProfileRetries is the number of extra profile-fetch attempts after a
	// timeout or failure. Policy says exactly one.
	ProfileRetries int
}

// DefaultOptions mirror the documented policy: ~2s per call, one retry.
func DefaultOptions() Options {
	return Options{
		CallBudget:     2 * time.Second,
		ProfileRetries: 1,
	}
}

// Engine orchestrates one resolution cycle at a time. It is stateless
// between cycles; all durable state lives in the cache store.
type Engine struct {
	provider provider.Provider
	profiles profile.Store
	store    *cache.Store
	opts     Options
}

// New builds an engine over the given collaborators.
func New(p provider.Provider, profiles profile.Store, store *cache.Store, opts Options) *Engine {
	if opts.CallBudget <= 0 {
		opts.CallBudget = DefaultOptions().CallBudget
	}
	if opts.ProfileRetries < 0 {
		opts.ProfileRetries = 0
	}
	return &Engine{
		provider: p,
		profiles: profiles,
		store:    store,
		opts:     opts,
	}
}

// Resolve runs one resolution cycle and streams updates on the returned
// channel. The channel always terminates: the last update has Terminal set
// and the channel is closed afterwards. An override identity, when present,
// short-circuits all remote resolution.
func (e *Engine) Resolve(ctx context.Context, override *identity.Resolved) <-chan Update {
	out := make(chan Update, 8)
	go func() {
		defer close(out)
		e.run(ctx, override, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, override *identity.Resolved, out chan<- Update) {
	// CheckingOverride
	if override != nil {
		res := override.Clone()
		res.Source = identity.SourceEphemeral
		res.ResolvedAt = time.Now()
		out <- Update{Identity: res, Terminal: true}
		return
	}

	// FetchingSession
	sess, err := callWithTimeout(ctx, e.opts.CallBudget, 0, "session fetch",
		func(ctx context.Context) (*provider.Session, error) {
			return e.provider.CurrentSession(ctx)
		})
	if err != nil {
		if errors.Is(err, identity.ErrSessionInvalid) {
			log.Printf("INFO: session invalid, resolving unauthenticated")
		} else {
			log.Printf("INFO: session fetch failed, resolving unauthenticated: %v", err)
		}
		out <- Update{Terminal: true}
		return
	}
	if sess == nil {
		out <- Update{Terminal: true}
		return
	}

	// ApplyingCacheHint: a cached role for this email renders immediately,
	// as a hint only.
	hint, hasHint := e.store.LoadIdentity()
	if hasHint && hint.Email != sess.Email {
		hint, hasHint = nil, false
	}
	if hasHint {
		out <- Update{Identity: hint.Clone()}
	}

	// FetchingAuthorization
	degraded := false
	decision, err := callWithTimeout(ctx, e.opts.CallBudget, 0, "authorization check",
		func(ctx context.Context) (identity.Decision, error) {
			return e.profiles.CheckAuthorization(ctx, sess.Email)
		})
	switch {
	case err == nil && !decision.Authorized:
		// Denial is terminal regardless of any cached role.
		log.Printf("INFO: authorization denied for %s (%s), forcing sign-out", sess.Email, decision.Reason)
		e.forceSignOut(ctx, sess.Email)
		out <- Update{Err: identity.ErrAuthorizationDenied, Terminal: true}
		return
	case err != nil:
		// Assume allowed for role display, but mark the identity degraded
		// so privileged capability checks fail closed.
		log.Printf("INFO: authorization check unavailable for %s, proceeding degraded: %v", sess.Email, err)
		degraded = true
	}

	// FetchingProfile
	prof, err := callWithTimeout(ctx, e.opts.CallBudget, e.opts.ProfileRetries, "profile fetch",
		func(ctx context.Context) (*profile.Profile, error) {
			return e.profiles.ProfileByID(ctx, sess.UserID)
		})
	if err == nil && prof != nil && prof.ID != sess.UserID {
		// A row for another user never reaches authoritative confidence.
		log.Printf("ERROR: profile %s does not belong to session user %s, degrading to provisional", prof.ID, sess.UserID)
		prof = nil
	}
	if err != nil || prof == nil {
		if err != nil {
			log.Printf("ERROR: profile fetch failed after retry, degrading to provisional: %v", err)
		}
		res := e.provisional(sess, hint, degraded)
		e.store.SaveIdentity(res)
		out <- Update{Identity: res, Terminal: true}
		return
	}

	// Resolved(authoritative)
	res := &identity.Resolved{
		ID:          prof.ID,
		Email:       prof.Email,
		DisplayName: prof.DisplayName,
		AvatarURL:   prof.AvatarURL,
		Role:        prof.Role,
		Source:      identity.SourceAuthoritative,
		Degraded:    degraded,
		ResolvedAt:  time.Now(),
	}
	e.store.SaveIdentity(res)
	out <- Update{Identity: res, Terminal: true}
}

// provisional builds the best identity available without a profile: session
// claims for the fields, the cached role when present, least privilege
// otherwise.
func (e *Engine) provisional(sess *provider.Session, hint *identity.Resolved, degraded bool) *identity.Resolved {
	role := identity.RoleStudent
	if hint != nil {
		role = hint.Role
	} else if cached, ok := e.store.LoadRole(sess.Email); ok {
		role = cached
	}

	name := sess.DisplayName
	avatar := sess.AvatarURL
	if hint != nil {
		if name == "" {
			name = hint.DisplayName
		}
		if avatar == "" {
			avatar = hint.AvatarURL
		}
	}
	if name == "" {
		name = identity.FallbackDisplayName(sess.Email)
	}

	return &identity.Resolved{
		ID:          sess.UserID,
		Email:       sess.Email,
		DisplayName: name,
		AvatarURL:   avatar,
		Role:        role,
		Source:      identity.SourceProvisional,
		Degraded:    degraded,
		ResolvedAt:  time.Now(),
	}
}

// forceSignOut clears local state and revokes the session after an
// authorization denial. Best effort: the terminal update is emitted either
// way.
func (e *Engine) forceSignOut(ctx context.Context, email string) {
	e.store.ClearIdentity(email)
	if err := e.provider.SignOut(ctx); err != nil {
		log.Printf("ERROR: forced sign-out failed: %v", err)
	}
}
