package resolver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/identity"
	"github.com/brightpath/sessiond/internal/profile"
	"github.com/brightpath/sessiond/internal/provider"
)

// fakeProvider is an in-memory identity provider with controllable latency.
// A hanging call blocks until its context is cancelled, simulating a
// permanently-pending remote call.
type fakeProvider struct {
	mu             sync.Mutex
	session        *provider.Session
	sessionErr     error
	hangSession    bool
	signOutCalls   int
	listeners      []func(provider.EventType, *provider.Session)
}

func (f *fakeProvider) CurrentSession(ctx context.Context) (*provider.Session, error) {
	f.mu.Lock()
	hang := f.hangSession
	sess := f.session
	err := f.sessionErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return sess, err
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, secret string) (*provider.Session, error) {
	return nil, identity.ErrInvalidCredential
}

func (f *fakeProvider) SignUp(ctx context.Context, email, secret, displayName string) (*provider.Session, error) {
	return nil, identity.ErrInvalidCredential
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	f.mu.Lock()
	f.signOutCalls++
	f.session = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeProvider) OnSessionChange(fn func(provider.EventType, *provider.Session)) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeProvider) signOutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signOutCalls
}

// fakeProfiles is an in-memory profile store with per-call hang switches.
type fakeProfiles struct {
	mu          sync.Mutex
	profile     *profile.Profile
	profileErr  error
	hangProfile bool
	decision    identity.Decision
	decisionErr error
	hangAuthz   bool
	profileCalls int
}

func (f *fakeProfiles) ProfileByID(ctx context.Context, id string) (*profile.Profile, error) {
	f.mu.Lock()
	f.profileCalls++
	hang := f.hangProfile
	prof := f.profile
	err := f.profileErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return prof, err
}

func (f *fakeProfiles) CheckAuthorization(ctx context.Context, email string) (identity.Decision, error) {
	f.mu.Lock()
	hang := f.hangAuthz
	decision := f.decision
	err := f.decisionErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return identity.Decision{}, ctx.Err()
	}
	return decision, err
}

func (f *fakeProfiles) profileCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profileCalls
}

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	db, err := cache.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close(db) })

	store, err := cache.NewStore(db)
	require.NoError(t, err)
	return store
}

func testOptions() Options {
	return Options{CallBudget: 50 * time.Millisecond, ProfileRetries: 1}
}

func collect(t *testing.T, updates <-chan Update) []Update {
	t.Helper()
	var all []Update
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return all
			}
			all = append(all, u)
		case <-deadline:
			t.Fatal("resolution did not terminate")
		}
	}
}

func validSession() *provider.Session {
	return &provider.Session{
		AccessToken: "token",
		UserID:      "user-1",
		Email:       "a@x.com",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestResolve_OverrideShortCircuits(t *testing.T) {
	p := &fakeProvider{hangSession: true}
	profiles := &fakeProfiles{hangProfile: true, hangAuthz: true}
	engine := New(p, profiles, newTestStore(t), testOptions())

	demo := identity.NewDemoIdentity("demo@x.com", "Demo", identity.RoleAdmin)
	updates := collect(t, engine.Resolve(context.Background(), demo))

	require.Len(t, updates, 1)
	assert.True(t, updates[0].Terminal)
	require.NotNil(t, updates[0].Identity)
	assert.Equal(t, identity.SourceEphemeral, updates[0].Identity.Source)
	assert.Equal(t, identity.RoleAdmin, updates[0].Identity.Role)
	assert.Equal(t, 0, profiles.profileCallCount())
}

func TestResolve_NoSessionResolvesUnauthenticated(t *testing.T) {
	engine := New(&fakeProvider{}, &fakeProfiles{}, newTestStore(t), testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	require.Len(t, updates, 1)
	assert.True(t, updates[0].Terminal)
	assert.Nil(t, updates[0].Identity)
	assert.NoError(t, updates[0].Err)
}

func TestResolve_SessionFetchHangResolvesUnauthenticated(t *testing.T) {
	engine := New(&fakeProvider{hangSession: true}, &fakeProfiles{}, newTestStore(t), testOptions())

	start := time.Now()
	updates := collect(t, engine.Resolve(context.Background(), nil))

	require.Len(t, updates, 1)
	assert.True(t, updates[0].Terminal)
	assert.Nil(t, updates[0].Identity)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// Cached admin role, valid session, profile store hangs through the retry:
// the identity keeps the cached admin role at provisional confidence.
func TestResolve_ProfileTimeoutFallsBackToCachedRole(t *testing.T) {
	store := newTestStore(t)
	store.SaveIdentity(&identity.Resolved{
		ID:     "user-1",
		Email:  "a@x.com",
		Role:   identity.RoleAdmin,
		Source: identity.SourceAuthoritative,
	})

	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision:    identity.Decision{Authorized: true},
		hangProfile: true,
	}
	engine := New(p, profiles, store, testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	// cache hint first, then the provisional terminal
	require.GreaterOrEqual(t, len(updates), 2)
	first := updates[0]
	require.NotNil(t, first.Identity)
	assert.Equal(t, identity.SourceCache, first.Identity.Source)
	assert.Equal(t, identity.RoleAdmin, first.Identity.Role)
	assert.False(t, first.Terminal)

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.RoleAdmin, last.Identity.Role)
	assert.Equal(t, identity.SourceProvisional, last.Identity.Source)

	// one retry, no more
	assert.Equal(t, 2, profiles.profileCallCount())
}

// A profile row belonging to a different user than the confirmed session
// never reaches authoritative confidence.
func TestResolve_MismatchedProfileDegradesToProvisional(t *testing.T) {
	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision: identity.Decision{Authorized: true},
		profile:  &profile.Profile{ID: "user-2", Email: "b@x.com", DisplayName: "Bob", Role: identity.RoleAdmin},
	}
	engine := New(p, profiles, newTestStore(t), testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.SourceProvisional, last.Identity.Source)
	assert.Equal(t, "user-1", last.Identity.ID)
	assert.Equal(t, "a@x.com", last.Identity.Email)
	assert.Equal(t, identity.RoleStudent, last.Identity.Role, "the stray row's role is not adopted")
}

func TestResolve_AuthoritativeProfileWinsAndPersists(t *testing.T) {
	store := newTestStore(t)
	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision: identity.Decision{Authorized: true},
		profile: &profile.Profile{
			ID:          "user-1",
			Email:       "a@x.com",
			DisplayName: "Ada",
			Role:        identity.RoleAdmin,
		},
	}
	engine := New(p, profiles, store, testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.SourceAuthoritative, last.Identity.Source)
	assert.Equal(t, identity.RoleAdmin, last.Identity.Role)
	assert.Equal(t, "Ada", last.Identity.DisplayName)
	assert.False(t, last.Identity.Degraded)

	role, ok := store.LoadRole("a@x.com")
	require.True(t, ok)
	assert.Equal(t, identity.RoleAdmin, role)

	cached, ok := store.LoadIdentity()
	require.True(t, ok)
	assert.Equal(t, "a@x.com", cached.Email)
}

// Confidence never decreases within a cycle: every emission's source rank is
// at least the previous one's.
func TestResolve_ConfidenceMonotonicallyNonDecreasing(t *testing.T) {
	store := newTestStore(t)
	store.SaveIdentity(&identity.Resolved{
		ID:    "user-1",
		Email: "a@x.com",
		Role:  identity.RoleStudent,
	})

	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision: identity.Decision{Authorized: true},
		profile:  &profile.Profile{ID: "user-1", Email: "a@x.com", Role: identity.RoleStudent},
	}
	engine := New(p, profiles, store, testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	prev := 0
	for _, u := range updates {
		if u.Identity == nil {
			continue
		}
		rank := u.Identity.Source.Rank()
		assert.GreaterOrEqual(t, rank, prev)
		prev = rank
	}
}

// Authorization denial is terminal even with a stale cached admin role.
func TestResolve_AuthorizationDeniedForcesSignOut(t *testing.T) {
	store := newTestStore(t)
	store.SaveIdentity(&identity.Resolved{
		ID:    "user-1",
		Email: "a@x.com",
		Role:  identity.RoleAdmin,
	})

	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision: identity.Decision{Authorized: false, Reason: "email not in whitelist"},
		profile:  &profile.Profile{ID: "user-1", Email: "a@x.com", Role: identity.RoleAdmin},
	}
	engine := New(p, profiles, store, testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	assert.Nil(t, last.Identity)
	assert.ErrorIs(t, last.Err, identity.ErrAuthorizationDenied)

	assert.Equal(t, 1, p.signOutCount())

	_, ok := store.LoadIdentity()
	assert.False(t, ok, "cache entries must be cleared on denial")
	_, ok = store.LoadRole("a@x.com")
	assert.False(t, ok)
}

// A timed-out whitelist check proceeds, but the identity is marked degraded.
func TestResolve_AuthzTimeoutProceedsDegraded(t *testing.T) {
	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		hangAuthz: true,
		profile:   &profile.Profile{ID: "user-1", Email: "a@x.com", Role: identity.RoleAdmin},
	}
	engine := New(p, profiles, newTestStore(t), testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.SourceAuthoritative, last.Identity.Source)
	assert.Equal(t, identity.RoleAdmin, last.Identity.Role)
	assert.True(t, last.Identity.Degraded)
	assert.Equal(t, 0, p.signOutCount())
}

// No cache, no profile: least privilege wins.
func TestResolve_DefaultsToStudentRole(t *testing.T) {
	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision:    identity.Decision{Authorized: true},
		hangProfile: true,
	}
	engine := New(p, profiles, newTestStore(t), testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	last := updates[len(updates)-1]
	require.True(t, last.Terminal)
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.RoleStudent, last.Identity.Role)
	assert.Equal(t, identity.SourceProvisional, last.Identity.Source)
	assert.Equal(t, "a", last.Identity.DisplayName, "display name falls back to the email local-part")
}

// A cache hint for a different email than the confirmed session is ignored.
func TestResolve_CacheHintForOtherEmailIgnored(t *testing.T) {
	store := newTestStore(t)
	store.SaveIdentity(&identity.Resolved{
		ID:    "user-9",
		Email: "other@x.com",
		Role:  identity.RoleAdmin,
	})

	p := &fakeProvider{session: validSession()}
	profiles := &fakeProfiles{
		decision:    identity.Decision{Authorized: true},
		hangProfile: true,
	}
	engine := New(p, profiles, store, testOptions())

	updates := collect(t, engine.Resolve(context.Background(), nil))

	for _, u := range updates {
		if u.Identity != nil {
			assert.NotEqual(t, "other@x.com", u.Identity.Email)
		}
	}
	last := updates[len(updates)-1]
	require.NotNil(t, last.Identity)
	assert.Equal(t, identity.RoleStudent, last.Identity.Role)
}
