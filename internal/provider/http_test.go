package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/identity"
)

func newHTTPStore(t *testing.T) *cache.Store {
	t.Helper()
	db, err := cache.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close(db) })

	store, err := cache.NewStore(db)
	require.NoError(t, err)
	return store
}

func tokenReply(w http.ResponseWriter, id, email string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access",
		"refresh_token": "refresh",
		"expires_in":    3600,
		"user": map[string]any{
			"id":    id,
			"email": email,
			"user_metadata": map[string]any{
				"display_name": "Ada",
			},
		},
	})
}

func TestHTTPProvider_SignInPersistsSessionAndEmits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.Equal(t, "password", r.URL.Query().Get("grant_type"))
		require.Equal(t, "key", r.Header.Get("apikey"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "ada@x.com", body["email"])
		tokenReply(w, "user-1", "ada@x.com")
	}))
	defer srv.Close()

	store := newHTTPStore(t)
	p := NewHTTPProvider(srv.URL, "key", store)

	var events []EventType
	p.OnSessionChange(func(event EventType, _ *Session) { events = append(events, event) })

	sess, err := p.SignInWithPassword(context.Background(), "ada@x.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "Ada", sess.DisplayName)
	assert.Equal(t, []EventType{EventSignedIn}, events)

	// The session round-trips through the cache without another request.
	got, err := p.CurrentSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ada@x.com", got.Email)
}

func TestHTTPProvider_SignInRejectionIsInvalidCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newHTTPStore(t)
	p := NewHTTPProvider(srv.URL, "", store)

	_, err := p.SignInWithPassword(context.Background(), "ada@x.com", "wrong")
	require.ErrorIs(t, err, identity.ErrInvalidCredential)

	_, ok := store.Get(cache.KeyProviderSession)
	assert.False(t, ok, "a rejected sign-in persists nothing")
}

func TestHTTPProvider_CurrentSessionNilWhenSignedOut(t *testing.T) {
	p := NewHTTPProvider("http://unreachable.invalid", "", newHTTPStore(t))

	sess, err := p.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestHTTPProvider_RefreshFailureInvalidatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newHTTPStore(t)
	p := NewHTTPProvider(srv.URL, "", store)

	expired, _ := json.Marshal(&Session{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		UserID:       "user-1",
		Email:        "ada@x.com",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	store.Set(cache.KeyProviderSession, string(expired))

	var events []EventType
	p.OnSessionChange(func(event EventType, _ *Session) { events = append(events, event) })

	_, err := p.CurrentSession(context.Background())
	require.ErrorIs(t, err, identity.ErrSessionInvalid)
	assert.Equal(t, []EventType{EventTokenRefreshFailed}, events)

	_, ok := store.Get(cache.KeyProviderSession)
	assert.False(t, ok, "an unrefreshable session is discarded")
}

func TestHTTPProvider_RefreshSuccessRotatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "refresh_token", r.URL.Query().Get("grant_type"))
		tokenReply(w, "user-1", "ada@x.com")
	}))
	defer srv.Close()

	store := newHTTPStore(t)
	p := NewHTTPProvider(srv.URL, "", store)

	expired, _ := json.Marshal(&Session{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		UserID:       "user-1",
		Email:        "ada@x.com",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	store.Set(cache.KeyProviderSession, string(expired))

	var events []EventType
	p.OnSessionChange(func(event EventType, _ *Session) { events = append(events, event) })

	sess, err := p.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access", sess.AccessToken)
	assert.False(t, sess.Expired())
	assert.Equal(t, []EventType{EventTokenRefreshed}, events)
}

func TestHTTPProvider_SignOutClearsLocalFirst(t *testing.T) {
	logout := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/logout", r.URL.Path)
		require.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		logout <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := newHTTPStore(t)
	p := NewHTTPProvider(srv.URL, "", store)

	raw, _ := json.Marshal(&Session{AccessToken: "access", UserID: "user-1", Email: "ada@x.com"})
	store.Set(cache.KeyProviderSession, string(raw))

	var events []EventType
	p.OnSessionChange(func(event EventType, _ *Session) { events = append(events, event) })

	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, []EventType{EventSignedOut}, events)
	<-logout

	_, ok := store.Get(cache.KeyProviderSession)
	assert.False(t, ok)
}

func TestHTTPProvider_SignOutSurvivesDeadNetwork(t *testing.T) {
	store := newHTTPStore(t)
	p := NewHTTPProvider("http://unreachable.invalid", "", store)

	raw, _ := json.Marshal(&Session{AccessToken: "access", UserID: "user-1", Email: "ada@x.com"})
	store.Set(cache.KeyProviderSession, string(raw))

	require.NoError(t, p.SignOut(context.Background()))
	_, ok := store.Get(cache.KeyProviderSession)
	assert.False(t, ok, "local sign-out does not depend on the network")
}

func TestHTTPProvider_TimeoutClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body first: disconnect detection (and so context
		// cancellation) only starts once the request body is consumed.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "", newHTTPStore(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.SignInWithPassword(ctx, "ada@x.com", "secret")
	require.ErrorIs(t, err, identity.ErrNetworkTimeout)
}
