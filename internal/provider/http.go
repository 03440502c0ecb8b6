package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/brightpath/sessiond/internal/cache"
	"github.com/brightpath/sessiond/internal/identity"
)

// HTTPProvider talks to a BaaS-style auth API (password grant, signup,
// logout, refresh) and persists the current session in the local cache so
// CurrentSession answers without touching the network.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	store   *cache.Store

	mu        sync.Mutex
	listeners map[int]func(EventType, *Session)
	nextID    int
}

// NewHTTPProvider builds a provider against baseURL, persisting session
// state in store. The http.Client carries no timeout of its own: every call
// is raced against the engine's budget through its context.
func NewHTTPProvider(baseURL, apiKey string, store *cache.Store) *HTTPProvider {
	return &HTTPProvider{
		baseURL:   baseURL,
		apiKey:    apiKey,
		client:    &http.Client{},
		store:     store,
		listeners: make(map[int]func(EventType, *Session)),
	}
}

// tokenResponse is the auth API's token-bearing reply shape.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID           string         `json:"id"`
		Email        string         `json:"email"`
		UserMetadata map[string]any `json:"user_metadata"`
	} `json:"user"`
}

// CurrentSession returns the persisted session, refreshing it once when the
// access token has expired. No session yields (nil, nil). An unrecoverable
// refresh yields identity.ErrSessionInvalid and clears the persisted state.
func (p *HTTPProvider) CurrentSession(ctx context.Context) (*Session, error) {
	raw, ok := p.store.Get(cache.KeyProviderSession)
	if !ok {
		return nil, nil
	}

	sess := new(Session)
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		log.Printf("ERROR: persisted session unreadable, discarding: %v", err)
		p.store.Remove(cache.KeyProviderSession)
		return nil, nil
	}

	if !sess.Expired() {
		return sess, nil
	}

	refreshed, err := p.refresh(ctx, sess.RefreshToken)
	if err != nil {
		p.store.Remove(cache.KeyProviderSession)
		p.emit(EventTokenRefreshFailed, nil)
		return nil, fmt.Errorf("%w: token refresh failed: %v", identity.ErrSessionInvalid, err)
	}

	p.persist(refreshed)
	p.emit(EventTokenRefreshed, refreshed)
	return refreshed, nil
}

// SignInWithPassword exchanges credentials for a session. Rejections map to
// identity.ErrInvalidCredential; no state is mutated on failure.
func (p *HTTPProvider) SignInWithPassword(ctx context.Context, email, secret string) (*Session, error) {
	body := map[string]string{"email": email, "password": secret}
	var resp tokenResponse
	status, err := p.post(ctx, "/token?grant_type=password", body, "", &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: sign-in rejected for %s", identity.ErrInvalidCredential, email)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sign-in failed: unexpected status %d", status)
	}

	sess := p.sessionFromToken(&resp)
	p.persist(sess)
	p.emit(EventSignedIn, sess)
	return sess, nil
}

// SignUp registers a new account. The display name travels in the metadata
// block; the authorization check runs on first resolution, not here.
func (p *HTTPProvider) SignUp(ctx context.Context, email, secret, displayName string) (*Session, error) {
	body := map[string]any{
		"email":    email,
		"password": secret,
		"data":     map[string]string{"display_name": displayName},
	}
	var resp tokenResponse
	status, err := p.post(ctx, "/signup", body, "", &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnprocessableEntity {
		return nil, fmt.Errorf("%w: sign-up rejected for %s", identity.ErrInvalidCredential, email)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sign-up failed: unexpected status %d", status)
	}

	sess := p.sessionFromToken(&resp)
	if sess.AccessToken != "" {
		p.persist(sess)
		p.emit(EventSignedIn, sess)
	}
	return sess, nil
}

// SignOut clears the persisted session and best-effort revokes it remotely.
// Local state is cleared first: a dead network must not keep a user signed in.
func (p *HTTPProvider) SignOut(ctx context.Context) error {
	raw, _ := p.store.Get(cache.KeyProviderSession)
	p.store.Remove(cache.KeyProviderSession)
	p.emit(EventSignedOut, nil)

	if raw == "" {
		return nil
	}
	sess := new(Session)
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		return nil
	}
	if _, err := p.post(ctx, "/logout", nil, sess.AccessToken, nil); err != nil {
		log.Printf("INFO: remote logout failed (session already cleared locally): %v", err)
	}
	return nil
}

// OnSessionChange registers fn for session events.
func (p *HTTPProvider) OnSessionChange(fn func(EventType, *Session)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *HTTPProvider) refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	body := map[string]string{"refresh_token": refreshToken}
	var resp tokenResponse
	status, err := p.post(ctx, "/token?grant_type=refresh_token", body, "", &resp)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("refresh failed: unexpected status %d", status)
	}
	return p.sessionFromToken(&resp), nil
}

// sessionFromToken builds a Session from a token response, falling back to
// access-token claims for fields the user object omits.
func (p *HTTPProvider) sessionFromToken(resp *tokenResponse) *Session {
	sess := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
	}
	if resp.ExpiresIn > 0 {
		sess.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if meta := resp.User.UserMetadata; meta != nil {
		if name, ok := meta["display_name"].(string); ok {
			sess.DisplayName = name
		}
		if avatar, ok := meta["avatar_url"].(string); ok {
			sess.AvatarURL = avatar
		}
	}

	if sess.UserID == "" || sess.Email == "" || sess.DisplayName == "" {
		if claims, err := DecodeAccessToken(resp.AccessToken); err == nil {
			if sess.UserID == "" {
				sess.UserID = claims.Subject
			}
			if sess.Email == "" {
				sess.Email = claims.Email
			}
			if sess.DisplayName == "" {
				sess.DisplayName = claims.Metadata.DisplayName
			}
			if sess.AvatarURL == "" {
				sess.AvatarURL = claims.Metadata.AvatarURL
			}
		}
	}

	return sess
}

func (p *HTTPProvider) persist(sess *Session) {
	raw, err := json.Marshal(sess)
	if err != nil {
		log.Printf("ERROR: session marshal failed: %v", err)
		return
	}
	p.store.Set(cache.KeyProviderSession, string(raw))
}

func (p *HTTPProvider) emit(event EventType, sess *Session) {
	p.mu.Lock()
	listeners := make([]func(EventType, *Session), 0, len(p.listeners))
	for _, fn := range p.listeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(event, sess)
	}
}

// post issues a JSON POST and decodes the response body into out when the
// status carries one. Returns the status code; transport errors wrap
// identity.ErrNetworkTimeout when the context deadline expired.
func (p *HTTPProvider) post(ctx context.Context, path string, body any, bearer string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("apikey", p.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: %s", identity.ErrNetworkTimeout, path)
		}
		return 0, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
