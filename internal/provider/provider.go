// Package provider is the client boundary to the remote identity provider:
// the BaaS auth API supplying the authenticated session, login/logout, and
// session-change notifications.
package provider

import (
	"context"
	"time"
)

// EventType is a session-change notification kind.
type EventType string

const (
	EventSignedIn           EventType = "SIGNED_IN"
	EventSignedOut          EventType = "SIGNED_OUT"
	EventTokenRefreshed     EventType = "TOKEN_REFRESHED"
	EventTokenRefreshFailed EventType = "TOKEN_REFRESH_FAILED"
)

// Session is the authenticated session: token plus the minimal claims the
// resolution engine needs before the profile store answers.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its lifetime.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Provider is the remote identity provider interface consumed by the
// resolution engine and the session context.
//
// CurrentSession returns (nil, nil) when no session exists; an error is
// reserved for unrecoverable sessions (identity.ErrSessionInvalid) or
// transport failures.
type Provider interface {
	CurrentSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, secret string) (*Session, error)
	SignUp(ctx context.Context, email, secret, displayName string) (*Session, error)
	SignOut(ctx context.Context) error

	// OnSessionChange registers fn for session-change events. The returned
	// cancel function removes the registration.
	OnSessionChange(fn func(EventType, *Session)) func()
}
