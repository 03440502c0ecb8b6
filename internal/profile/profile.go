// Package profile is the client boundary to the remote profile store: the
// richer profile record keyed by user id, and the authorization whitelist
// keyed by email.
package profile

import (
	"context"

	"github.com/brightpath/sessiond/internal/identity"
)

// Profile is the remote profile record. Its role is the authoritative one.
type Profile struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Role        identity.Role
}

// Store is the remote profile store interface consumed by the resolution
// engine. ProfileByID returns (nil, nil) when no profile exists.
type Store interface {
	ProfileByID(ctx context.Context, id string) (*Profile, error)
	CheckAuthorization(ctx context.Context, email string) (identity.Decision, error)
}
