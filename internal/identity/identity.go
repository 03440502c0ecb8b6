package identity

import (
	"strings"
	"time"
)

// Role is the capability level a resolved identity holds in the portal.
type Role string

const (
	RoleStudent Role = "student"
	RoleAdmin   Role = "admin"
)

// NormalizeRole maps arbitrary stored role strings onto a known role.
// Unknown or empty values degrade to student (least privilege).
func NormalizeRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleStudent
	}
}

// Source tags the provenance of a resolved identity. It decides whether a
// higher-confidence value may still arrive within the same resolution cycle.
type Source string

const (
	// SourceEphemeral is a demo/test identity that bypasses remote
	// resolution entirely.
	SourceEphemeral Source = "ephemeral"

	// SourceCache is a hint read from the persistent local cache before any
	// remote call has confirmed it.
	SourceCache Source = "cache"

	// SourceProvisional is a session-confirmed identity whose role still
	// comes from the cache or the least-privilege default.
	SourceProvisional Source = "provisional"

	// SourceAuthoritative is a fresh, successful remote profile fetch.
	SourceAuthoritative Source = "authoritative"
)

// Rank orders sources by confidence. Within one resolution cycle an update
// may only replace the current value when its rank is not lower.
func (s Source) Rank() int {
	switch s {
	case SourceCache:
		return 1
	case SourceProvisional:
		return 2
	case SourceAuthoritative:
		return 3
	case SourceEphemeral:
		return 4
	default:
		return 0
	}
}

// Resolved is the authoritative output of a resolution cycle.
type Resolved struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Role        Role
	Source      Source

	// Degraded is set when the authorization check timed out and the engine
	// proceeded on an assume-allowed basis. A degraded identity keeps its
	// role for display but must not pass privileged capability checks.
	Degraded bool

	ResolvedAt time.Time
}

// Clone returns a copy safe to hand to subscribers.
func (r *Resolved) Clone() *Resolved {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Decision is the outcome of the whitelist authorization check for an email.
type Decision struct {
	Authorized bool
	Reason     string
}

// FallbackDisplayName derives a display name from the local-part of an email
// address when no profile name is available.
func FallbackDisplayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

// NewDemoIdentity builds a fully self-contained ephemeral identity for the
// demo sign-in flow. It supersedes all remote resolution while it exists.
func NewDemoIdentity(email, displayName string, role Role) *Resolved {
	if displayName == "" {
		displayName = FallbackDisplayName(email)
	}
	return &Resolved{
		ID:          "demo:" + email,
		Email:       email,
		DisplayName: displayName,
		Role:        NormalizeRole(string(role)),
		Source:      SourceEphemeral,
		ResolvedAt:  time.Now(),
	}
}
