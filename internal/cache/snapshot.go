package cache

import (
	"encoding/json"
	"log"
	"time"

	"github.com/brightpath/sessiond/internal/identity"
)

// Cache keys used by the resolution core. The role hint is keyed by email so
// a shared cache can hold hints for several identities at once.
const (
	KeyIdentity        = "session.identity"
	KeyRolePrefix      = "session.role."
	KeyProviderSession = "provider.session"
)

// RoleKey returns the cache key holding the last-known role for email.
func RoleKey(email string) string {
	return KeyRolePrefix + email
}

// Snapshot is the persisted subset of a resolved identity. It is a hint,
// never proof of authorization: a stale admin role here grants nothing until
// the whitelist and profile confirm it.
type Snapshot struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Role        string `json:"role"`
}

// SaveIdentity persists the cacheable subset of res and its role hint.
func (s *Store) SaveIdentity(res *identity.Resolved) {
	if res == nil || res.Source == identity.SourceEphemeral {
		return
	}
	snap := Snapshot{
		ID:          res.ID,
		Email:       res.Email,
		DisplayName: res.DisplayName,
		AvatarURL:   res.AvatarURL,
		Role:        string(res.Role),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		log.Printf("ERROR: cache snapshot marshal failed: %v", err)
		return
	}
	s.Set(KeyIdentity, string(raw))
	s.Set(RoleKey(res.Email), string(res.Role))
}

// LoadIdentity returns the cached identity snapshot tagged source=cache, or
// ok=false when absent or unreadable.
func (s *Store) LoadIdentity() (*identity.Resolved, bool) {
	raw, ok := s.Get(KeyIdentity)
	if !ok {
		return nil, false
	}
	res, ok := DecodeSnapshot(raw)
	if !ok {
		return nil, false
	}
	return res, true
}

// LoadRole returns the last-known role hint for email.
func (s *Store) LoadRole(email string) (identity.Role, bool) {
	raw, ok := s.Get(RoleKey(email))
	if !ok {
		return "", false
	}
	return identity.NormalizeRole(raw), true
}

// ClearIdentity tombstones every cache entry belonging to email: the
// snapshot, the role hint, and the persisted provider session.
func (s *Store) ClearIdentity(email string) {
	s.Remove(KeyIdentity)
	if email != "" {
		s.Remove(RoleKey(email))
	}
	s.Remove(KeyProviderSession)
}

// DecodeSnapshot parses a persisted snapshot value into a cache-sourced
// identity. Used both for local reads and for bus events carrying a
// sibling's write.
func DecodeSnapshot(raw string) (*identity.Resolved, bool) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("ERROR: cache snapshot unmarshal failed: %v", err)
		return nil, false
	}
	if snap.Email == "" {
		return nil, false
	}
	name := snap.DisplayName
	if name == "" {
		name = identity.FallbackDisplayName(snap.Email)
	}
	return &identity.Resolved{
		ID:          snap.ID,
		Email:       snap.Email,
		DisplayName: name,
		AvatarURL:   snap.AvatarURL,
		Role:        identity.NormalizeRole(snap.Role),
		Source:      identity.SourceCache,
		ResolvedAt:  time.Now(),
	}, true
}
