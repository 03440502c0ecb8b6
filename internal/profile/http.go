package profile

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/brightpath/sessiond/internal/identity"
)

//go:embed profile_schema.json
var profileSchemaJSON string

// authzCacheSize bounds the memoized whitelist decisions. Decisions are tiny
// and per-email; 256 covers any realistic roster of concurrent identities.
const authzCacheSize = 256

// HTTPStore reads profiles and the authorization whitelist from a
// PostgREST-style REST API. Profile payloads are validated against an
// embedded JSON Schema before use; malformed rows are rejected rather than
// resolved into half-formed identities. Whitelist decisions are memoized in
// an expiring LRU so repeated resolutions do not re-ask the network.
type HTTPStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	schema  *jsonschema.Schema
	authz   *expirable.LRU[string, identity.Decision]
}

// NewHTTPStore builds a profile store against baseURL. Whitelist decisions
// live for ttl before the network is consulted again.
func NewHTTPStore(baseURL, apiKey string, ttl time.Duration) (*HTTPStore, error) {
	schema, err := compileProfileSchema()
	if err != nil {
		return nil, err
	}

	return &HTTPStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
		schema:  schema,
		authz:   expirable.NewLRU[string, identity.Decision](authzCacheSize, nil, ttl),
	}, nil
}

// profileRow is the REST row shape for the profiles table.
type profileRow struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	Role        *string `json:"role"`
}

// ProfileByID fetches the profile record for a user id. Absence is not an
// error: callers fall back to cache or defaults.
func (s *HTTPStore) ProfileByID(ctx context.Context, id string) (*Profile, error) {
	query := url.Values{}
	query.Set("id", "eq."+id)
	query.Set("limit", "1")

	raw, err := s.get(ctx, "/profiles?"+query.Encode())
	if err != nil {
		return nil, err
	}

	rows, err := s.decodeProfileRows(raw)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	row := rows[0]
	p := &Profile{
		ID:    row.ID,
		Email: row.Email,
		Role:  identity.RoleStudent,
	}
	if row.DisplayName != nil {
		p.DisplayName = *row.DisplayName
	}
	if p.DisplayName == "" {
		p.DisplayName = identity.FallbackDisplayName(row.Email)
	}
	if row.AvatarURL != nil {
		p.AvatarURL = *row.AvatarURL
	}
	if row.Role != nil {
		p.Role = identity.NormalizeRole(*row.Role)
	}
	return p, nil
}

// authorizedRow is the REST row shape for the whitelist table.
type authorizedRow struct {
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// CheckAuthorization answers whether email may use the system at all. The
// decision is independent of authentication and memoized per email.
func (s *HTTPStore) CheckAuthorization(ctx context.Context, email string) (identity.Decision, error) {
	key := strings.ToLower(email)
	if decision, ok := s.authz.Get(key); ok {
		return decision, nil
	}

	query := url.Values{}
	query.Set("email", "eq."+key)
	query.Set("select", "email,active")

	raw, err := s.get(ctx, "/authorized_users?"+query.Encode())
	if err != nil {
		return identity.Decision{}, err
	}

	var rows []authorizedRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return identity.Decision{}, fmt.Errorf("decode whitelist response: %w", err)
	}

	decision := identity.Decision{Authorized: false, Reason: "email not in whitelist"}
	if len(rows) > 0 {
		if rows[0].Active {
			decision = identity.Decision{Authorized: true}
		} else {
			decision = identity.Decision{Authorized: false, Reason: "whitelist entry inactive"}
		}
	}

	s.authz.Add(key, decision)
	return decision, nil
}

// decodeProfileRows validates the payload against the profile schema, then
// decodes it. Schema violations are logged with the offending detail.
func (s *HTTPStore) decodeProfileRows(raw []byte) ([]profileRow, error) {
	payload, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: parse profile response: %v", identity.ErrProfileFetchFailure, err)
	}

	items, ok := payload.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: profile response is not an array", identity.ErrProfileFetchFailure)
	}
	for i, item := range items {
		if err := s.schema.Validate(item); err != nil {
			log.Printf("ERROR: profile row %d failed schema validation: %v", i, err)
			return nil, fmt.Errorf("%w: profile row %d invalid: %v", identity.ErrProfileFetchFailure, i, err)
		}
	}

	var rows []profileRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode profile rows: %v", identity.ErrProfileFetchFailure, err)
	}
	return rows, nil
}

func (s *HTTPStore) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", identity.ErrNetworkTimeout, path)
		}
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("call %s: unexpected status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, nil
}

func compileProfileSchema() (*jsonschema.Schema, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(profileSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse profile schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.DefaultDraft(jsonschema.Draft7)
	if err := compiler.AddResource("profile.json", parsed); err != nil {
		return nil, fmt.Errorf("add profile schema resource: %w", err)
	}

	schema, err := compiler.Compile("profile.json")
	if err != nil {
		return nil, fmt.Errorf("compile profile schema: %w", err)
	}
	return schema, nil
}
