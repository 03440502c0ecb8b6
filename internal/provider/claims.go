package provider

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
)

// TokenClaims is the subset of access-token claims the core reads locally.
// The parse is unverified: signature enforcement belongs to the remote
// services, the client only mines the token for display data.
type TokenClaims struct {
	Subject  string
	Email    string
	Metadata UserMetadata
}

// UserMetadata is the free-form metadata block attached at sign-up.
type UserMetadata struct {
	DisplayName string `mapstructure:"display_name"`
	AvatarURL   string `mapstructure:"avatar_url"`
}

// DecodeAccessToken extracts claims from a JWT access token without
// verifying its signature.
func DecodeAccessToken(token string) (*TokenClaims, error) {
	claims := jwt.MapClaims{}
	_, _, err := new(jwt.Parser).ParseUnverified(token, claims)
	if err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	out := &TokenClaims{}
	if sub, ok := claims["sub"].(string); ok {
		out.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}

	if raw, ok := claims["user_metadata"]; ok {
		if err := mapstructure.Decode(raw, &out.Metadata); err != nil {
			return nil, fmt.Errorf("decode user metadata: %w", err)
		}
	}

	return out, nil
}
