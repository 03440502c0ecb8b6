package provider

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestDecodeAccessToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"email": "ada@x.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]any{
			"display_name": "Ada",
			"avatar_url":   "https://cdn/x.png",
		},
	})

	claims, err := DecodeAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ada@x.com", claims.Email)
	assert.Equal(t, "Ada", claims.Metadata.DisplayName)
	assert.Equal(t, "https://cdn/x.png", claims.Metadata.AvatarURL)
}

func TestDecodeAccessToken_MissingMetadata(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "user-1"})

	claims, err := DecodeAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Empty(t, claims.Email)
	assert.Empty(t, claims.Metadata.DisplayName)
}

func TestDecodeAccessToken_Malformed(t *testing.T) {
	_, err := DecodeAccessToken("not-a-jwt")
	assert.Error(t, err)
}

func TestSession_Expired(t *testing.T) {
	assert.False(t, (&Session{ExpiresAt: time.Now().Add(time.Minute)}).Expired())
	assert.True(t, (&Session{ExpiresAt: time.Now().Add(-time.Minute)}).Expired())
	assert.False(t, (&Session{}).Expired(), "sessions without expiry never self-expire")
}
