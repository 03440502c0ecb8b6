package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Identity provider base URL (BaaS auth API)
	ProviderURL string

	// Profile store base URL (REST API for profiles and the whitelist)
	ProfileURL string

	// API key sent to both remote services
	APIKey string

	// Local cache connection string (SQLite file path or postgres:// DSN)
	CacheDSN string

	// Gateway bind address (host:port)
	ServerAddr string

	// Per-remote-call timeout budget
	CallBudget time.Duration

	// Hard cap on total resolution time, after which loading is forced false
	HardDeadline time.Duration

	// Extra attempts for the profile fetch (exactly one per policy)
	ProfileRetries int

	// TTL for memoized whitelist decisions
	AuthzCacheTTL time.Duration

	// Poll interval for observing cache writes from sibling processes
	WatchInterval time.Duration

	// Enable debug logging
	Debug bool

	// Demo identity configuration (ephemeral override sign-in)
	Demo DemoConfig
}

// DemoConfig describes the single demo identity the portal offers for
// walkthroughs and tests. The secret is stored as a bcrypt hash; the demo
// identity never touches the remote services.
type DemoConfig struct {
	Email      string
	Name       string
	Role       string
	SecretHash string
}

// Enabled reports whether demo sign-in is configured.
func (d *DemoConfig) Enabled() bool {
	return d.Email != "" && d.SecretHash != ""
}

// Load reads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	cfg := &Config{
		ProviderURL:    getEnv("PROVIDER_URL", "http://localhost:9999/auth/v1"),
		ProfileURL:     getEnv("PROFILE_URL", "http://localhost:9999/rest/v1"),
		APIKey:         getEnv("API_KEY", ""),
		CacheDSN:       getEnv("CACHE_DSN", "sessiond-cache.db"),
		ServerAddr:     getEnv("SERVER_ADDR", "localhost:8080"),
		CallBudget:     getEnvDuration("CALL_BUDGET", 2*time.Second),
		HardDeadline:   getEnvDuration("HARD_DEADLINE", 3*time.Second),
		ProfileRetries: getEnvInt("PROFILE_RETRIES", 1),
		AuthzCacheTTL:  getEnvDuration("AUTHZ_CACHE_TTL", 5*time.Minute),
		WatchInterval:  getEnvDuration("WATCH_INTERVAL", 500*time.Millisecond),
		Debug:          getEnvBool("DEBUG", false),
		Demo: DemoConfig{
			Email:      getEnv("DEMO_EMAIL", ""),
			Name:       getEnv("DEMO_NAME", ""),
			Role:       getEnv("DEMO_ROLE", "student"),
			SecretHash: getEnv("DEMO_SECRET_HASH", ""),
		},
	}

	// Validate required fields
	if cfg.ProviderURL == "" {
		return nil, fmt.Errorf("PROVIDER_URL is required")
	}

	if cfg.ProfileURL == "" {
		return nil, fmt.Errorf("PROFILE_URL is required")
	}

	if cfg.CacheDSN == "" {
		return nil, fmt.Errorf("CACHE_DSN is required")
	}

	if cfg.CallBudget <= 0 {
		return nil, fmt.Errorf("CALL_BUDGET must be positive")
	}

	if cfg.HardDeadline < cfg.CallBudget {
		return nil, fmt.Errorf("HARD_DEADLINE must be at least CALL_BUDGET")
	}

	if cfg.ProfileRetries < 0 {
		return nil, fmt.Errorf("PROFILE_RETRIES cannot be negative")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable with a fallback default
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvBool retrieves a boolean environment variable with a fallback default
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "2s") with a fallback default
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
