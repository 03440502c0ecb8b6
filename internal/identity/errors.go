package identity

import (
	"context"
	"errors"
)

// Error taxonomy for the resolution core. Transient classes are absorbed by
// the fallback chain; credential and authorization classes are returned to
// callers as typed results.
var (
	// ErrNetworkTimeout marks a remote call that exceeded its budget. It is
	// recovered locally by falling back to cache or defaults and only
	// surfaces when it blocks sign-in itself.
	ErrNetworkTimeout = errors.New("network timeout")

	// ErrInvalidCredential marks a sign-in rejected by the identity
	// provider. No state is mutated.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrAuthorizationDenied marks an email absent or inactive in the
	// whitelist. Terminal: forces sign-out.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrProfileFetchFailure marks a profile read that failed after retry.
	// Recovered locally, logged, never surfaced to the end user.
	ErrProfileFetchFailure = errors.New("profile fetch failure")

	// ErrSessionInvalid marks an unrecoverable session (e.g. refresh
	// failure). Treated identically to an explicit sign-out.
	ErrSessionInvalid = errors.New("session invalid")
)

// IsTimeout reports whether err is a budget/deadline expiry in any form.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrNetworkTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsTerminalAuth reports whether err must end a resolution cycle in a forced
// sign-out rather than a fallback.
func IsTerminalAuth(err error) bool {
	return errors.Is(err, ErrAuthorizationDenied) || errors.Is(err, ErrSessionInvalid)
}
