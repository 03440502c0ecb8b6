package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/brightpath/sessiond/internal/identity"
)

type callResult[T any] struct {
	value T
	err   error
}

// callWithTimeout races fn against a per-attempt budget, retrying up to
// retries additional times on timeout or failure. Every remote call in the
// engine goes through here; no call site builds its own race.
//
// Losing the race does not cancel the underlying call: fn keeps running on
// its goroutine and its late result is discarded. The attempt context is
// cancelled so well-behaved callees can stop early, but the combinator never
// waits on them.
func callWithTimeout[T any](ctx context.Context, budget time.Duration, retries int, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, budget)

		done := make(chan callResult[T], 1)
		go func() {
			value, err := fn(attemptCtx)
			done <- callResult[T]{value: value, err: err}
		}()

		select {
		case result := <-done:
			cancel()
			if result.err == nil {
				return result.value, nil
			}
			if identity.IsTerminalAuth(result.err) {
				return zero, result.err
			}
			lastErr = result.err
		case <-attemptCtx.Done():
			cancel()
			lastErr = fmt.Errorf("%w: %s exceeded %s budget", identity.ErrNetworkTimeout, op, budget)
		}
	}

	return zero, lastErr
}
