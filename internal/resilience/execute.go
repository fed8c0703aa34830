package resilience

import (
	"context"
	"time"
)

// ResilienceErrorKind names which guard rejected or aborted a call.
type ResilienceErrorKind string

const (
	Circuit     ResilienceErrorKind = "circuit"
	RateLimited ResilienceErrorKind = "rate_limited"
	Timeout     ResilienceErrorKind = "timeout"
)

// ResilienceError is returned by Execute instead of the wrapped op's own
// error whenever a guard, rather than the op itself, is why the call did
// not complete (spec §4.L "ResilienceError{Circuit | RateLimited |
// Timeout}").
type ResilienceError struct {
	Kind ResilienceErrorKind
}

func (e *ResilienceError) Error() string {
	return "resilience: " + string(e.Kind)
}

// Guard pairs one endpoint's circuit breaker with a shared rate limiter and
// an optional per-call timeout, giving callers a single execute(op)
// entry point instead of checking Allow/RecordSuccess/RecordFailure by hand
// at every call site (spec §4.L).
type Guard struct {
	Breaker *CircuitBreaker
	Bucket  *TokenBucket
	Timeout time.Duration
}

// NewGuard builds a Guard from an already-constructed breaker and bucket.
// Either may be nil to opt out of that protection.
func NewGuard(breaker *CircuitBreaker, bucket *TokenBucket, timeout time.Duration) *Guard {
	return &Guard{Breaker: breaker, Bucket: bucket, Timeout: timeout}
}

// Execute runs op under g's breaker and rate limiter, enforcing Timeout if
// set, and reports failures back to the breaker so later calls see a
// tripped circuit. A nil Breaker or Bucket is treated as unguarded on that
// axis.
func Execute[T any](ctx context.Context, g *Guard, priority Priority, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if g.Breaker != nil && !g.Breaker.Allow() {
		return zero, &ResilienceError{Kind: Circuit}
	}
	if g.Bucket != nil && !g.Bucket.Allow(priority) {
		return zero, &ResilienceError{Kind: RateLimited}
	}

	runCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	result, err := op(runCtx)
	if err != nil {
		if g.Breaker != nil {
			g.Breaker.RecordFailure()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return zero, &ResilienceError{Kind: Timeout}
		}
		return zero, err
	}

	if g.Breaker != nil {
		g.Breaker.RecordSuccess()
	}
	return result, nil
}
