package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// Priority distinguishes calls that must never be shed by rate limiting
// (e.g. a retry that is the last hope of unblocking the build) from
// ordinary traffic (spec §4.L "priority=Critical bypass").
type Priority int

const (
	Normal Priority = iota
	Critical
)

// TokenBucket wraps golang.org/x/time/rate with a Critical-priority bypass:
// Critical calls always proceed immediately regardless of the bucket's
// state, the way a few essential control-plane calls are exempted from
// rate limiting in the pack's HTTP middleware stacks (spec §4.L).
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket allows ratePerSecond sustained events with burst capacity
// burst.
func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	return &TokenBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow reports whether a Normal-priority call may proceed right now,
// consuming a token if so. Critical calls always return true without
// consuming a token.
func (t *TokenBucket) Allow(priority Priority) bool {
	if priority == Critical {
		return true
	}
	return t.limiter.Allow()
}

// Wait blocks until a token is available for a Normal-priority call, or
// returns immediately for Critical priority.
func (t *TokenBucket) Wait(ctx context.Context, priority Priority) error {
	if priority == Critical {
		return nil
	}
	return t.limiter.Wait(ctx)
}
