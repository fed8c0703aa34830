package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, 50*time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, Closed, b.State())
	require.True(t, b.Allow())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestCircuitBreakerHalfOpenThenCloses(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()
	require.Equal(t, Open, b.State())
}

func TestRegistryIsolatesBreakersByKey(t *testing.T) {
	r := NewRegistry(1, time.Second)
	a := r.Get("endpoint-a")
	b := r.Get("endpoint-b")
	a.RecordFailure()
	require.Equal(t, Open, a.State())
	require.Equal(t, Closed, b.State())
	require.Same(t, a, r.Get("endpoint-a"))
}

func TestTokenBucketCriticalBypassesLimit(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	require.True(t, tb.Allow(Normal))
	require.False(t, tb.Allow(Normal))
	require.True(t, tb.Allow(Critical))
}

func TestExecuteReturnsCircuitErrorWhenOpen(t *testing.T) {
	b := NewCircuitBreaker(1, time.Hour)
	b.RecordFailure()
	g := NewGuard(b, nil, 0)

	_, err := Execute(context.Background(), g, Normal, func(context.Context) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
	var rerr *ResilienceError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, Circuit, rerr.Kind)
}

func TestExecuteReturnsRateLimitedErrorWhenBucketEmpty(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	tb.Allow(Normal) // consume the only token
	g := NewGuard(nil, tb, 0)

	_, err := Execute(context.Background(), g, Normal, func(context.Context) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
	var rerr *ResilienceError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, RateLimited, rerr.Kind)
}

func TestExecutePropagatesOpResultAndRecordsSuccess(t *testing.T) {
	b := NewCircuitBreaker(1, time.Hour)
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	time.Sleep(0) // no-op; state transition to half-open happens on next Allow

	g := NewGuard(NewCircuitBreaker(1, time.Hour), nil, 0)
	result, err := Execute(context.Background(), g, Normal, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, Closed, g.Breaker.State())
}

func TestExecuteSurfacesTimeout(t *testing.T) {
	g := NewGuard(nil, nil, 5*time.Millisecond)
	_, err := Execute(context.Background(), g, Normal, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Error(t, err)
	var rerr *ResilienceError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, Timeout, rerr.Kind)
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(0.001, 1)
	require.NoError(t, tb.Wait(context.Background(), Normal))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx, Normal)
	require.Error(t, err)
}
