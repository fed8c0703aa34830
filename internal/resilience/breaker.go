// Package resilience guards external dependencies (remote cache backends,
// downstream tool invocations) with per-endpoint circuit breakers and a
// token-bucket rate limiter (spec §4.L).
package resilience

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// ErrCircuitOpen is returned by Registry callers when a breaker is open
// and the call was shed instead of attempted.
var ErrCircuitOpen = xerrors.New("resilience: circuit open")

// State is a CircuitBreaker's current state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures for one endpoint and trips
// open once a threshold is reached, refusing calls until a cooldown
// elapses, then allowing a single trial call (half-open) to decide whether
// to close again (spec §4.L). Grounded on the Allow/RecordSuccess/
// RecordFailure breaker contract used for per-function circuit breaking
// elsewhere in the pack, hand-rolled here on stdlib sync/time because no
// pack repo imports a breaker library — they all implement this pattern
// themselves.
type CircuitBreaker struct {
	failureThreshold int
	cooldown         time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker returns a Closed breaker that trips after
// failureThreshold consecutive failures and stays Open for cooldown before
// allowing a half-open trial.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, cooldown: cooldown}
}

// Allow reports whether a call should be attempted. A Closed breaker
// always allows; an Open breaker allows exactly once per cooldown period,
// transitioning to HalfOpen for that trial call.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return false // a trial call is already outstanding
	case Open:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = HalfOpen
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
}

// RecordFailure counts a failure and trips the breaker open once the
// threshold is reached, or immediately re-opens it if the failing call was
// the half-open trial.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// State reports the breaker's current state, mostly for tests and metrics.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry is a table of CircuitBreakers keyed by endpoint name, so each
// remote cache backend or external tool gets independent circuit state
// (spec §4.L).
type Registry struct {
	failureThreshold int
	cooldown         time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry returns a Registry that lazily creates a breaker per key with
// the given threshold/cooldown.
func NewRegistry(failureThreshold int, cooldown time.Duration) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		breakers:         make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewCircuitBreaker(r.failureThreshold, r.cooldown)
		r.breakers[key] = b
	}
	return b
}
