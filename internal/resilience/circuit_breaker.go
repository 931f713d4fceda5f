// Package resilience implements per-agent failure isolation (a consecutive-failure
// circuit breaker), a generic full-jitter exponential backoff retry helper, and
// admission-control rate limiters for the HTTP layer.
package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker is a per-agent breaker (CircuitState, C7/§3). It trips to open
// once ConsecutiveFailures reaches the configured threshold, probes a single
// call in half-open, and resets on a successful probe.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold       int
	recoveryTimeout time.Duration

	state               breakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	halfOpenInFlight    bool

	calls      int64
	successes  int64
	failures   int64
	rejections int64
}

// NewCircuitBreaker constructs a breaker tripping after threshold consecutive
// failures, reopening a half-open probe after recoveryTimeout has elapsed.
func NewCircuitBreaker(threshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		state:           stateClosed,
	}
}

// Allow returns a bool rather than an error; callers that refuse a call build an
// apperr.CircuitOpenError themselves, carrying the agent id.

// Allow reports whether a call may proceed right now. It performs the open->half_open
// transition as a side effect when the recovery timeout has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.lastFailureAt) >= b.recoveryTimeout {
			b.state = stateHalfOpen
			b.halfOpenInFlight = false
		} else {
			b.rejections++
			return false
		}
		fallthrough
	case stateHalfOpen:
		if b.halfOpenInFlight {
			b.rejections++
			return false
		}
		b.halfOpenInFlight = true
	}
	b.calls++
	return true
}

// RecordResult records the outcome of a call previously permitted by Allow.
func (b *CircuitBreaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.successes++
	} else {
		b.failures++
	}

	switch b.state {
	case stateHalfOpen:
		b.halfOpenInFlight = false
		if success {
			b.reset()
		} else {
			b.trip()
		}
	case stateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		b.lastFailureAt = time.Now()
		if b.consecutiveFailures >= b.threshold {
			b.trip()
		}
	case stateOpen:
		// A result arriving while open (e.g. a stale in-flight call) is ignored for
		// state purposes; Allow already gates new calls.
	}
}

func (b *CircuitBreaker) trip() {
	meter := otel.Meter(otelinit.MeterName)
	b.state = stateOpen
	b.lastFailureAt = time.Now()
	counter, _ := meter.Int64Counter("emailorch_resilience_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (b *CircuitBreaker) reset() {
	meter := otel.Meter(otelinit.MeterName)
	b.state = stateClosed
	b.consecutiveFailures = 0
	counter, _ := meter.Int64Counter("emailorch_resilience_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// Snapshot reports the breaker's current state for health/admin surfaces.
type Snapshot struct {
	State               string
	ConsecutiveFailures int
	LastFailureAt       time.Time
	Calls, Successes, Failures, Rejections int64
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		Calls:               b.calls,
		Successes:           b.successes,
		Failures:            b.failures,
		Rejections:          b.rejections,
	}
}

// Registry holds one breaker per agent id, created lazily on first use.
type Registry struct {
	mu              sync.Mutex
	breakers        map[string]*CircuitBreaker
	threshold       int
	recoveryTimeout time.Duration
}

// NewRegistry constructs a breaker registry sharing one threshold/timeout config.
func NewRegistry(threshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:        make(map[string]*CircuitBreaker),
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
	}
}

// For returns (creating if necessary) the breaker for agentID.
func (r *Registry) For(agentID string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[agentID]
	if !ok {
		b = NewCircuitBreaker(r.threshold, r.recoveryTimeout)
		r.breakers[agentID] = b
	}
	return b
}

// Snapshots returns a point-in-time view of every known agent breaker, for the
// health probe and admin stats surfaces.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

// AnyOpen reports whether any known agent breaker is not closed (open or
// half-open), for the
// health probe's "degraded" determination.
func (r *Registry) AnyOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.mu.Lock()
		open := b.state != stateClosed
		b.mu.Unlock()
		if open {
			return true
		}
	}
	return false
}
