package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/emailorch/internal/otelinit"
)

// Policy is the retry envelope: max attempts, exponential backoff with a
// floor, and full jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ExpBase     float64
}

// Delay returns the unjittered backoff for attempt n (1-indexed), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay) * pow(p.ExpBase, float64(n-1))
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// Do runs fn up to p.MaxAttempts times. shouldRetry decides, given the error
// from an attempt, whether another attempt is warranted. Backoff is
// full-jitter: actual sleep = random(0.1*base, delay).
func Do[T any](ctx context.Context, p Policy, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, nil
	}
	meter := otel.Meter(otelinit.MeterName)
	attemptCounter, _ := meter.Int64Counter("emailorch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("emailorch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("emailorch_resilience_retry_fail_total")

	var lastErr error
	floor := time.Duration(float64(p.BaseDelay) * 0.1)

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if shouldRetry != nil && !shouldRetry(err) {
			break
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.Delay(attempt)
		sleep := floor
		if delay > floor {
			sleep = floor + time.Duration(rand.Int63n(int64(delay-floor)+1))
		}
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
