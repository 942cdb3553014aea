package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// ClassRetryConfig is one row of the per-failure-class retry table in
// §4.4: max_retries[class], backoff_mult[class], shared base_delay and
// max_delay.
type ClassRetryConfig struct {
	MaxRetries    int
	BackoffMult   float64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterEnabled bool
}

// RetryTable is the exact per-class table from §4.4's Retry phase.
// Classes absent from this table (or present with MaxRetries 0) never
// enter the Retry phase.
var RetryTable = map[core.FailureClass]ClassRetryConfig{
	core.FailureTransient: {MaxRetries: 3, BackoffMult: 2.0, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterEnabled: true},
	core.FailureRateLimit: {MaxRetries: 3, BackoffMult: 2.0, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterEnabled: true},
	core.FailureInfra:     {MaxRetries: 2, BackoffMult: 1.5, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterEnabled: true},
	core.FailureRuntime:   {MaxRetries: 1, BackoffMult: 1.0, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterEnabled: true},
	core.FailureUnknown:   {MaxRetries: 2, BackoffMult: 1.5, BaseDelay: time.Second, MaxDelay: 60 * time.Second, JitterEnabled: true},
}

// Retryable returns class's row of RetryTable and whether it has one.
// Transient, RateLimit and Infra use it for the Retry phase (§4.4:
// "Applies when Failure.class ∈ {Transient, RateLimit, Infra}");
// Runtime/Unknown use it for the "small retry budget then replan" rule of
// §7. orchestrator/repair_ladder.go decides which rule applies.
func Retryable(class core.FailureClass) (ClassRetryConfig, bool) {
	cfg, ok := RetryTable[class]
	return cfg, ok
}

// BackoffForAttempt computes min(base_delay * backoff_mult^attempt,
// max_delay) per §4.4, with sine-based jitter matching the teacher's
// thundering-herd mitigation.
func BackoffForAttempt(cfg ClassRetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMult, float64(attempt))
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}
	d := time.Duration(delay)
	if cfg.JitterEnabled {
		jitter := time.Duration(float64(d) * 0.1 * math.Sin(float64(attempt+1)))
		d += jitter
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retry executes fn up to cfg.MaxRetries+1 times total, sleeping
// BackoffForAttempt between attempts, honoring ctx cancellation. Returns
// the total backoff actually slept (for RepairAttempt.backoff_used_ms)
// and the final error.
func Retry(ctx context.Context, cfg ClassRetryConfig, fn func() error) (backoffUsed time.Duration, err error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return backoffUsed, ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return backoffUsed, nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxRetries {
			break
		}

		delay := BackoffForAttempt(cfg, attempt)
		backoffUsed += delay

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return backoffUsed, ctx.Err()
		case <-timer.C:
		}
	}

	return backoffUsed, fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", cfg.MaxRetries, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker composes Retry with a CircuitBreaker: each
// attempt first checks CanExecute, then records the outcome, exactly as
// the teacher's RetryWithCircuitBreaker does.
func RetryWithCircuitBreaker(ctx context.Context, cfg ClassRetryConfig, cb *CircuitBreaker, fn func() error) (time.Duration, error) {
	return Retry(ctx, cfg, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}
		if err := fn(); err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
