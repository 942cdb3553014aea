package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youareridiculous/metabuilder/core"
)

func TestRetryable_KnownClasses(t *testing.T) {
	cfg, ok := Retryable(core.FailureTransient)
	require.True(t, ok)
	assert.Equal(t, 3, cfg.MaxRetries)

	cfg, ok = Retryable(core.FailureInfra)
	require.True(t, ok)
	assert.Equal(t, 2, cfg.MaxRetries)
}

func TestRetryable_UnknownClass(t *testing.T) {
	_, ok := Retryable(core.FailureLint)
	assert.False(t, ok, "Lint never enters the Retry phase")
}

func TestBackoffForAttempt_Monotonic(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 5, BackoffMult: 2.0, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, JitterEnabled: false}

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := BackoffForAttempt(cfg, attempt)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestBackoffForAttempt_CapsAtMaxDelay(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 10, BackoffMult: 2.0, BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterEnabled: false}
	d := BackoffForAttempt(cfg, 10)
	assert.LessOrEqual(t, d, cfg.MaxDelay+cfg.MaxDelay/10, "jitter may add a little, base delay must not exceed MaxDelay")
}

func TestRetry_SucceedsWithoutRetrying(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 3, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	backoff, err := Retry(context.Background(), cfg, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, time.Duration(0), backoff)
}

func TestRetry_RetriesThenSucceeds(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 3, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	calls := 0
	_, err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttemptsAndReturnsWrappedError(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 2, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	_, err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "MaxRetries+1 total attempts")
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	cfg := ClassRetryConfig{MaxRetries: 5, BackoffMult: 1, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, cfg, func() error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithCircuitBreaker_OpenBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 1, Window: time.Minute, Cooldown: time.Minute, MaxCooldown: time.Minute})
	cb.RecordFailure()
	require.Equal(t, core.CircuitOpen, cb.State())

	cfg := ClassRetryConfig{MaxRetries: 0, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	_, err := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error {
		calls++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls, "open breaker must prevent the underlying call")
}

func TestRetryWithCircuitBreaker_SuccessRecordsSuccess(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	cfg := ClassRetryConfig{MaxRetries: 0, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, err := RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, core.CircuitClosed, cb.State())
}

func TestRetryWithCircuitBreaker_FailuresAccumulateOnBreaker(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Minute, MaxCooldown: time.Minute})
	cfg := ClassRetryConfig{MaxRetries: 0, BackoffMult: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	_, _ = RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error { return errors.New("fail") })
	_, _ = RetryWithCircuitBreaker(context.Background(), cfg, cb, func() error { return errors.New("fail") })

	assert.Equal(t, core.CircuitOpen, cb.State())
}
