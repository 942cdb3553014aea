// Package resilience provides the circuit breaker and retry primitives the
// repair ladder and scheduler build on.
package resilience

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// BreakerConfig configures one circuit breaker instance.
type BreakerConfig struct {
	Threshold      int           // fail_count in window that trips open
	Window         time.Duration // sliding window for fail_count
	Cooldown       time.Duration // initial open→half_open cooldown
	MaxCooldown    time.Duration // cap on doubled cooldown
}

// DefaultBreakerConfig mirrors the teacher's sensible defaults, generalized
// to the per-(tenant, class) keying this spec requires.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		Window:      60 * time.Second,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

// CircuitBreaker is a single breaker guarding one (tenant, failure_class)
// pair. State transitions are monotonic per cooldown cycle: closed → open
// → half_open → {closed, open} (I5). All mutation is CAS-guarded so
// concurrent dispatch attempts never observe a torn state.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         int32 // core.CircuitState encoded as int32 for atomic reads
	failTimestamps []time.Time
	openedAt      time.Time
	cooldown      time.Duration
	cooldownUntil time.Time
	halfOpenInFlight int32
}

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	return &CircuitBreaker{cfg: cfg, cooldown: cfg.Cooldown}
}

// State returns the current breaker state after lazily evaluating any
// pending cooldown expiry.
func (cb *CircuitBreaker) State() core.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evaluateStateLocked()
	return cb.decodeState()
}

func (cb *CircuitBreaker) decodeState() core.CircuitState {
	switch atomic.LoadInt32(&cb.state) {
	case stateOpen:
		return core.CircuitOpen
	case stateHalfOpen:
		return core.CircuitHalfOpen
	default:
		return core.CircuitClosed
	}
}

// evaluateStateLocked moves an open breaker into half_open once the
// cooldown has elapsed. Caller must hold cb.mu.
func (cb *CircuitBreaker) evaluateStateLocked() {
	if atomic.LoadInt32(&cb.state) == stateOpen && time.Now().After(cb.cooldownUntil) {
		atomic.StoreInt32(&cb.state, stateHalfOpen)
		atomic.StoreInt32(&cb.halfOpenInFlight, 0)
	}
}

// CanExecute reports whether a dispatch may proceed. In half_open, only a
// single concurrent probe is admitted (§4.3: "admit a single probe").
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	cb.evaluateStateLocked()
	s := atomic.LoadInt32(&cb.state)
	cb.mu.Unlock()

	switch s {
	case stateClosed:
		return true
	case stateHalfOpen:
		return atomic.CompareAndSwapInt32(&cb.halfOpenInFlight, 0, 1)
	default: // open
		return false
	}
}

// RecordSuccess closes a half_open breaker and resets its failure
// bookkeeping; in closed it only prunes failures outside the window.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch atomic.LoadInt32(&cb.state) {
	case stateHalfOpen:
		atomic.StoreInt32(&cb.state, stateClosed)
		cb.cooldown = cb.cfg.Cooldown
		atomic.StoreInt32(&cb.halfOpenInFlight, 0)
		cb.failTimestamps = nil
	case stateClosed:
		cb.pruneLocked(time.Now())
	}
}

// RecordFailure registers a failure. From closed, trips to open once
// fail_count in the sliding window reaches threshold. From half_open, a
// single probe failure reopens the breaker with the cooldown doubled
// (capped at MaxCooldown).
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch atomic.LoadInt32(&cb.state) {
	case stateHalfOpen:
		cb.cooldown *= 2
		if cb.cooldown > cb.cfg.MaxCooldown {
			cb.cooldown = cb.cfg.MaxCooldown
		}
		cb.openCircuitLocked(now)
		atomic.StoreInt32(&cb.halfOpenInFlight, 0)
	case stateClosed:
		cb.failTimestamps = append(cb.failTimestamps, now)
		cb.pruneLocked(now)
		if len(cb.failTimestamps) >= cb.cfg.Threshold {
			cb.openCircuitLocked(now)
		}
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.Window)
	kept := cb.failTimestamps[:0]
	for _, t := range cb.failTimestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failTimestamps = kept
}

func (cb *CircuitBreaker) openCircuitLocked(now time.Time) {
	atomic.StoreInt32(&cb.state, stateOpen)
	cb.openedAt = now
	cb.cooldownUntil = now.Add(cb.cooldown)
}

// Snapshot materializes the persisted row shape for this breaker.
func (cb *CircuitBreaker) Snapshot(tenant string, class core.FailureClass) core.CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.evaluateStateLocked()
	return core.CircuitBreakerState{
		Tenant:        tenant,
		Class:         class,
		State:         cb.decodeState(),
		FailCount:     len(cb.failTimestamps),
		Threshold:     cb.cfg.Threshold,
		OpenedAt:      cb.openedAt,
		CooldownUntil: cb.cooldownUntil,
		CooldownStep:  cb.cooldown,
	}
}

// Registry keys independent breakers by (tenant, failure_class) as §4.3
// requires.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	cfg      BreakerConfig
}

// NewRegistry constructs an empty breaker registry.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), cfg: cfg}
}

// Get returns (creating if needed) the breaker for (tenant, class).
func (r *Registry) Get(tenant string, class core.FailureClass) *CircuitBreaker {
	key := tenant + "\x00" + string(class)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(r.cfg)
		r.breakers[key] = cb
	}
	return cb
}
