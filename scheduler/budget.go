package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/youareridiculous/metabuilder/core"
)

// BudgetTracker enforces §4.3's budget rule: every dispatch attempt
// checks cost_used+est_cost≤cost_limit and attempt_used<attempt_limit;
// breach fails the step with BudgetExceeded (not retryable), without
// invoking the LLM (I4).
type BudgetTracker struct {
	mu      sync.Mutex
	budgets map[string]*core.Budget // keyed by run id
}

// NewBudgetTracker constructs an empty tracker.
func NewBudgetTracker() *BudgetTracker {
	return &BudgetTracker{budgets: make(map[string]*core.Budget)}
}

// Register seeds the tracker with a Run's limits.
func (t *BudgetTracker) Register(runID string, costLimit float64, timeLimitS int64, attemptLimit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[runID] = &core.Budget{
		RunID:        runID,
		CostLimitUSD: costLimit,
		TimeLimitS:   timeLimitS,
		AttemptLimit: attemptLimit,
	}
}

// CheckAndReserve verifies the dispatch would not breach cost or attempt
// limits and, if so, reserves estCost/one attempt atomically. Returns
// core.ErrBudgetExceeded (not retryable, per §7) on breach.
func (t *BudgetTracker) CheckAndReserve(runID string, estCost float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[runID]
	if !ok {
		return fmt.Errorf("scheduler: budget not registered for run %s", runID)
	}

	if b.CostUsedUSD+estCost > b.CostLimitUSD || b.AttemptUsed+1 > b.AttemptLimit {
		now := time.Now()
		b.ExceededAt = &now
		return core.ErrBudgetExceeded
	}

	b.CostUsedUSD += estCost
	b.AttemptUsed++
	return nil
}

// Snapshot returns a copy of the current budget row for runID.
func (t *BudgetTracker) Snapshot(runID string) (core.Budget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.budgets[runID]
	if !ok {
		return core.Budget{}, false
	}
	return *b, true
}

// RecordTime adds elapsed wall time to the run's usage, independent of the
// cost/attempt reservation path.
func (t *BudgetTracker) RecordTime(runID string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.budgets[runID]; ok {
		b.TimeUsedS += int64(elapsed.Seconds())
	}
}
