// Package store defines the persistent-store contract (§6): relational
// storage with CAS updates on Step/Run state and transactional writes of
// (Step result, Artifact ref, Run state transition) as one unit. The core
// never assumes a concrete database — callers wire in MemoryStore (tests,
// single-process use) or RedisStore.
package store

import (
	"context"
	"errors"

	"github.com/youareridiculous/metabuilder/core"
)

// ErrCASConflict is returned when a compare-and-set write loses a race
// against a concurrent writer observing a different expected state.
var ErrCASConflict = errors.New("store: compare-and-set conflict")

// StepTransition is the unit of work persisted atomically when a Step
// completes: its new state, the Artifact it produced (if any), and the
// Run's own state transition, per §6's "transactional writes of (Step
// result, Artifact ref, Run state transition) as one unit".
type StepTransition struct {
	Step         core.Step
	Artifact     *core.Artifact
	RunState     core.RunState
	RunCostDelta core.CostUsage
}

// Store is the persistence contract every orchestrator component reads
// and writes through. CASRunState and CASStepState are guarded by
// (id, expected_state) so concurrent workers and a restarted orchestrator
// never clobber each other's state transitions. CommitStepTransition and
// IncrementIteration write without an expected-state check.
type Store interface {
	CreateSpec(ctx context.Context, spec core.Spec) error
	GetSpec(ctx context.Context, id string) (core.Spec, error)

	CreateRun(ctx context.Context, run core.Run) error
	GetRun(ctx context.Context, id string) (core.Run, error)
	// CASRunState atomically moves a Run from expected to next, failing
	// with ErrCASConflict if the stored state no longer matches expected.
	CASRunState(ctx context.Context, runID string, expected, next core.RunState, terminalReason string) error
	// IncrementIteration bumps a Run's 1-indexed iteration counter, used
	// when the repair ladder's Replan phase starts a fresh plan→generate→
	// evaluate cycle (§4.4, P4).
	IncrementIteration(ctx context.Context, runID string) error
	ListNonTerminalRuns(ctx context.Context) ([]core.Run, error)

	CreateStep(ctx context.Context, step core.Step) error
	GetStep(ctx context.Context, id string) (core.Step, error)
	// CASStepState atomically moves a Step from expected to next.
	CASStepState(ctx context.Context, stepID string, expected, next core.StepState) error
	ListSteps(ctx context.Context, runID string) ([]core.Step, error)
	// CommitStepTransition persists a Step result, its Artifact, and the
	// owning Run's new state as one atomic unit (§6).
	CommitStepTransition(ctx context.Context, t StepTransition) error

	AppendFailure(ctx context.Context, f core.Failure) error
	ListFailures(ctx context.Context, stepID string) ([]core.Failure, error)

	AppendRepairAttempt(ctx context.Context, a core.RepairAttempt) error
	ListRepairAttempts(ctx context.Context, runID string) ([]core.RepairAttempt, error)

	PutArtifact(ctx context.Context, a core.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]core.Artifact, error)

	CreateApprovalGate(ctx context.Context, g core.ApprovalGate) error
	GetApprovalGate(ctx context.Context, id string) (core.ApprovalGate, error)
	DecideApprovalGate(ctx context.Context, id string, decision core.ApprovalDecision, decider string) error
	ListApprovalGates(ctx context.Context, runID string) ([]core.ApprovalGate, error)

	PutBudget(ctx context.Context, b core.Budget) error
	GetBudget(ctx context.Context, runID string) (core.Budget, error)

	PutCircuitBreakerState(ctx context.Context, s core.CircuitBreakerState) error
	GetCircuitBreakerState(ctx context.Context, tenant string, class core.FailureClass) (core.CircuitBreakerState, bool, error)

	AppendCanarySample(ctx context.Context, s core.CanarySample) error
	ListCanarySamples(ctx context.Context, group core.CanaryGroup, limit int) ([]core.CanarySample, error)

	PutReplayBundle(ctx context.Context, runID string, bundleRef string, hash string) error
	GetReplayBundleRef(ctx context.Context, runID string) (string, bool, error)
}
