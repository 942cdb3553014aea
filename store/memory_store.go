package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/youareridiculous/metabuilder/core"
)

// MemoryStore is an in-memory Store used by tests and single-process
// deployments, grounded on itsneelabh-gomind/core/memory_store.go's
// mutex-guarded map pattern, generalized here from a single key-value
// cache to the full Run/Step/Artifact/ApprovalGate/Budget/CircuitBreaker
// row set this spec requires, with CAS semantics on Run/Step state.
type MemoryStore struct {
	mu sync.Mutex

	specs      map[string]core.Spec
	runs       map[string]core.Run
	steps      map[string]core.Step
	failures   map[string][]core.Failure // keyed by step id
	repairs    map[string][]core.RepairAttempt // keyed by run id
	artifacts  map[string][]core.Artifact // keyed by run id
	gates      map[string]core.ApprovalGate
	budgets    map[string]core.Budget
	breakers   map[string]core.CircuitBreakerState
	canary     map[core.CanaryGroup][]core.CanarySample
	replay     map[string]replayEntry

	logger core.Logger
}

type replayEntry struct {
	ref  string
	hash string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore(logger core.Logger) *MemoryStore {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &MemoryStore{
		specs:     make(map[string]core.Spec),
		runs:      make(map[string]core.Run),
		steps:     make(map[string]core.Step),
		failures:  make(map[string][]core.Failure),
		repairs:   make(map[string][]core.RepairAttempt),
		artifacts: make(map[string][]core.Artifact),
		gates:     make(map[string]core.ApprovalGate),
		budgets:   make(map[string]core.Budget),
		breakers:  make(map[string]core.CircuitBreakerState),
		canary:    make(map[core.CanaryGroup][]core.CanarySample),
		replay:    make(map[string]replayEntry),
		logger:    core.WithComponentLogger(logger, "store"),
	}
}

func (s *MemoryStore) CreateSpec(_ context.Context, spec core.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[spec.ID] = spec
	return nil
}

func (s *MemoryStore) GetSpec(_ context.Context, id string) (core.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.specs[id]
	if !ok {
		return core.Spec{}, core.ErrNotFound
	}
	return sp, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return core.Run{}, core.ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) CASRunState(_ context.Context, runID string, expected, next core.RunState, terminalReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return core.ErrNotFound
	}
	if r.State != expected {
		return fmt.Errorf("run %s state %s != expected %s: %w", runID, r.State, expected, ErrCASConflict)
	}
	r.State = next
	if terminalReason != "" {
		r.TerminalReason = terminalReason
	}
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) IncrementIteration(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return core.ErrNotFound
	}
	r.Iteration++
	s.runs[runID] = r
	return nil
}

func (s *MemoryStore) ListNonTerminalRuns(_ context.Context) ([]core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Run
	for _, r := range s.runs {
		if !r.State.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateStep(_ context.Context, step core.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[step.ID] = step
	return nil
}

func (s *MemoryStore) GetStep(_ context.Context, id string) (core.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[id]
	if !ok {
		return core.Step{}, core.ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) CASStepState(_ context.Context, stepID string, expected, next core.StepState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.steps[stepID]
	if !ok {
		return core.ErrNotFound
	}
	if st.State != expected {
		return fmt.Errorf("step %s state %s != expected %s: %w", stepID, st.State, expected, ErrCASConflict)
	}
	st.State = next
	s.steps[stepID] = st
	return nil
}

func (s *MemoryStore) ListSteps(_ context.Context, runID string) ([]core.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			out = append(out, st)
		}
	}
	return out, nil
}

// CommitStepTransition applies the Step, optional Artifact, and Run state
// change as one critical section, matching §6's atomicity requirement
// within this process (the RedisStore equivalent uses a WATCH/MULTI/EXEC
// transaction for the same guarantee across processes).
func (s *MemoryStore) CommitStepTransition(_ context.Context, t StepTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps[t.Step.ID] = t.Step
	if t.Artifact != nil {
		s.artifacts[t.Step.RunID] = append(s.artifacts[t.Step.RunID], *t.Artifact)
	}
	if run, ok := s.runs[t.Step.RunID]; ok {
		run.State = t.RunState
		run.CostUsed.Tokens += t.RunCostDelta.Tokens
		run.CostUsed.CostUSD += t.RunCostDelta.CostUSD
		s.runs[t.Step.RunID] = run
	}
	return nil
}

func (s *MemoryStore) AppendFailure(_ context.Context, f core.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[f.StepID] = append(s.failures[f.StepID], f)
	return nil
}

func (s *MemoryStore) ListFailures(_ context.Context, stepID string) ([]core.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Failure(nil), s.failures[stepID]...), nil
}

func (s *MemoryStore) AppendRepairAttempt(_ context.Context, a core.RepairAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repairs[a.RunID] = append(s.repairs[a.RunID], a)
	return nil
}

func (s *MemoryStore) ListRepairAttempts(_ context.Context, runID string) ([]core.RepairAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.RepairAttempt(nil), s.repairs[runID]...), nil
}

func (s *MemoryStore) PutArtifact(_ context.Context, a core.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.RunID] = append(s.artifacts[a.RunID], a)
	return nil
}

func (s *MemoryStore) ListArtifacts(_ context.Context, runID string) ([]core.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Artifact(nil), s.artifacts[runID]...), nil
}

func (s *MemoryStore) CreateApprovalGate(_ context.Context, g core.ApprovalGate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[g.ID] = g
	return nil
}

func (s *MemoryStore) GetApprovalGate(_ context.Context, id string) (core.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		return core.ApprovalGate{}, core.ErrNotFound
	}
	return g, nil
}

func (s *MemoryStore) DecideApprovalGate(_ context.Context, id string, decision core.ApprovalDecision, decider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		return core.ErrNotFound
	}
	if g.Decision != core.ApprovalPending {
		return fmt.Errorf("gate %s already decided (%s): %w", id, g.Decision, ErrCASConflict)
	}
	g.Decision = decision
	g.Decider = decider
	s.gates[id] = g
	return nil
}

func (s *MemoryStore) ListApprovalGates(_ context.Context, runID string) ([]core.ApprovalGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.ApprovalGate
	for _, g := range s.gates {
		if g.RunID == runID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *MemoryStore) PutBudget(_ context.Context, b core.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.RunID] = b
	return nil
}

func (s *MemoryStore) GetBudget(_ context.Context, runID string) (core.Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[runID]
	if !ok {
		return core.Budget{}, core.ErrNotFound
	}
	return b, nil
}

func breakerKey(tenant string, class core.FailureClass) string {
	return tenant + "\x00" + string(class)
}

func (s *MemoryStore) PutCircuitBreakerState(_ context.Context, cbs core.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakers[breakerKey(cbs.Tenant, cbs.Class)] = cbs
	return nil
}

func (s *MemoryStore) GetCircuitBreakerState(_ context.Context, tenant string, class core.FailureClass) (core.CircuitBreakerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cbs, ok := s.breakers[breakerKey(tenant, class)]
	return cbs, ok, nil
}

func (s *MemoryStore) AppendCanarySample(_ context.Context, sample core.CanarySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canary[sample.Group] = append(s.canary[sample.Group], sample)
	return nil
}

func (s *MemoryStore) ListCanarySamples(_ context.Context, group core.CanaryGroup, limit int) ([]core.CanarySample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.canary[group]
	if limit <= 0 || limit >= len(all) {
		return append([]core.CanarySample(nil), all...), nil
	}
	return append([]core.CanarySample(nil), all[len(all)-limit:]...), nil
}

func (s *MemoryStore) PutReplayBundle(_ context.Context, runID string, bundleRef string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay[runID] = replayEntry{ref: bundleRef, hash: hash}
	return nil
}

func (s *MemoryStore) GetReplayBundleRef(_ context.Context, runID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.replay[runID]
	if !ok {
		return "", false, nil
	}
	return e.ref, true, nil
}

var _ Store = (*MemoryStore)(nil)
