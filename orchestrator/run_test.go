package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youareridiculous/metabuilder/agent"
	"github.com/youareridiculous/metabuilder/core"
	"github.com/youareridiculous/metabuilder/evaluator"
	"github.com/youareridiculous/metabuilder/resilience"
	"github.com/youareridiculous/metabuilder/scheduler"
	"github.com/youareridiculous/metabuilder/store"
	"github.com/youareridiculous/metabuilder/substrate"
)

type fakeLLMProvider struct{}

func (fakeLLMProvider) Complete(ctx context.Context, model string, prompt string, maxTokens int, temperature float64) (string, int64, int64, float64, error) {
	return "ok", 1, 1, 0.001, nil
}

type fakeToolKernel struct{}

func (fakeToolKernel) Invoke(ctx context.Context, toolName string, args map[string]string, policy agent.ToolPolicy) ([]byte, bool, error) {
	return nil, false, nil
}

func newTestOrchestrator() (*Orchestrator, store.Store, substrate.Queue) {
	st := store.NewMemoryStore(nil)
	q := substrate.NewMemoryQueue(1000)
	o := &Orchestrator{
		Store:     st,
		Queue:     q,
		Catalog:   agent.NewCatalog(fakeLLMProvider{}, fakeToolKernel{}, core.NoOpLogger{}),
		Budgets:   scheduler.NewBudgetTracker(),
		Breakers:  resilience.NewRegistry(resilience.BreakerConfig{Threshold: 5, Window: time.Minute, Cooldown: time.Second, MaxCooldown: time.Minute}),
		CanaryCfg: evaluator.CanaryConfig{ExperimentalFraction: 0.5},
		LeaseTTL:  time.Minute,
		Logger:    core.NoOpLogger{},
		Telemetry: core.NoOpTelemetry{},
	}
	return o, st, q
}

func testSpec() core.Spec {
	return core.Spec{
		Tenant:   "acme",
		Source:   "build a todo app",
		SLAClass: core.SLANormal,
		Limits:   core.Limits{MaxIters: 3, CostLimitUSD: 100, WallTime: time.Hour},
	}
}

func TestSubmitRun_CreatesRunAndDispatchesFirstStep(t *testing.T) {
	o, st, q := newTestOrchestrator()
	ctx := context.Background()

	runID, err := o.SubmitRun(ctx, testSpec())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, core.RunPlanning, run.State)
	assert.Equal(t, 1, run.Iteration)

	n, err := q.QueueLength(ctx, core.QueueLLM)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitRun_SeedsBudget(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()

	runID, err := o.SubmitRun(ctx, testSpec())
	require.NoError(t, err)

	b, err := st.GetBudget(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.CostLimitUSD)
}

func TestHandleStepOutcome_AdvancesToNextRoleInOrder(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()
	require.NoError(t, st.CreateSpec(ctx, spec))
	run := core.Run{ID: "run-1", SpecID: spec.ID, State: core.RunPlanning, Iteration: 1}
	require.NoError(t, st.CreateRun(ctx, run))
	o.Budgets.Register(run.ID, spec.Limits.CostLimitUSD, 3600, 20)

	step := core.Step{ID: "step-1", RunID: run.ID, Iteration: 1, AgentRole: core.RoleProductArchitect, State: core.StepLeased}
	require.NoError(t, st.CreateStep(ctx, step))

	err := o.HandleStepOutcome(ctx, run, spec, step, agent.Output{Payload: []byte("structured spec")}, nil)
	require.NoError(t, err)

	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
}

func TestHandleStepOutcome_EvaluatorPassAdvancesRunToSucceeded(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()
	require.NoError(t, st.CreateSpec(ctx, spec))
	// QAEvaluator's Step runs while the Run is still `generating` (the
	// role two before it, SecurityCompliance, is what carried the Run into
	// `generating`); handleEvaluation is what advances it the rest of the
	// way, through `evaluating`, to `succeeded`.
	run := core.Run{ID: "run-1", SpecID: spec.ID, State: core.RunGenerating, Iteration: 1}
	require.NoError(t, st.CreateRun(ctx, run))

	step := core.Step{ID: "step-1", RunID: run.ID, Iteration: 1, AgentRole: core.RoleQAEvaluator, State: core.StepLeased}
	require.NoError(t, st.CreateStep(ctx, step))

	err := o.HandleStepOutcome(ctx, run, spec, step, agent.Output{Payload: []byte("report:1")}, nil)
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, got.State)
}

func TestHandleStepOutcome_EvaluatorFailEngagesRepairLadder(t *testing.T) {
	o, st, q := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()
	require.NoError(t, st.CreateSpec(ctx, spec))
	// Same `generating` precondition as the pass case above; a failing
	// verdict carries the Run into `evaluating` before the ladder engages.
	run := core.Run{ID: "run-1", SpecID: spec.ID, State: core.RunGenerating, Iteration: 1}
	require.NoError(t, st.CreateRun(ctx, run))
	o.Budgets.Register(run.ID, spec.Limits.CostLimitUSD, 3600, 20)

	step := core.Step{ID: "step-1", RunID: run.ID, Iteration: 1, AgentRole: core.RoleQAEvaluator, State: core.StepLeased}
	require.NoError(t, st.CreateStep(ctx, step))

	// payload ending in "0" is treated as a failing eval report.
	err := o.HandleStepOutcome(ctx, run, spec, step, agent.Output{Payload: []byte("report:0")}, nil)
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunRepairing, got.State)

	attempts, err := st.ListRepairAttempts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, core.PhasePatch, attempts[0].Phase)

	n, err := q.QueueLength(ctx, core.QueueLLM)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "AutoFixer dispatched onto the llm queue")
}

func TestHandleStepFailure_InvalidInputFailsRunImmediately(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()
	require.NoError(t, st.CreateSpec(ctx, spec))
	run := core.Run{ID: "run-1", SpecID: spec.ID, State: core.RunGenerating, Iteration: 1}
	require.NoError(t, st.CreateRun(ctx, run))

	step := core.Step{ID: "step-1", RunID: run.ID, Iteration: 1, AgentRole: core.RoleCodegenEngineer, State: core.StepLeased}
	require.NoError(t, st.CreateStep(ctx, step))

	agentErr := &agent.AgentError{Kind: agent.FailureInvalidInput, Err: assertAnError()}
	err := o.HandleStepOutcome(ctx, run, spec, step, agent.Output{}, agentErr)
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.State)
	assert.Equal(t, "invalid_input", got.TerminalReason)
}

func assertAnError() error { return context.DeadlineExceeded }

func TestDecideApproval_ApproveResolvesRunSucceeded(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	run := core.Run{ID: "run-1", State: core.RunPausedAwaitingApproval}
	require.NoError(t, st.CreateRun(ctx, run))
	gate := core.ApprovalGate{ID: "gate-1", RunID: run.ID, Decision: core.ApprovalPending}
	require.NoError(t, st.CreateApprovalGate(ctx, gate))

	err := o.DecideApproval(ctx, "gate-1", true, "alice")
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunSucceeded, got.State)

	samples, err := st.ListCanarySamples(ctx, got.CanaryGroup, 0)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Success)
}

func TestDecideApproval_RejectResolvesRunFailed(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	run := core.Run{ID: "run-1", State: core.RunPausedAwaitingApproval}
	require.NoError(t, st.CreateRun(ctx, run))
	gate := core.ApprovalGate{ID: "gate-1", RunID: run.ID, Decision: core.ApprovalPending}
	require.NoError(t, st.CreateApprovalGate(ctx, gate))

	err := o.DecideApproval(ctx, "gate-1", false, "bob")
	require.NoError(t, err)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got.State)
	assert.Equal(t, "security_rejected", got.TerminalReason)
}

func TestCancelRun_TombstonesQueueAndTransitionsToCancelled(t *testing.T) {
	o, st, q := newTestOrchestrator()
	ctx := context.Background()
	run := core.Run{ID: "run-1", State: core.RunGenerating}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, o.CancelRun(ctx, "run-1"))

	got, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCancelled, got.State)

	require.NoError(t, q.Enqueue(ctx, substrate.Task{ID: "run-1/0/a/1", Queue: core.QueueCPU}))
	task, err := q.Lease(ctx, "worker-1", core.QueueCPU, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task, "tombstoned run's freshly enqueued task must not be leasable")
}

func TestCancelRun_AlreadyTerminalIsNoop(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-1", State: core.RunSucceeded}))

	err := o.CancelRun(ctx, "run-1")
	assert.NoError(t, err)
}

func TestResumeAll_CountsNonTerminalRuns(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-1", State: core.RunGenerating}))
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-2", State: core.RunSucceeded}))

	n, err := o.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetReplay_OnlyAvailableForFailedRuns(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-1", State: core.RunSucceeded}))

	_, err := o.GetReplay(ctx, "run-1")
	assert.Error(t, err)
}

func TestGetReplay_MissingBundleReturnsNotFound(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-1", State: core.RunFailed}))

	_, err := o.GetReplay(ctx, "run-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestGetReplay_ReturnsStoredRef(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	require.NoError(t, st.CreateRun(ctx, core.Run{ID: "run-1", State: core.RunFailed}))
	require.NoError(t, st.PutReplayBundle(ctx, "run-1", "s3://bucket/run-1", "hash"))

	ref, err := o.GetReplay(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/run-1", ref)
}

func TestExecuteTask_ChaosInjectsForcedFailure(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()
	require.NoError(t, st.CreateSpec(ctx, spec))
	// Retry is only a valid repair-ladder transition from RunEvaluating
	// (§4.4's transition table); that is the state under test.
	run := core.Run{ID: "run-1", SpecID: spec.ID, State: core.RunEvaluating, Iteration: 1}
	require.NoError(t, st.CreateRun(ctx, run))
	o.Budgets.Register(run.ID, spec.Limits.CostLimitUSD, 3600, 20)
	step := core.Step{ID: "step-1", RunID: run.ID, Iteration: 1, AgentRole: core.RoleCodegenEngineer, State: core.StepLeased}
	require.NoError(t, st.CreateStep(ctx, step))

	o.Chaos = alwaysChaos{class: core.FailureTransient}

	task := substrate.Task{ID: "run-1/1/CodegenEngineer/x", Queue: core.QueueLLM}
	payload, err := json.Marshal(taskEnvelope{StepID: step.ID, RunID: run.ID, Role: core.RoleCodegenEngineer, Tier: core.TierMedium})
	require.NoError(t, err)
	task.Payload = payload

	_, retryable, err := o.ExecuteTask(ctx, task)
	require.Error(t, err)
	assert.True(t, retryable, "transient chaos-injected failure must be retryable")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunGenerating, got.State, "redispatch succeeded immediately so the retry recovered")

	attempts, err := st.ListRepairAttempts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "recovered", attempts[0].Outcome)
}

type alwaysChaos struct{ class core.FailureClass }

func (a alwaysChaos) Inject(role core.AgentRole) (core.FailureClass, bool) { return a.class, true }

// TestSubmitRun_DrivesAllFiveRolesToSucceededWithoutPresettingState is the
// integration test S1 (happy path, §8) needs: it never constructs a Run in
// a hand-picked state, it only ever observes what SubmitRun + ExecuteTask
// produce, so it would have caught the state machine sitting frozen in
// `planning` for the whole first iteration.
func TestSubmitRun_DrivesAllFiveRolesToSucceededWithoutPresettingState(t *testing.T) {
	o, st, q := newTestOrchestrator()
	ctx := context.Background()
	spec := testSpec()

	runID, err := o.SubmitRun(ctx, spec)
	require.NoError(t, err)

	wantStates := []core.RunState{
		core.RunDesigning,  // ProductArchitect done
		core.RunDesigning,  // SystemDesigner done
		core.RunGenerating, // SecurityCompliance done
		core.RunGenerating, // CodegenEngineer done
		core.RunSucceeded,  // QAEvaluator done (passes through evaluating)
	}

	for i, want := range wantStates {
		task := leaseNextTask(t, ctx, q)
		_, retryable, err := o.ExecuteTask(ctx, task)
		require.NoError(t, err, "step %d", i)
		assert.False(t, retryable)
		require.NoError(t, q.Complete(ctx, "test-worker", task.ID, nil))

		got, err := st.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, want, got.State, "after step %d (%s)", i, got.State)
	}

	steps, err := st.ListSteps(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, steps, 5)
	for _, s := range steps {
		assert.Equal(t, core.StepSucceeded, s.State)
	}

	artifacts, err := st.ListArtifacts(ctx, runID)
	require.NoError(t, err)
	var sawDiff, sawEvalReport bool
	for _, a := range artifacts {
		if a.Kind == core.ArtifactDiff {
			sawDiff = true
		}
		if a.Kind == core.ArtifactEvalReport {
			sawEvalReport = true
		}
	}
	assert.True(t, sawDiff, "CodegenEngineer's diff artifact")
	assert.True(t, sawEvalReport, "QAEvaluator's eval report artifact")

	attempts, err := st.ListRepairAttempts(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, attempts, "happy path engages no repair ladder phase")
}

// leaseNextTask polls every queue class for the one task the orchestrator
// just enqueued, mirroring how a fleet of per-class Workers would race to
// pick it up (§5: "one worker is single-threaded over its current task").
func leaseNextTask(t *testing.T, ctx context.Context, q substrate.Queue) substrate.Task {
	t.Helper()
	for _, class := range []core.QueueClass{core.QueueCPU, core.QueueIO, core.QueueLLM, core.QueueHigh, core.QueueLow} {
		task, err := q.Lease(ctx, "test-worker", class, time.Minute)
		require.NoError(t, err)
		if task != nil {
			return *task
		}
	}
	t.Fatal("no task eligible on any queue class")
	return substrate.Task{}
}

func TestExitStatus_MapsTerminalStates(t *testing.T) {
	assert.Equal(t, 0, ExitStatus(core.Run{State: core.RunSucceeded}))
	assert.Equal(t, 2, ExitStatus(core.Run{State: core.RunCancelled}))
	assert.Equal(t, 4, ExitStatus(core.Run{State: core.RunPausedAwaitingApproval}))
	assert.Equal(t, 3, ExitStatus(core.Run{State: core.RunFailed, TerminalReason: "budget_exceeded"}))
	assert.Equal(t, 1, ExitStatus(core.Run{State: core.RunFailed, TerminalReason: "other"}))
}
