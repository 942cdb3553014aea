package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/youareridiculous/metabuilder/agent"
	"github.com/youareridiculous/metabuilder/core"
	"github.com/youareridiculous/metabuilder/evaluator"
	"github.com/youareridiculous/metabuilder/resilience"
	"github.com/youareridiculous/metabuilder/scheduler"
	"github.com/youareridiculous/metabuilder/store"
	"github.com/youareridiculous/metabuilder/substrate"
)

// Orchestrator is the single driver loop of §4.4: it owns no in-memory
// authoritative state (§5: "No in-memory state is authoritative"),
// reading and writing every decision through Store, and dispatching work
// through Queue. Grounded on itsneelabh-gomind/orchestration/orchestrator.go's
// ProcessRequest driver shape, generalized from a single-pass DAG executor
// to the multi-iteration repair-ladder loop this spec requires.
type Orchestrator struct {
	Store     store.Store
	Queue     substrate.Queue
	Catalog   *agent.Catalog
	Budgets   *scheduler.BudgetTracker
	Breakers  *resilience.Registry
	Evaluator *evaluator.Evaluator
	Chaos     ChaosInjector
	CanaryCfg evaluator.CanaryConfig
	LeaseTTL  time.Duration
	Logger    core.Logger
	Telemetry core.Telemetry
}

// ChaosInjector is the narrow interface the orchestrator consults before
// dispatch (chaos.Injector implements it); nil means no fault injection,
// the production default.
type ChaosInjector interface {
	Inject(role core.AgentRole) (core.FailureClass, bool)
}

func (o *Orchestrator) logger() core.Logger {
	return core.WithComponentLogger(o.Logger, "orchestrator")
}

// SubmitRun implements "POST run" of §6: it freezes the Spec, creates the
// Run in draft→planning, assigns a canary group, seeds the Budget, and
// enqueues the first Step (ProductArchitect).
func (o *Orchestrator) SubmitRun(ctx context.Context, spec core.Spec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if err := o.Store.CreateSpec(ctx, spec); err != nil {
		return "", fmt.Errorf("orchestrator: create spec: %w", err)
	}

	runID := uuid.NewString()
	group := evaluator.AssignGroup(runID, o.CanaryCfg.ExperimentalFraction)

	run := core.Run{
		ID:          runID,
		SpecID:      spec.ID,
		State:       core.RunDraft,
		Iteration:   1,
		CreatedAt:   time.Now(),
		CanaryGroup: group,
	}
	next, err := Next(run.State, EventPlanOK)
	if err != nil {
		return "", err
	}
	run.State = next

	if err := o.Store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("orchestrator: create run: %w", err)
	}

	attemptLimit := spec.Limits.MaxIters * len(agent.RoleOrder) * 4
	if attemptLimit <= 0 {
		attemptLimit = 20
	}
	o.Budgets.Register(runID, spec.Limits.CostLimitUSD, int64(spec.Limits.WallTime.Seconds()), attemptLimit)
	_ = o.Store.PutBudget(ctx, core.Budget{
		RunID:        runID,
		CostLimitUSD: spec.Limits.CostLimitUSD,
		TimeLimitS:   int64(spec.Limits.WallTime.Seconds()),
		AttemptLimit: attemptLimit,
	})

	if err := o.dispatchRole(ctx, run, spec, core.RoleProductArchitect, nil); err != nil {
		return runID, err
	}
	return runID, nil
}

// inputDigest hashes the payload this Step invocation consumes; the
// idempotency key is hash(run_id, iteration, role, input_digest) per §3.
func inputDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// dispatchRole builds and enqueues one Step for role, applying the
// Scheduler's tier/queue selection and budget/circuit gating before the
// task ever reaches the Execution Substrate (I4: "a step that would
// breach the limit fails fast ... without invoking the LLM").
func (o *Orchestrator) dispatchRole(ctx context.Context, run core.Run, spec core.Spec, role core.AgentRole, payload []byte) error {
	return o.dispatchRoleWithRepairHistory(ctx, run, spec, role, payload, 0)
}

// dispatchRoleWithRepairHistory is dispatchRole with the caller-supplied
// count of prior repair iterations fed into the §4.3 tier-selection rule
// ("if prior repair iterations > 2 at the current tier, upgrade one
// tier"). Ordinary (non-repair) dispatches go through dispatchRole, which
// passes zero.
func (o *Orchestrator) dispatchRoleWithRepairHistory(ctx context.Context, run core.Run, spec core.Spec, role core.AgentRole, payload []byte, repairIterations int) error {
	ag, err := o.Catalog.For(role)
	if err != nil {
		return err
	}

	digest := inputDigest(payload)
	idemKey := substrate.IdempotencyKey(run.ID, run.Iteration, role, digest)

	if ir, ok := o.Queue.(substrate.IdempotentResult); ok {
		if _, found, _ := ir.StoredResult(ctx, idemKey); found {
			// I2/L1/P3: short-circuit, do not re-dispatch.
			return nil
		}
	}

	tier := scheduler.SelectTier(scheduler.DispatchContext{
		Tenant: spec.Tenant, Role: role, SLAClass: spec.SLAClass,
		CostUsed: run.CostUsed.CostUSD, CostLimit: spec.Limits.CostLimitUSD,
		RepairIterations: repairIterations,
	})
	queueClass := scheduler.SelectQueue(scheduler.DispatchContext{
		DeclaredQueue: ag.QueueClass(), SLAClass: spec.SLAClass,
	})

	estCost := estimatedCostForTier(tier)
	if err := o.Budgets.CheckAndReserve(run.ID, estCost); err != nil {
		return o.failRun(ctx, run, "budget_exceeded")
	}

	step := core.Step{
		ID:             uuid.NewString(),
		RunID:          run.ID,
		Iteration:      run.Iteration,
		AgentRole:      role,
		IdempotencyKey: idemKey,
		State:          core.StepQueued,
		InputDigest:    digest,
	}
	if err := o.Store.CreateStep(ctx, step); err != nil {
		return fmt.Errorf("orchestrator: create step: %w", err)
	}

	taskPayload, err := json.Marshal(taskEnvelope{
		StepID: step.ID, RunID: run.ID, Tenant: spec.Tenant, Iteration: run.Iteration,
		Role: role, Tier: tier, Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: marshal task envelope: %w", err)
	}

	task := substrate.Task{
		ID:             fmt.Sprintf("%s/%d/%s/%s", run.ID, run.Iteration, role, digest),
		Queue:          queueClass,
		Payload:        taskPayload,
		IdempotencyKey: idemKey,
	}
	if err := o.Queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("orchestrator: enqueue step %s: %w", step.ID, err)
	}

	o.logger().InfoWithContext(ctx, "step dispatched", map[string]interface{}{
		"run_id": run.ID, "role": string(role), "tier": string(tier), "queue": string(queueClass),
	})
	return nil
}

func estimatedCostForTier(tier core.ModelTier) float64 {
	switch tier {
	case core.TierSmall:
		return 0.01
	case core.TierLarge:
		return 0.25
	default:
		return 0.05
	}
}

func (o *Orchestrator) failRun(ctx context.Context, run core.Run, reason string) error {
	return o.Store.CASRunState(ctx, run.ID, run.State, core.RunFailed, reason)
}

// HandleStepOutcome is called by a worker (or a test harness) once an
// agent invocation completes. It persists the Step result/Artifact, and
// either advances the Run to the next role in the §5 ordering, drives the
// QAEvaluator verdict into the repair ladder, or applies a repair action.
func (o *Orchestrator) HandleStepOutcome(ctx context.Context, run core.Run, spec core.Spec, step core.Step, out agent.Output, agentErr error) error {
	if agentErr != nil {
		return o.handleStepFailure(ctx, run, spec, step, agentErr)
	}

	step.State = core.StepSucceeded
	step.Tokens = out.TokensIn + out.TokensOut
	step.CostUSD = out.CostUSD

	artifact := artifactForRole(step, out)

	nextState := run.State
	if event, ok := advanceEventForRole(step.AgentRole); ok {
		n, err := Next(run.State, event)
		if err != nil {
			return fmt.Errorf("orchestrator: advance run state past %s: %w", step.AgentRole, err)
		}
		nextState = n
	}

	if err := o.Store.CommitStepTransition(ctx, store.StepTransition{
		Step:         step,
		Artifact:     artifact,
		RunState:     nextState,
		RunCostDelta: core.CostUsage{Tokens: step.Tokens, CostUSD: step.CostUSD},
	}); err != nil {
		return fmt.Errorf("orchestrator: commit step transition: %w", err)
	}
	run.State = nextState

	if step.AgentRole == core.RoleQAEvaluator {
		return o.handleEvaluation(ctx, run, spec, step, out)
	}

	nextRole, ok := nextInOrder(step.AgentRole)
	if !ok {
		return nil // interleaved repair-phase role (AutoFixer/DevOps/Reviewer); caller drives the next dispatch directly.
	}
	return o.dispatchRole(ctx, run, spec, nextRole, out.Payload)
}

// advanceEventForRole maps a role whose Step just succeeded to the §4.4
// state-machine event that carries the Run past it, per §5's ordering
// Architect → Designer → Security → Codegen → Evaluator layered onto the
// planning/designing/generating/evaluating states: ProductArchitect's
// completion is what actually moves the Run out of planning, and
// SecurityCompliance's completion is what moves it out of designing.
// SystemDesigner and CodegenEngineer complete inside the state their
// predecessor already advanced into, so they carry no event of their own.
func advanceEventForRole(role core.AgentRole) (Event, bool) {
	switch role {
	case core.RoleProductArchitect:
		return EventDesignOK, true
	case core.RoleSecurityCompliance:
		return EventGenerateOK, true
	default:
		return "", false
	}
}

func artifactForRole(step core.Step, out agent.Output) *core.Artifact {
	kind, ok := artifactKindForRole(step.AgentRole)
	if !ok {
		return nil
	}
	sum := sha256.Sum256(out.Payload)
	return &core.Artifact{
		ID:         uuid.NewString(),
		RunID:      step.RunID,
		Kind:       kind,
		StorageRef: "", // populated by the caller's object-storage Put before calling HandleStepOutcome
		SHA256:     hex.EncodeToString(sum[:]),
		Bytes:      int64(len(out.Payload)),
	}
}

func artifactKindForRole(role core.AgentRole) (core.ArtifactKind, bool) {
	switch role {
	case core.RoleSystemDesigner:
		return core.ArtifactPlan, true
	case core.RoleCodegenEngineer, core.RoleAutoFixer:
		return core.ArtifactDiff, true
	case core.RoleQAEvaluator:
		return core.ArtifactEvalReport, true
	case core.RoleDevOps:
		return core.ArtifactBundleZip, true
	case core.RoleReviewer:
		return core.ArtifactPRBody, true
	default:
		return "", false
	}
}

func nextInOrder(role core.AgentRole) (core.AgentRole, bool) {
	for i, r := range agent.RoleOrder {
		if r == role && i+1 < len(agent.RoleOrder) {
			return agent.RoleOrder[i+1], true
		}
	}
	return "", false
}

// handleEvaluation consumes a QAEvaluator Step's output. The Run is still
// in `generating` at this point (SecurityCompliance's completion carried it
// there; CodegenEngineer and QAEvaluator run within the same state while its verdict is
// unknown), so the first transition always carries it into `evaluating`
// (§4.4's diagram draws `generating ──► evaluating` unconditionally) before
// a pass advances it once more to `succeeded` or a fail engages the
// repair ladder from `evaluating`, the only state the ladder's events are
// valid from.
func (o *Orchestrator) handleEvaluation(ctx context.Context, run core.Run, spec core.Spec, step core.Step, out agent.Output) error {
	passed := evalOutputPassed(out.Payload)

	event := EventEvalFailed
	if passed {
		event = EventEvalPassed
	}
	evaluating, err := Next(run.State, event)
	if err != nil {
		return err
	}
	if err := o.Store.CASRunState(ctx, run.ID, run.State, evaluating, ""); err != nil {
		return err
	}
	run.State = evaluating

	if passed {
		succeeded, err := Next(run.State, EventEvalPassed)
		if err != nil {
			return err
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, succeeded, ""); err != nil {
			return err
		}
		return o.appendEvalReportArtifact(ctx, run, out)
	}
	return o.engageRepairLadder(ctx, run, spec, step, core.Failure{
		ID:         uuid.NewString(),
		StepID:     step.ID,
		Class:      core.FailureTestAssert,
		Confidence: 0.9,
		Retryable:  false,
	})
}

func (o *Orchestrator) appendEvalReportArtifact(ctx context.Context, run core.Run, out agent.Output) error {
	sum := sha256.Sum256(out.Payload)
	return o.Store.PutArtifact(ctx, core.Artifact{
		ID: uuid.NewString(), RunID: run.ID, Kind: core.ArtifactEvalReport,
		SHA256: hex.EncodeToString(sum[:]), Bytes: int64(len(out.Payload)),
	})
}

// evalOutputPassed is a stand-in for parsing an EvalReport payload: a
// non-empty payload whose last byte is not '0' counts as a pass. The
// QAEvaluator agent passes its input through unchanged and does not call
// evaluator.Evaluator.Evaluate.
func evalOutputPassed(payload []byte) bool {
	return len(payload) > 0 && string(payload[len(payload)-1:]) != "0"
}

// handleStepFailure classifies an agent-signaled failure and routes it
// into the repair ladder.
func (o *Orchestrator) handleStepFailure(ctx context.Context, run core.Run, spec core.Spec, step core.Step, agentErr error) error {
	kind := agent.FailureInternal
	var ae *agent.AgentError
	if errAs(agentErr, &ae) {
		kind = ae.Kind
	}
	if kind == agent.FailureInvalidInput {
		// §7: "InvalidInput fails the Run immediately; never retried."
		return o.Store.CASRunState(ctx, run.ID, run.State, core.RunFailed, "invalid_input")
	}

	class := agent.ToFailureClass(kind)
	failure := core.Failure{
		ID:         uuid.NewString(),
		StepID:     step.ID,
		Class:      class,
		Confidence: 0.7,
		LogExcerpt: agentErr.Error(),
		Retryable:  class == core.FailureTransient || class == core.FailureRateLimit || class == core.FailureInfra,
	}
	if err := o.Store.AppendFailure(ctx, failure); err != nil {
		return err
	}
	return o.engageRepairLadder(ctx, run, spec, step, failure)
}

// errAs is a tiny indirection over errors.As kept local so this file does
// not need a second import alias.
func errAs(err error, target **agent.AgentError) bool {
	for err != nil {
		if ae, ok := err.(*agent.AgentError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// engageRepairLadder is the single entry point that takes a Failure,
// asks Decide for the ladder Action, records a RepairAttempt, and drives
// the Run/Step state accordingly (§4.4).
func (o *Orchestrator) engageRepairLadder(ctx context.Context, run core.Run, spec core.Spec, step core.Step, failure core.Failure) error {
	priorFailures, err := o.Store.ListFailures(ctx, step.ID)
	if err != nil {
		return err
	}
	repairs, err := o.Store.ListRepairAttempts(ctx, run.ID)
	if err != nil {
		return err
	}

	hist := History{
		ConsecutivePatchFailures: consecutivePatchFailures(repairs),
		PriorRepairIterations:    len(repairs),
	}
	action := Decide(append(priorFailures, failure), nil, hist)

	attempt := core.RepairAttempt{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		FailureID: failure.ID,
		Phase:     action.Phase,
		Strategy:  action.Reason,
	}

	switch {
	case action.Fail:
		attempt.Outcome = "fail"
		_ = o.Store.AppendRepairAttempt(ctx, attempt)
		return o.Store.CASRunState(ctx, run.ID, run.State, core.RunFailed, action.Reason)

	case action.Phase == core.PhaseRetry:
		breaker := o.Breakers.Get(spec.Tenant, failure.Class)
		if !breaker.CanExecute() {
			attempt.Outcome = "circuit_open"
			_ = o.Store.AppendRepairAttempt(ctx, attempt)
			return o.Store.CASRunState(ctx, run.ID, run.State, core.RunFailed, "circuit_open")
		}

		event := EventRepairRetry
		next, nerr := Next(run.State, event)
		if nerr != nil {
			return nerr
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, next, ""); err != nil {
			return err
		}
		backoffUsed, rerr := resilience.RetryWithCircuitBreaker(ctx, action.RetryConfig, breaker, func() error {
			return o.redispatchStep(ctx, run, spec, step)
		})
		attempt.BackoffUsedMS = backoffUsed.Milliseconds()
		_ = o.Store.PutCircuitBreakerState(ctx, breaker.Snapshot(spec.Tenant, failure.Class))
		if rerr != nil {
			attempt.Outcome = "exhausted"
			_ = o.Store.AppendRepairAttempt(ctx, attempt)
			return o.Store.CASRunState(ctx, run.ID, next, core.RunFailed, "retry_exhausted")
		}
		attempt.Outcome = "recovered"
		_ = o.Store.AppendRepairAttempt(ctx, attempt)
		genNext, gerr := Next(next, EventGenerateOK)
		if gerr != nil {
			return gerr
		}
		return o.Store.CASRunState(ctx, run.ID, next, genNext, "")

	case action.Phase == core.PhasePatch:
		next, nerr := Next(run.State, EventRepairPatch)
		if nerr != nil {
			return nerr
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, next, ""); err != nil {
			return err
		}
		attempt.Outcome = "dispatched"
		_ = o.Store.AppendRepairAttempt(ctx, attempt)
		// Prior patch iterations at the current tier feed the §4.3 upgrade
		// rule: "large... chosen for AutoFixer when prior attempts failed
		// at medium". repairs already holds every RepairAttempt recorded so
		// far this Run, including the one just appended above's
		// predecessors.
		return o.dispatchRoleWithRepairHistory(ctx, run, spec, core.RoleAutoFixer, nil, len(repairs))

	case action.Phase == core.PhaseReplan:
		next, nerr := Next(run.State, EventRepairReplan)
		if nerr != nil {
			return nerr
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, next, ""); err != nil {
			return err
		}
		if err := o.Store.IncrementIteration(ctx, run.ID); err != nil {
			return err
		}
		run.Iteration++
		run.State = next
		attempt.Outcome = "dispatched"
		_ = o.Store.AppendRepairAttempt(ctx, attempt)
		return o.dispatchRole(ctx, run, spec, core.RoleSystemDesigner, nil)

	case action.Phase == core.PhaseRollback:
		next, nerr := Next(run.State, EventRepairRollback)
		if nerr != nil {
			return nerr
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, next, ""); err != nil {
			return err
		}
		attempt.Outcome = "pending_approval"
		_ = o.Store.AppendRepairAttempt(ctx, attempt)
		return o.raiseApprovalGate(ctx, run, failure)

	default:
		return fmt.Errorf("orchestrator: unhandled repair action phase %q", action.Phase)
	}
}

func consecutivePatchFailures(repairs []core.RepairAttempt) int {
	count := 0
	for i := len(repairs) - 1; i >= 0; i-- {
		if repairs[i].Phase != core.PhasePatch {
			break
		}
		if repairs[i].Outcome == "dispatched" || repairs[i].Outcome == "failed" {
			count++
			continue
		}
		break
	}
	return count
}

// redispatchStep re-enqueues step under the same idempotency key so a
// retried dispatch observes I2/L1 if another worker already completed it
// meanwhile.
func (o *Orchestrator) redispatchStep(ctx context.Context, run core.Run, spec core.Spec, step core.Step) error {
	return o.dispatchRole(ctx, run, spec, step.AgentRole, nil)
}

// raiseApprovalGate creates the ApprovalGate a Security/Policy failure
// forces before the Run may proceed (§4.4 Rollback phase). Decide routes
// no other class to Rollback, and a failed Replan does not raise a gate.
// Security/Policy gates carry a typed confirmation token and expiry,
// matching the approval-workflow idiom adapted into DESIGN.md;
// DecideApproval does not check the token.
func (o *Orchestrator) raiseApprovalGate(ctx context.Context, run core.Run, failure core.Failure) error {
	requiresTyped := failure.Class == core.FailureSecurity || failure.Class == core.FailurePolicy
	gate := core.ApprovalGate{
		ID:                        uuid.NewString(),
		RunID:                     run.ID,
		Reason:                    fmt.Sprintf("rollback triggered by %s failure", failure.Class),
		RequiredRole:              "security-reviewer",
		Decision:                  core.ApprovalPending,
		TypedConfirmationRequired: requiresTyped,
	}
	if requiresTyped {
		gate.TypedConfirmationToken = uuid.NewString()
		gate.TypedConfirmationExpires = time.Now().Add(24 * time.Hour)
	}
	if err := o.Store.CreateApprovalGate(ctx, gate); err != nil {
		return err
	}
	next, err := Next(run.State, EventApprovalNeeded)
	if err != nil {
		return err
	}
	return o.Store.CASRunState(ctx, run.ID, run.State, next, "")
}

// DecideApproval implements "POST approval/{gate_id}/{approve|reject}" of
// §6. On approve, the Run terminates succeeded with
// terminal_reason=degraded_scope_approved; its artifacts are not reverted
// to an earlier iteration's. On reject, it
// terminates failed with terminal_reason=security_rejected.
func (o *Orchestrator) DecideApproval(ctx context.Context, gateID string, approve bool, decider string) error {
	gate, err := o.Store.GetApprovalGate(ctx, gateID)
	if err != nil {
		return err
	}

	decision := core.ApprovalRejected
	if approve {
		decision = core.ApprovalApproved
	}
	if err := o.Store.DecideApprovalGate(ctx, gateID, decision, decider); err != nil {
		return err
	}

	run, err := o.Store.GetRun(ctx, gate.RunID)
	if err != nil {
		return err
	}

	if approve {
		next, nerr := Next(run.State, EventApproved)
		if nerr != nil {
			return nerr
		}
		if err := o.Store.CASRunState(ctx, run.ID, run.State, next, "degraded_scope_approved"); err != nil {
			return err
		}
		return o.recordCanarySample(ctx, run, true)
	}

	next, nerr := Next(run.State, EventRejected)
	if nerr != nil {
		return nerr
	}
	if err := o.Store.CASRunState(ctx, run.ID, run.State, next, "security_rejected"); err != nil {
		return err
	}
	return o.recordCanarySample(ctx, run, false)
}

// CancelRun implements "POST run/{id}/cancel" of §6: it tombstones every
// pending Step so workers release without executing at their next lease
// or heartbeat boundary (§4.3), then transitions the Run to cancelled.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	if err := o.Queue.Tombstone(ctx, runID); err != nil {
		return fmt.Errorf("orchestrator: tombstone run %s: %w", runID, err)
	}
	run, err := o.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}
	next, err := Next(run.State, EventCancel)
	if err != nil {
		return err
	}
	return o.Store.CASRunState(ctx, runID, run.State, next, "cancelled_by_caller")
}

// ResumeAll is called on service restart: it scans non-terminal runs,
// logs each one, and returns how many it found. It does not re-dispatch
// any Step or advance any Run's state. Expired leases are released by the
// substrate's Reaper independently.
func (o *Orchestrator) ResumeAll(ctx context.Context) (int, error) {
	runs, err := o.Store.ListNonTerminalRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: list non-terminal runs: %w", err)
	}
	for _, run := range runs {
		o.logger().InfoWithContext(ctx, "resuming run", map[string]interface{}{
			"run_id": run.ID, "state": string(run.State), "iteration": run.Iteration,
		})
	}
	return len(runs), nil
}

// recordCanarySample records the Run's terminal metrics into the
// CanarySample window (§4.5), keyed by the Run's sticky canary group.
func (o *Orchestrator) recordCanarySample(ctx context.Context, run core.Run, success bool) error {
	repairs, err := o.Store.ListRepairAttempts(ctx, run.ID)
	if err != nil {
		return err
	}
	var retryCount, replanCount, rollbackCount int
	for _, r := range repairs {
		switch r.Phase {
		case core.PhaseRetry:
			retryCount++
		case core.PhaseReplan:
			replanCount++
		case core.PhaseRollback:
			rollbackCount++
		}
	}
	return o.Store.AppendCanarySample(ctx, core.CanarySample{
		RunID: run.ID, Group: run.CanaryGroup, Success: success,
		Cost: run.CostUsed.CostUSD, Duration: run.TimeUsed,
		RetryCount: retryCount, ReplanCount: replanCount, RollbackCount: rollbackCount,
	})
}

// Timeline implements "GET run/{id}/timeline" of §6: ordered step,
// failure, and repair events.
type TimelineEvent struct {
	Kind string // "step" | "failure" | "repair"
	At   time.Time
	Step *core.Step
	Failure *core.Failure
	Repair  *core.RepairAttempt
}

// Timeline assembles the ordered event list for a Run.
func (o *Orchestrator) Timeline(ctx context.Context, runID string) ([]TimelineEvent, error) {
	steps, err := o.Store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	repairs, err := o.Store.ListRepairAttempts(ctx, runID)
	if err != nil {
		return nil, err
	}

	events := make([]TimelineEvent, 0, len(steps)+len(repairs))
	for i := range steps {
		events = append(events, TimelineEvent{Kind: "step", At: steps[i].SpanStart, Step: &steps[i]})
		fails, ferr := o.Store.ListFailures(ctx, steps[i].ID)
		if ferr == nil {
			for j := range fails {
				events = append(events, TimelineEvent{Kind: "failure", Failure: &fails[j]})
			}
		}
	}
	for i := range repairs {
		events = append(events, TimelineEvent{Kind: "repair", Repair: &repairs[i]})
	}
	return events, nil
}

// GetReplay implements "GET run/{id}/replay" of §6: only terminal failed
// Runs have a replay bundle ref (I6).
func (o *Orchestrator) GetReplay(ctx context.Context, runID string) (string, error) {
	run, err := o.Store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.State != core.RunFailed {
		return "", fmt.Errorf("orchestrator: replay only available for failed runs, run %s is %s", runID, run.State)
	}
	ref, ok, err := o.Store.GetReplayBundleRef(ctx, runID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", core.ErrNotFound
	}
	return ref, nil
}

// taskEnvelope is the JSON payload carried on a substrate.Task so a
// worker's call into ExecuteTask has everything it needs without a round
// trip back to the Store for routing information.
type taskEnvelope struct {
	StepID    string
	RunID     string
	Tenant    string
	Iteration int
	Role      core.AgentRole
	Tier      core.ModelTier
	Payload   []byte
}

// ExecuteTask is the substrate.Handler a Worker drives: it decodes the
// task envelope, consults the chaos Injector immediately before dispatch
// (§4.3's chaos-injection affordance, exercised by S2), invokes the
// catalogued Agent, and persists the outcome through HandleStepOutcome.
// Returning a retryable=true result lets the Worker's own Fail path
// requeue the task at the substrate layer in addition to the repair
// ladder's own Retry phase driven from HandleStepOutcome.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task substrate.Task) ([]byte, bool, error) {
	var env taskEnvelope
	if err := json.Unmarshal(task.Payload, &env); err != nil {
		return nil, false, fmt.Errorf("orchestrator: decode task envelope: %w", err)
	}

	run, err := o.Store.GetRun(ctx, env.RunID)
	if err != nil {
		return nil, false, err
	}
	spec, err := o.Store.GetSpec(ctx, run.SpecID)
	if err != nil {
		return nil, false, err
	}
	step, err := o.Store.GetStep(ctx, env.StepID)
	if err != nil {
		return nil, false, err
	}

	ag, err := o.Catalog.For(env.Role)
	if err != nil {
		return nil, false, err
	}

	var out agent.Output
	var agentErr error
	if o.Chaos != nil {
		if forcedClass, hit := o.Chaos.Inject(env.Role); hit {
			agentErr = &agent.AgentError{Kind: classToAgentFailureKind(forcedClass), Err: fmt.Errorf("chaos: forced %s on role %s", forcedClass, env.Role)}
		}
	}
	if agentErr == nil {
		out, agentErr = ag.Run(ctx, agent.Input{
			RunID: env.RunID, Iteration: env.Iteration, Role: env.Role,
			Digest: step.InputDigest, Payload: env.Payload,
			ModelParams: agent.ModelParams{Tier: env.Tier, MaxTokens: 4096, Temperature: 0.2},
		})
	}

	if hErr := o.HandleStepOutcome(ctx, run, spec, step, out, agentErr); hErr != nil {
		return nil, false, hErr
	}
	if agentErr != nil {
		var ae *agent.AgentError
		retryable := false
		if errAs(agentErr, &ae) {
			class := agent.ToFailureClass(ae.Kind)
			retryable = class == core.FailureTransient || class == core.FailureRateLimit || class == core.FailureInfra
		}
		return nil, retryable, agentErr
	}
	return out.Payload, false, nil
}

// classToAgentFailureKind inverts agent.ToFailureClass closely enough for
// chaos injection to force a specific Failure class deterministically
// (S2: "Chaos injects Transient on the first Codegen call").
func classToAgentFailureKind(class core.FailureClass) agent.AgentFailureKind {
	switch class {
	case core.FailureInfra:
		return agent.FailureModelUnavailable
	case core.FailureRuntime:
		return agent.FailureContextOverflow
	case core.FailurePolicy:
		return agent.FailureToolDenied
	case core.FailureTransient, core.FailureRateLimit:
		return agent.FailureTimeout
	default:
		return agent.FailureInternal
	}
}

// ExitStatus maps a terminal Run state to the operational tooling
// convention of §6.
func ExitStatus(run core.Run) int {
	switch run.State {
	case core.RunSucceeded:
		return 0
	case core.RunFailed:
		if run.TerminalReason == "budget_exceeded" {
			return 3
		}
		return 1
	case core.RunCancelled:
		return 2
	case core.RunPausedAwaitingApproval:
		return 4
	default:
		return 1
	}
}
