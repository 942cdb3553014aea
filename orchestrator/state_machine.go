// Package orchestrator implements the Orchestrator State Machine (§4.4):
// the Run/iteration driver loop, the repair ladder, approval gates,
// cancellation, and resumability. Grounded on
// itsneelabh-gomind/orchestration/orchestrator.go's driver-loop shape and
// request-id/context propagation idiom, and on
// orchestration/hitl_controller.go's checkpoint/interrupt pattern for the
// approval phase.
package orchestrator

import (
	"fmt"

	"github.com/youareridiculous/metabuilder/core"
)

// Event is what advances the Run state machine: a Step outcome, an
// evaluator verdict, a repair-ladder decision, a cancellation, or an
// approval decision.
type Event string

const (
	EventPlanOK         Event = "plan_ok"
	EventDesignOK       Event = "design_ok"
	EventGenerateOK     Event = "generate_ok"
	EventEvalPassed     Event = "eval_passed"
	EventEvalFailed     Event = "eval_failed"
	EventRepairRetry    Event = "repair_retry"
	EventRepairPatch    Event = "repair_patch"
	EventRepairReplan   Event = "repair_replan"
	EventRepairRollback Event = "repair_rollback"
	EventApprovalNeeded Event = "approval_needed"
	EventApproved       Event = "approved"
	EventRejected       Event = "rejected"
	EventResumed        Event = "resumed"
	EventCancel         Event = "cancel"
	EventBudgetExceeded Event = "budget_exceeded"
	EventNonRecoverable Event = "non_recoverable"
)

// transitions is the closed table from §4.4's diagram. Any-state
// transitions (cancel, non-recoverable failure) are checked separately in
// Next rather than duplicated per source state.
var transitions = map[core.RunState]map[Event]core.RunState{
	core.RunDraft: {
		EventPlanOK: core.RunPlanning,
	},
	core.RunPlanning: {
		EventDesignOK: core.RunDesigning,
	},
	core.RunDesigning: {
		EventGenerateOK: core.RunGenerating,
	},
	core.RunGenerating: {
		EventEvalPassed: core.RunEvaluating,
		EventEvalFailed: core.RunEvaluating,
	},
	core.RunEvaluating: {
		EventEvalPassed:     core.RunSucceeded,
		EventRepairRetry:    core.RunRepairing,
		EventRepairPatch:    core.RunRepairing,
		EventRepairReplan:   core.RunDesigning,
		EventRepairRollback: core.RunRollingBack,
	},
	core.RunRepairing: {
		EventGenerateOK: core.RunGenerating,
	},
	core.RunRollingBack: {
		EventApprovalNeeded: core.RunPausedAwaitingApproval,
	},
	core.RunPausedAwaitingApproval: {
		EventApproved: core.RunSucceeded,
		EventRejected: core.RunFailed,
		EventResumed:  core.RunRollingBack,
	},
}

// Next computes the Run's next state for event, applying the any-state
// terminal transitions (cancel, budget exhaustion, non-recoverable class)
// before consulting the per-state table. Returns an error if event is not
// valid from the current state — callers treat that as a driver-loop bug,
// never a user-facing condition.
func Next(current core.RunState, event Event) (core.RunState, error) {
	if current.Terminal() {
		return current, fmt.Errorf("orchestrator: run already terminal (%s), cannot apply %s", current, event)
	}

	switch event {
	case EventCancel:
		return core.RunCancelled, nil
	case EventBudgetExceeded, EventNonRecoverable:
		return core.RunFailed, nil
	}

	byEvent, ok := transitions[current]
	if !ok {
		return current, fmt.Errorf("orchestrator: no transitions defined from state %s", current)
	}
	next, ok := byEvent[event]
	if !ok {
		return current, fmt.Errorf("orchestrator: event %s not valid from state %s", event, current)
	}
	return next, nil
}
