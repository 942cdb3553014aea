package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youareridiculous/metabuilder/core"
)

func TestNext_HappyPathThroughFirstIteration(t *testing.T) {
	steps := []struct {
		from  core.RunState
		event Event
		want  core.RunState
	}{
		{core.RunDraft, EventPlanOK, core.RunPlanning},
		{core.RunPlanning, EventDesignOK, core.RunDesigning},
		{core.RunDesigning, EventGenerateOK, core.RunGenerating},
		{core.RunGenerating, EventEvalPassed, core.RunEvaluating},
		{core.RunEvaluating, EventEvalPassed, core.RunSucceeded},
	}
	for _, s := range steps {
		got, err := Next(s.from, s.event)
		require.NoError(t, err)
		assert.Equal(t, s.want, got)
	}
}

func TestNext_RepairLadderBranches(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  core.RunState
	}{
		{"retry", EventRepairRetry, core.RunRepairing},
		{"patch", EventRepairPatch, core.RunRepairing},
		{"replan", EventRepairReplan, core.RunDesigning},
		{"rollback", EventRepairRollback, core.RunRollingBack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(core.RunEvaluating, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNext_RepairingReturnsToGenerating(t *testing.T) {
	got, err := Next(core.RunRepairing, EventGenerateOK)
	require.NoError(t, err)
	assert.Equal(t, core.RunGenerating, got)
}

func TestNext_RollbackRequiresApproval(t *testing.T) {
	got, err := Next(core.RunRollingBack, EventApprovalNeeded)
	require.NoError(t, err)
	assert.Equal(t, core.RunPausedAwaitingApproval, got)
}

func TestNext_ApprovalGateOutcomes(t *testing.T) {
	tests := []struct {
		event Event
		want  core.RunState
	}{
		{EventApproved, core.RunSucceeded},
		{EventRejected, core.RunFailed},
		{EventResumed, core.RunRollingBack},
	}
	for _, tt := range tests {
		got, err := Next(core.RunPausedAwaitingApproval, tt.event)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestNext_CancelIsValidFromAnyNonTerminalState(t *testing.T) {
	for _, s := range []core.RunState{
		core.RunDraft, core.RunPlanning, core.RunDesigning,
		core.RunGenerating, core.RunEvaluating, core.RunRepairing,
		core.RunRollingBack, core.RunPausedAwaitingApproval,
	} {
		got, err := Next(s, EventCancel)
		require.NoError(t, err)
		assert.Equal(t, core.RunCancelled, got)
	}
}

func TestNext_BudgetExceededAndNonRecoverableForceFailed(t *testing.T) {
	got, err := Next(core.RunGenerating, EventBudgetExceeded)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got)

	got, err = Next(core.RunRepairing, EventNonRecoverable)
	require.NoError(t, err)
	assert.Equal(t, core.RunFailed, got)
}

func TestNext_TerminalStateRejectsFurtherEvents(t *testing.T) {
	_, err := Next(core.RunSucceeded, EventPlanOK)
	assert.Error(t, err)

	_, err = Next(core.RunFailed, EventCancel)
	assert.Error(t, err)
}

func TestNext_InvalidEventFromStateErrors(t *testing.T) {
	_, err := Next(core.RunDraft, EventEvalPassed)
	assert.Error(t, err)
}

func TestNext_UnknownSourceStateErrors(t *testing.T) {
	_, err := Next(core.RunState("ghost"), EventPlanOK)
	assert.Error(t, err)
}
