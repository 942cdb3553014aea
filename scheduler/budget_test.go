package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youareridiculous/metabuilder/core"
)

func TestBudgetTracker_UnregisteredRunErrors(t *testing.T) {
	tracker := NewBudgetTracker()
	err := tracker.CheckAndReserve("missing-run", 1.0)
	assert.Error(t, err)
}

func TestBudgetTracker_ReservesWithinLimit(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.Register("run-1", 10.0, 3600, 5)

	err := tracker.CheckAndReserve("run-1", 3.0)
	require.NoError(t, err)

	snap, ok := tracker.Snapshot("run-1")
	require.True(t, ok)
	assert.Equal(t, 3.0, snap.CostUsedUSD)
	assert.Equal(t, 1, snap.AttemptUsed)
}

func TestBudgetTracker_CostBreachIsNotReserved(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.Register("run-1", 5.0, 3600, 10)

	require.NoError(t, tracker.CheckAndReserve("run-1", 4.0))
	err := tracker.CheckAndReserve("run-1", 2.0)
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)

	snap, _ := tracker.Snapshot("run-1")
	assert.Equal(t, 4.0, snap.CostUsedUSD, "breaching attempt must not be reserved")
	assert.NotNil(t, snap.ExceededAt)
}

func TestBudgetTracker_AttemptLimitBreach(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.Register("run-1", 100.0, 3600, 2)

	require.NoError(t, tracker.CheckAndReserve("run-1", 0.1))
	require.NoError(t, tracker.CheckAndReserve("run-1", 0.1))

	err := tracker.CheckAndReserve("run-1", 0.1)
	assert.ErrorIs(t, err, core.ErrBudgetExceeded)
}

func TestBudgetTracker_RecordTimeAccumulates(t *testing.T) {
	tracker := NewBudgetTracker()
	tracker.Register("run-1", 100.0, 3600, 10)

	tracker.RecordTime("run-1", 30*time.Second)
	tracker.RecordTime("run-1", 45*time.Second)

	snap, ok := tracker.Snapshot("run-1")
	require.True(t, ok)
	assert.Equal(t, int64(75), snap.TimeUsedS)
}

func TestBudgetTracker_RecordTimeOnUnknownRunIsNoop(t *testing.T) {
	tracker := NewBudgetTracker()
	assert.NotPanics(t, func() {
		tracker.RecordTime("ghost-run", time.Second)
	})
}

func TestBudgetTracker_SnapshotMissingRun(t *testing.T) {
	tracker := NewBudgetTracker()
	_, ok := tracker.Snapshot("missing")
	assert.False(t, ok)
}
