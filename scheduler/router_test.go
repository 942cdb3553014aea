package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/youareridiculous/metabuilder/core"
)

func TestSelectTier_DefaultsFromSLA(t *testing.T) {
	assert.Equal(t, core.TierSmall, SelectTier(DispatchContext{SLAClass: core.SLAFast}))
	assert.Equal(t, core.TierMedium, SelectTier(DispatchContext{SLAClass: core.SLANormal}))
	assert.Equal(t, core.TierLarge, SelectTier(DispatchContext{SLAClass: core.SLAThorough}))
}

func TestSelectTier_UnknownSLAFallsBackToMedium(t *testing.T) {
	assert.Equal(t, core.TierMedium, SelectTier(DispatchContext{SLAClass: core.SLAClass("bogus")}))
}

func TestSelectTier_DowngradesWhenCostNearLimit(t *testing.T) {
	tier := SelectTier(DispatchContext{SLAClass: core.SLANormal, CostUsed: 8, CostLimit: 10})
	assert.Equal(t, core.TierSmall, tier, "80% cost used downgrades medium to small")
}

func TestSelectTier_NeverDowngradesBelowSmall(t *testing.T) {
	tier := SelectTier(DispatchContext{SLAClass: core.SLAFast, CostUsed: 9, CostLimit: 10})
	assert.Equal(t, core.TierSmall, tier)
}

func TestSelectTier_UpgradesAfterRepeatedRepairIterations(t *testing.T) {
	tier := SelectTier(DispatchContext{SLAClass: core.SLAFast, RepairIterations: 3})
	assert.Equal(t, core.TierMedium, tier, "more than 2 prior repair iterations upgrades one tier")
}

func TestSelectTier_NeverUpgradesAboveLarge(t *testing.T) {
	tier := SelectTier(DispatchContext{SLAClass: core.SLAThorough, RepairIterations: 5})
	assert.Equal(t, core.TierLarge, tier)
}

func TestSelectTier_DowngradeAndUpgradeBothApply(t *testing.T) {
	// cost pressure downgrades one tier, repeated repair iterations upgrade
	// one tier back — net effect leaves the default tier unchanged.
	tier := SelectTier(DispatchContext{SLAClass: core.SLANormal, CostUsed: 8, CostLimit: 10, RepairIterations: 3})
	assert.Equal(t, core.TierMedium, tier)
}

func TestSelectQueue_DefaultsToDeclaredClass(t *testing.T) {
	q := SelectQueue(DispatchContext{DeclaredQueue: core.QueueCPU, SLAClass: core.SLANormal})
	assert.Equal(t, core.QueueCPU, q)
}

func TestSelectQueue_FastSLARoutesToHighWhenQueueDeep(t *testing.T) {
	q := SelectQueue(DispatchContext{
		DeclaredQueue:       core.QueueLLM,
		SLAClass:            core.SLAFast,
		QueueDepth:          500,
		QueueDepthThreshold: 100,
	})
	assert.Equal(t, core.QueueHigh, q)
}

func TestSelectQueue_FastSLAStaysDeclaredWhenQueueShallow(t *testing.T) {
	q := SelectQueue(DispatchContext{
		DeclaredQueue:       core.QueueLLM,
		SLAClass:            core.SLAFast,
		QueueDepth:          10,
		QueueDepthThreshold: 100,
	})
	assert.Equal(t, core.QueueLLM, q)
}

func TestSelectQueue_ThoroughRollbackRoutesToLow(t *testing.T) {
	q := SelectQueue(DispatchContext{
		DeclaredQueue:   core.QueueIO,
		SLAClass:        core.SLAThorough,
		RollbackContext: true,
	})
	assert.Equal(t, core.QueueLow, q)
}

func TestSelectQueue_ThoroughWithoutRollbackStaysDeclared(t *testing.T) {
	q := SelectQueue(DispatchContext{
		DeclaredQueue: core.QueueIO,
		SLAClass:      core.SLAThorough,
	})
	assert.Equal(t, core.QueueIO, q)
}
