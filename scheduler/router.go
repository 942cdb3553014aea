// Package scheduler implements the Scheduler & Router (§4.3): model
// selection by SLA and budget, queue routing, and budget accounting.
// Circuit breakers per (tenant, failure_class) live in package resilience.
package scheduler

import (
	"github.com/youareridiculous/metabuilder/core"
)

// DispatchContext is everything the router needs to decide tier and
// queue.
type DispatchContext struct {
	Tenant           string
	Role             core.AgentRole
	DeclaredQueue    core.QueueClass
	SLAClass         core.SLAClass
	CostUsed         float64
	CostLimit        float64
	RepairIterations int // prior repair iterations at the current tier
	QueueDepth       int64
	QueueDepthThreshold int64
	RollbackContext  bool
}

// slaDefaultTier is the map(sla) lookup of §4.3.
var slaDefaultTier = map[core.SLAClass]core.ModelTier{
	core.SLAFast:     core.TierSmall,
	core.SLANormal:   core.TierMedium,
	core.SLAThorough: core.TierLarge,
}

var tierOrder = []core.ModelTier{core.TierSmall, core.TierMedium, core.TierLarge}

func tierIndex(t core.ModelTier) int {
	for i, v := range tierOrder {
		if v == t {
			return i
		}
	}
	return 1 // medium
}

// SelectTier applies the §4.3 selection rule: start from map(sla); if
// cost_used/cost_limit > 0.7, downgrade one tier (never below small); if
// prior repair iterations > 2 at the current tier, upgrade one tier
// (never above large).
func SelectTier(dc DispatchContext) core.ModelTier {
	tier := slaDefaultTier[dc.SLAClass]
	if tier == "" {
		tier = core.TierMedium
	}
	idx := tierIndex(tier)

	if dc.CostLimit > 0 && dc.CostUsed/dc.CostLimit > 0.7 {
		if idx > 0 {
			idx--
		}
	}
	if dc.RepairIterations > 2 {
		if idx < len(tierOrder)-1 {
			idx++
		}
	}
	return tierOrder[idx]
}

// SelectQueue applies the §4.3 queue routing rule: the agent's declared
// class is used unless SLA=fast and queue depth exceeds threshold (route
// to high), or SLA=thorough with non-empty rollback context (route to
// low).
func SelectQueue(dc DispatchContext) core.QueueClass {
	if dc.SLAClass == core.SLAFast && dc.QueueDepthThreshold > 0 && dc.QueueDepth > dc.QueueDepthThreshold {
		return core.QueueHigh
	}
	if dc.SLAClass == core.SLAThorough && dc.RollbackContext {
		return core.QueueLow
	}
	return dc.DeclaredQueue
}
