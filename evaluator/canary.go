package evaluator

import (
	"hash/fnv"

	"github.com/youareridiculous/metabuilder/core"
)

// CanaryConfig holds the A/B thresholds of §4.5, overridable by the
// caller per the open-question decision recorded in SPEC_FULL.md §6.
type CanaryConfig struct {
	SuccessThreshold       float64 // pass iff success_ratio >= this
	CostThreshold          float64 // pass iff cost_ratio <= this
	DurationThreshold      float64 // pass iff duration_ratio <= this
	AggressivePromoteSuccessRatio float64 // success_ratio > this ...
	AggressivePromoteCostRatio    float64 // ... and cost_ratio < this => aggressive promote
	CautiousPromoteSuccessRatio   float64 // success_ratio > this (alone) => cautious promote
	ImmediateRollbackSuccessRatio float64 // success_ratio < this => immediate rollback
	ReducePercentCostRatio        float64 // cost_ratio > this => reduce_percent
	ExperimentalFraction          float64 // fraction of new runs assigned to experimental
}

// DefaultCanaryConfig matches the exact §4.5 numeric defaults.
func DefaultCanaryConfig() CanaryConfig {
	return CanaryConfig{
		SuccessThreshold:              1.0,
		CostThreshold:                 1.0,
		DurationThreshold:             1.0,
		AggressivePromoteSuccessRatio: 1.1,
		AggressivePromoteCostRatio:    0.9,
		CautiousPromoteSuccessRatio:   1.05,
		ImmediateRollbackSuccessRatio: 0.8,
		ReducePercentCostRatio:        1.5,
		ExperimentalFraction:          0.0,
	}
}

// Recommendation is the closed set of canary evaluator outputs (§4.5).
type Recommendation string

const (
	RecommendAggressivePromote Recommendation = "aggressive_promote"
	RecommendCautiousPromote   Recommendation = "cautious_promote"
	RecommendHold              Recommendation = "hold"
	RecommendImmediateRollback Recommendation = "immediate_rollback"
	RecommendReducePercent     Recommendation = "reduce_percent"
	RecommendInvestigate       Recommendation = "investigate"
)

// CanaryVerdict is the computed comparison over a rolling sample window.
type CanaryVerdict struct {
	SuccessRatio   float64
	CostRatio      float64
	DurationRatio  float64
	AllPass        bool
	Recommendation Recommendation
}

// Compare computes the rolling-window ratios and recommendation table of
// §4.5 over control and experimental sample sets.
func Compare(cfg CanaryConfig, control, experimental []core.CanarySample) CanaryVerdict {
	ctrlSuccess, ctrlCost, ctrlDur := aggregate(control)
	expSuccess, expCost, expDur := aggregate(experimental)

	v := CanaryVerdict{}
	if ctrlSuccess > 0 {
		v.SuccessRatio = expSuccess / ctrlSuccess
	}
	if ctrlCost > 0 {
		v.CostRatio = expCost / ctrlCost
	}
	if ctrlDur > 0 {
		v.DurationRatio = expDur / ctrlDur
	}

	v.AllPass = v.SuccessRatio >= cfg.SuccessThreshold &&
		v.CostRatio <= cfg.CostThreshold &&
		v.DurationRatio <= cfg.DurationThreshold

	switch {
	case v.AllPass && v.SuccessRatio > cfg.AggressivePromoteSuccessRatio && v.CostRatio < cfg.AggressivePromoteCostRatio:
		v.Recommendation = RecommendAggressivePromote
	case v.AllPass && v.SuccessRatio > cfg.CautiousPromoteSuccessRatio:
		v.Recommendation = RecommendCautiousPromote
	case v.AllPass:
		v.Recommendation = RecommendHold
	case v.SuccessRatio < cfg.ImmediateRollbackSuccessRatio:
		v.Recommendation = RecommendImmediateRollback
	case v.CostRatio > cfg.ReducePercentCostRatio:
		v.Recommendation = RecommendReducePercent
	default:
		v.Recommendation = RecommendInvestigate
	}
	return v
}

func aggregate(samples []core.CanarySample) (successRate, meanCost, meanDurSeconds float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	var successes int
	var costSum, durSum float64
	for _, s := range samples {
		if s.Success {
			successes++
		}
		costSum += s.Cost
		durSum += s.Duration.Seconds()
	}
	n := float64(len(samples))
	return float64(successes) / n, costSum / n, durSum / n
}

// AssignGroup deterministically and stickily assigns runID to control or
// experimental, honoring boundary behaviors B1 (fraction 0 => never
// experimental, fraction 1 => always experimental). Assignment is a pure
// function of (runID, fraction) so the same run id always lands in the
// same group across a restart, matching §4.5: "Assignment is sticky per
// run id."
func AssignGroup(runID string, fraction float64) core.CanaryGroup {
	if fraction <= 0 {
		return core.CanaryControl
	}
	if fraction >= 1 {
		return core.CanaryExperimental
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	bucket := float64(h.Sum64()%1_000_000) / 1_000_000.0
	if bucket < fraction {
		return core.CanaryExperimental
	}
	return core.CanaryControl
}
