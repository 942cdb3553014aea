package core

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// SpecDSL is the structured-document form a Spec's Source may take
// instead of freeform text (§3: "source: freeform text | structured DSL |
// imported ERD/OpenAPI/CSV"). Authors who want precise control over
// limits and acceptance criteria write this instead of a prose
// description; ParseSpecDSL decodes it, and the ProductArchitect agent
// never sees the YAML at all — the ProductArchitect agent's job is
// exactly to turn freeform text into the same shape this produces
// directly.
type SpecDSL struct {
	Tenant         string          `yaml:"tenant"`
	Description    string          `yaml:"description"`
	Limits         SpecDSLLimits   `yaml:"limits"`
	ReviewRequired bool            `yaml:"review_required"`
	SLAClass       string          `yaml:"sla_class"`
	KPIGuards      KPIGuards       `yaml:"kpi_guards"`
	Criteria       []Criterion     `yaml:"acceptance_criteria"`
}

// SpecDSLLimits mirrors Limits with a YAML-friendly wall_time duration
// string (e.g. "15m") instead of time.Duration's bare nanosecond int.
type SpecDSLLimits struct {
	MaxIters     int    `yaml:"max_iters"`
	TokenBudget  int64  `yaml:"token_budget"`
	CostLimitUSD float64 `yaml:"cost_limit_usd"`
	WallTime     string `yaml:"wall_time"`
}

// ParseSpecDSL decodes a structured-DSL Spec document and resolves it
// into a Spec ready for Orchestrator.SubmitRun. It never assigns ID —
// that is the caller's (or the Store's) responsibility.
func ParseSpecDSL(data []byte) (Spec, error) {
	var dsl SpecDSL
	if err := yaml.Unmarshal(data, &dsl); err != nil {
		return Spec{}, fmt.Errorf("core: parsing spec DSL: %w", err)
	}
	if dsl.Tenant == "" {
		return Spec{}, fmt.Errorf("core: spec DSL missing tenant")
	}

	wallTime, err := time.ParseDuration(dsl.Limits.WallTime)
	if err != nil && dsl.Limits.WallTime != "" {
		return Spec{}, fmt.Errorf("core: spec DSL invalid wall_time %q: %w", dsl.Limits.WallTime, err)
	}

	slaClass := SLAClass(dsl.SLAClass)
	switch slaClass {
	case SLAFast, SLANormal, SLAThorough:
	case "":
		slaClass = SLANormal
	default:
		return Spec{}, fmt.Errorf("core: spec DSL invalid sla_class %q", dsl.SLAClass)
	}

	return Spec{
		Tenant:      dsl.Tenant,
		Source:      dsl.Description,
		ReviewRequired: dsl.ReviewRequired,
		SLAClass:    slaClass,
		KPIGuards:   dsl.KPIGuards,
		AcceptanceCriteria: dsl.Criteria,
		Limits: Limits{
			MaxIters:     dsl.Limits.MaxIters,
			TokenBudget:  dsl.Limits.TokenBudget,
			CostLimitUSD: dsl.Limits.CostLimitUSD,
			WallTime:     wallTime,
		},
	}, nil
}
