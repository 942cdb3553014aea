package evaluator

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/youareridiculous/metabuilder/core"
)

// GoldenSuiteDefinition is the on-disk YAML shape of a golden suite: the
// acceptance criteria and KPI guards a Spec declares, authored once and
// shared across Runs of the same project. Grounded on
// itsneelabh-gomind/orchestration/workflow_engine.go's
// ParseWorkflowYAML/WorkflowDefinition pair, generalized here from a
// step-dependency DAG to a flat list of scoring criteria.
type GoldenSuiteDefinition struct {
	Name      string             `yaml:"name"`
	Version   string             `yaml:"version"`
	Timeout   time.Duration      `yaml:"timeout"`
	Criteria  []CriterionDef     `yaml:"criteria"`
	KPIGuards core.KPIGuards     `yaml:"kpi_guards"`
}

// CriterionDef mirrors core.Criterion with YAML tags; it is decoded into
// core.Criterion once validated rather than aliased directly, so the
// wire format can evolve independently of the in-memory type.
type CriterionDef struct {
	Kind   string  `yaml:"kind"`
	Field  string  `yaml:"field"`
	Arg    string  `yaml:"arg"`
	Weight float64 `yaml:"weight"`
}

var validCriterionKinds = map[string]bool{
	"contains": true, "not_contains": true, "equals": true, "regex": true,
	"file_exists": true, "not_empty": true, "greater_than": true,
	"less_than": true, "http_status": true, "db_invariant": true,
	"ui_smoke": true, "migration_state": true,
}

// ParseGoldenSuiteYAML parses a golden-suite fixture from YAML, validating
// every criterion's kind against the closed set evaluateCriterion
// understands so a malformed fixture fails at load time rather than
// silently scoring every criterion of an unknown kind as failed.
func ParseGoldenSuiteYAML(data []byte) (*GoldenSuiteDefinition, error) {
	var def GoldenSuiteDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("evaluator: parsing golden suite YAML: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("evaluator: golden suite missing name")
	}
	for i, c := range def.Criteria {
		if !validCriterionKinds[c.Kind] {
			return nil, fmt.Errorf("evaluator: criterion %d has unknown kind %q", i, c.Kind)
		}
	}
	return &def, nil
}

// ToCriteria converts the parsed definition into the core.Criterion slice
// Evaluator.Evaluate consumes.
func (d *GoldenSuiteDefinition) ToCriteria() []core.Criterion {
	out := make([]core.Criterion, 0, len(d.Criteria))
	for _, c := range d.Criteria {
		out = append(out, core.Criterion{Kind: c.Kind, Field: c.Field, Arg: c.Arg, Weight: c.Weight})
	}
	return out
}
