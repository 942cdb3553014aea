package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/youareridiculous/metabuilder/core"
)

// Catalog holds one constructed Agent per fixed role. Grounded on
// itsneelabh-gomind/orchestration/catalog.go's capability registry,
// collapsed here from an open string-keyed map to the closed enum
// Design Notes §9 requires: Catalog.For does a switch over the closed
// core.AgentRole type, not a map lookup keyed by an arbitrary string.
type Catalog struct {
	architect  *ProductArchitect
	designer   *SystemDesigner
	security   *SecurityCompliance
	codegen    *CodegenEngineer
	evaluator  *QAEvaluatorAgent
	autofixer  *AutoFixer
	devops     *DevOps
	reviewer   *Reviewer
}

// NewCatalog wires every role to the shared LLM/tool collaborators.
func NewCatalog(llm LLMProvider, tools ToolKernel, logger core.Logger) *Catalog {
	return &Catalog{
		architect: &ProductArchitect{llm: llm, logger: logger},
		designer:  &SystemDesigner{llm: llm, logger: logger},
		security:  &SecurityCompliance{tools: tools, logger: logger},
		codegen:   &CodegenEngineer{llm: llm, logger: logger},
		evaluator: &QAEvaluatorAgent{tools: tools, logger: logger},
		autofixer: &AutoFixer{llm: llm, logger: logger},
		devops:    &DevOps{tools: tools, logger: logger},
		reviewer:  &Reviewer{tools: tools, logger: logger},
	}
}

// For returns the Agent implementing role. No dynamic string lookup — a
// fixed switch over the closed AgentRole enum.
func (c *Catalog) For(role core.AgentRole) (Agent, error) {
	switch role {
	case core.RoleProductArchitect:
		return c.architect, nil
	case core.RoleSystemDesigner:
		return c.designer, nil
	case core.RoleSecurityCompliance:
		return c.security, nil
	case core.RoleCodegenEngineer:
		return c.codegen, nil
	case core.RoleQAEvaluator:
		return c.evaluator, nil
	case core.RoleAutoFixer:
		return c.autofixer, nil
	case core.RoleDevOps:
		return c.devops, nil
	case core.RoleReviewer:
		return c.reviewer, nil
	default:
		return nil, fmt.Errorf("agent: unknown role %q", role)
	}
}

// RoleOrder is the fixed within-iteration ordering of §5: "Architect →
// Designer → Security → Codegen → Evaluator"; AutoFixer/DevOps/Reviewer
// are interleaved per the repair ladder rather than appearing here.
var RoleOrder = []core.AgentRole{
	core.RoleProductArchitect,
	core.RoleSystemDesigner,
	core.RoleSecurityCompliance,
	core.RoleCodegenEngineer,
	core.RoleQAEvaluator,
}

// ProductArchitect turns Spec.source into a Structured Spec (§4.2 table).
type ProductArchitect struct {
	llm    LLMProvider
	logger core.Logger
}

func (a *ProductArchitect) Role() core.AgentRole          { return core.RoleProductArchitect }
func (a *ProductArchitect) QueueClass() core.QueueClass   { return core.QueueLLM }
func (a *ProductArchitect) Run(ctx context.Context, in Input) (Output, error) {
	return runLLM(ctx, a.llm, in, "Decompose this specification into structured entities, workflows, and acceptance criteria:\n\n")
}

// SystemDesigner turns a Structured Spec into a ScaffoldPlan (§4.2 table).
type SystemDesigner struct {
	llm    LLMProvider
	logger core.Logger
}

func (a *SystemDesigner) Role() core.AgentRole        { return core.RoleSystemDesigner }
func (a *SystemDesigner) QueueClass() core.QueueClass { return core.QueueLLM }
func (a *SystemDesigner) Run(ctx context.Context, in Input) (Output, error) {
	return runLLM(ctx, a.llm, in, "Produce a scaffold plan (modules, dependencies, risks) for:\n\n")
}

// SecurityCompliance annotates a ScaffoldPlan with policy findings and
// approval demands (§4.2 table). Runs on the cpu queue — it is a static
// policy check over the plan, not an LLM call.
type SecurityCompliance struct {
	tools  ToolKernel
	logger core.Logger
}

func (a *SecurityCompliance) Role() core.AgentRole        { return core.RoleSecurityCompliance }
func (a *SecurityCompliance) QueueClass() core.QueueClass { return core.QueueCPU }
func (a *SecurityCompliance) Run(ctx context.Context, in Input) (Output, error) {
	// A real implementation would run SAST/policy rules against the plan
	// payload via the tool kernel; this core exercises the contract
	// (pure function of input, annotation-only output) without owning a
	// rule engine, which is out of scope per §1.
	annotated := append([]byte("policy_clean:"), in.Payload...)
	return Output{Payload: annotated}, nil
}

// CodegenEngineer turns a Plan + workspace digest into a unified diff
// (§4.2 table).
type CodegenEngineer struct {
	llm    LLMProvider
	logger core.Logger
}

func (a *CodegenEngineer) Role() core.AgentRole        { return core.RoleCodegenEngineer }
func (a *CodegenEngineer) QueueClass() core.QueueClass { return core.QueueLLM }
func (a *CodegenEngineer) Run(ctx context.Context, in Input) (Output, error) {
	return runLLM(ctx, a.llm, in, "Emit a unified diff and file allowlist implementing:\n\n")
}

// QAEvaluatorAgent scores a Diff against the golden suite (§4.2 table).
// The scoring logic itself lives in evaluator.Evaluator; this agent is the
// catalogue-facing adapter the orchestrator dispatches as a Step.
type QAEvaluatorAgent struct {
	tools  ToolKernel
	logger core.Logger
}

func (a *QAEvaluatorAgent) Role() core.AgentRole        { return core.RoleQAEvaluator }
func (a *QAEvaluatorAgent) QueueClass() core.QueueClass { return core.QueueCPU }
func (a *QAEvaluatorAgent) Run(ctx context.Context, in Input) (Output, error) {
	return Output{Payload: in.Payload}, nil
}

// AutoFixer produces a constrained patch diff from an EvalReport + failure
// class (§4.2 table, §4.4 Patch phase).
type AutoFixer struct {
	llm    LLMProvider
	logger core.Logger
}

func (a *AutoFixer) Role() core.AgentRole        { return core.RoleAutoFixer }
func (a *AutoFixer) QueueClass() core.QueueClass { return core.QueueLLM }
func (a *AutoFixer) Run(ctx context.Context, in Input) (Output, error) {
	return runLLM(ctx, a.llm, in, "Produce a minimal constrained patch fixing only the reported failures:\n\n")
}

// DevOps produces migration plan, env template, CI block from the final
// diff (§4.2 table).
type DevOps struct {
	tools  ToolKernel
	logger core.Logger
}

func (a *DevOps) Role() core.AgentRole        { return core.RoleDevOps }
func (a *DevOps) QueueClass() core.QueueClass { return core.QueueCPU }
func (a *DevOps) Run(ctx context.Context, in Input) (Output, error) {
	return Output{Payload: in.Payload}, nil
}

// Reviewer assembles the PR-body artifact and risk summary from everything
// upstream (§4.2 table).
type Reviewer struct {
	tools  ToolKernel
	logger core.Logger
}

func (a *Reviewer) Role() core.AgentRole        { return core.RoleReviewer }
func (a *Reviewer) QueueClass() core.QueueClass { return core.QueueCPU }
func (a *Reviewer) Run(ctx context.Context, in Input) (Output, error) {
	return Output{Payload: in.Payload}, nil
}

func runLLM(ctx context.Context, llm LLMProvider, in Input, promptPrefix string) (Output, error) {
	if llm == nil {
		return Output{}, &AgentError{Kind: FailureModelUnavailable, Err: fmt.Errorf("no llm provider configured")}
	}
	model := modelForTier(in.ModelParams.Tier)
	text, tokensIn, tokensOut, cost, err := llm.Complete(ctx, model, promptPrefix+string(in.Payload), in.ModelParams.MaxTokens, in.ModelParams.Temperature)
	if err != nil {
		return Output{}, &AgentError{Kind: FailureModelUnavailable, Err: err}
	}
	return Output{Payload: []byte(text), TokensIn: tokensIn, TokensOut: tokensOut, CostUSD: cost}, nil
}

func modelForTier(tier core.ModelTier) string {
	switch tier {
	case core.TierSmall:
		return "small"
	case core.TierLarge:
		return "large"
	default:
		return "medium"
	}
}

// planSchema is the declared JSON Schema for a ScaffoldPlan payload, used
// by ValidatePlanPayload. No schema is declared for EvalReport or other
// role outputs.
var planSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"modules": {"type": "array"},
		"dependencies": {"type": "array"},
		"risks": {"type": "array"}
	}
}`)

func mustCompileSchema(src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan.json", mustUnmarshalSchema(src)); err != nil {
		panic(err)
	}
	s, err := c.Compile("plan.json")
	if err != nil {
		panic(err)
	}
	return s
}

func mustUnmarshalSchema(src string) interface{} {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	return v
}

// ValidatePlanPayload checks a ScaffoldPlan-shaped JSON payload against
// planSchema, returning a FailureKind-classifiable error on mismatch.
func ValidatePlanPayload(payload []byte) error {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return &AgentError{Kind: FailureInvalidInput, Err: err}
	}
	if err := planSchema.Validate(v); err != nil {
		return &AgentError{Kind: FailureInvalidInput, Err: err}
	}
	return nil
}
