// Package agent implements the fixed agent catalogue (§4.2): a closed set
// of roles, each a pure function of (inputs, model params), invoked
// through the Execution Substrate and never touching storage directly.
package agent

import (
	"context"

	"github.com/youareridiculous/metabuilder/core"
)

// Input is what the orchestrator hands an agent invocation. Fields beyond
// Digest are role-specific and carried in Payload; the contract in §4.2
// only pins down that (Payload, ModelParams) deterministically produces
// Output — it does not prescribe a payload schema for the core to
// interpret.
type Input struct {
	RunID       string
	Iteration   int
	Role        core.AgentRole
	Digest      string // input_digest: the hash the idempotency key is built from
	Payload     []byte
	ModelParams ModelParams
}

// ModelParams are the resolved dispatch parameters from the Scheduler
// (§4.3).
type ModelParams struct {
	Tier        core.ModelTier
	MaxTokens   int
	Temperature float64
}

// Output is what an agent invocation produces on success.
type Output struct {
	Payload    []byte
	TokensIn   int64
	TokensOut  int64
	CostUSD    float64
	WriteAllowlist []string // files CodegenEngineer/AutoFixer may touch
}

// AgentFailureKind is the closed set of conditions an agent invocation may
// signal (§4.2); the Scheduler maps each to a Failure class.
type AgentFailureKind string

const (
	FailureInvalidInput     AgentFailureKind = "InvalidInput"
	FailureModelUnavailable AgentFailureKind = "ModelUnavailable"
	FailureContextOverflow  AgentFailureKind = "ContextOverflow"
	FailureToolDenied       AgentFailureKind = "ToolDenied"
	FailureTimeout          AgentFailureKind = "Timeout"
	FailureInternal         AgentFailureKind = "Internal"
)

// AgentError wraps an AgentFailureKind so callers can classify without
// string matching.
type AgentError struct {
	Kind AgentFailureKind
	Err  error
}

func (e *AgentError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *AgentError) Unwrap() error { return e.Err }

// ToFailureClass maps an agent-signaled failure kind to the Failure
// taxonomy of §7.
func ToFailureClass(kind AgentFailureKind) core.FailureClass {
	switch kind {
	case FailureInvalidInput:
		return core.FailureUnknown // InvalidInput fails the Run immediately, never retried (§7) — see orchestrator handling
	case FailureModelUnavailable:
		return core.FailureInfra
	case FailureContextOverflow:
		return core.FailureRuntime
	case FailureToolDenied:
		return core.FailurePolicy
	case FailureTimeout:
		return core.FailureTransient
	default:
		return core.FailureUnknown
	}
}

// LLMProvider is the external collaborator every llm-queue agent calls
// through (§6). The core never implements this; callers wire in a
// concrete provider (Bedrock, OpenAI, Anthropic, ...).
type LLMProvider interface {
	Complete(ctx context.Context, model string, prompt string, maxTokens int, temperature float64) (text string, tokensIn, tokensOut int64, costUSD float64, err error)
}

// ToolKernel is the external collaborator for tool invocation (§6).
type ToolKernel interface {
	Invoke(ctx context.Context, toolName string, args map[string]string, policy ToolPolicy) (output []byte, denied bool, err error)
}

// ToolPolicy carries allowlists for a tool invocation.
type ToolPolicy struct {
	AllowedHTTPDomains []string
	AllowedFilePaths   []string
}

// Agent is the common interface every catalogue role implements (Design
// Notes §9: "a common trait/interface {queue_class, run(input) ->
// AgentOutput}. No string lookup at the hot path").
type Agent interface {
	Role() core.AgentRole
	QueueClass() core.QueueClass
	Run(ctx context.Context, in Input) (Output, error)
}
