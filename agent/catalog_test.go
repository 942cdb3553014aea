package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youareridiculous/metabuilder/core"
)

type fakeLLM struct {
	text      string
	tokensIn  int64
	tokensOut int64
	cost      float64
	err       error

	lastModel  string
	lastPrompt string
}

func (f *fakeLLM) Complete(ctx context.Context, model string, prompt string, maxTokens int, temperature float64) (string, int64, int64, float64, error) {
	f.lastModel, f.lastPrompt = model, prompt
	if f.err != nil {
		return "", 0, 0, 0, f.err
	}
	return f.text, f.tokensIn, f.tokensOut, f.cost, nil
}

type fakeTools struct{}

func (fakeTools) Invoke(ctx context.Context, toolName string, args map[string]string, policy ToolPolicy) ([]byte, bool, error) {
	return nil, false, nil
}

func TestCatalog_ForReturnsEveryFixedRole(t *testing.T) {
	c := NewCatalog(&fakeLLM{}, fakeTools{}, core.NoOpLogger{})

	for _, role := range []core.AgentRole{
		core.RoleProductArchitect,
		core.RoleSystemDesigner,
		core.RoleSecurityCompliance,
		core.RoleCodegenEngineer,
		core.RoleQAEvaluator,
		core.RoleAutoFixer,
		core.RoleDevOps,
		core.RoleReviewer,
	} {
		a, err := c.For(role)
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, role, a.Role())
	}
}

func TestCatalog_ForUnknownRoleErrors(t *testing.T) {
	c := NewCatalog(&fakeLLM{}, fakeTools{}, core.NoOpLogger{})
	_, err := c.For(core.AgentRole("GhostRole"))
	assert.Error(t, err)
}

func TestRoleOrder_MatchesFixedIterationSequence(t *testing.T) {
	assert.Equal(t, []core.AgentRole{
		core.RoleProductArchitect,
		core.RoleSystemDesigner,
		core.RoleSecurityCompliance,
		core.RoleCodegenEngineer,
		core.RoleQAEvaluator,
	}, RoleOrder)
}

func TestProductArchitect_RunDelegatesToLLM(t *testing.T) {
	llm := &fakeLLM{text: "structured spec", tokensIn: 10, tokensOut: 20, cost: 0.01}
	a := &ProductArchitect{llm: llm, logger: core.NoOpLogger{}}

	out, err := a.Run(context.Background(), Input{Payload: []byte("raw spec")})
	require.NoError(t, err)
	assert.Equal(t, "structured spec", string(out.Payload))
	assert.Equal(t, int64(10), out.TokensIn)
	assert.Equal(t, int64(20), out.TokensOut)
	assert.Equal(t, 0.01, out.CostUSD)
	assert.Contains(t, llm.lastPrompt, "raw spec")
}

func TestProductArchitect_QueueClassIsLLM(t *testing.T) {
	a := &ProductArchitect{}
	assert.Equal(t, core.QueueLLM, a.QueueClass())
}

func TestCodegenEngineer_RunPropagatesLLMError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("provider down")}
	a := &CodegenEngineer{llm: llm}

	_, err := a.Run(context.Background(), Input{Payload: []byte("plan")})
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, FailureModelUnavailable, agentErr.Kind)
}

func TestRunLLM_NilProviderSignalsModelUnavailable(t *testing.T) {
	_, err := runLLM(context.Background(), nil, Input{}, "prefix:\n")
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, FailureModelUnavailable, agentErr.Kind)
}

func TestModelForTier_MapsAllTiers(t *testing.T) {
	assert.Equal(t, "small", modelForTier(core.TierSmall))
	assert.Equal(t, "large", modelForTier(core.TierLarge))
	assert.Equal(t, "medium", modelForTier(core.ModelTier("unknown")))
}

func TestSecurityCompliance_AnnotatesPayloadWithoutLLM(t *testing.T) {
	a := &SecurityCompliance{tools: fakeTools{}}
	out, err := a.Run(context.Background(), Input{Payload: []byte("plan-body")})
	require.NoError(t, err)
	assert.Equal(t, "policy_clean:plan-body", string(out.Payload))
}

func TestSecurityCompliance_QueueClassIsCPU(t *testing.T) {
	a := &SecurityCompliance{}
	assert.Equal(t, core.QueueCPU, a.QueueClass())
}

func TestQAEvaluatorAgent_PassesPayloadThrough(t *testing.T) {
	a := &QAEvaluatorAgent{}
	out, err := a.Run(context.Background(), Input{Payload: []byte("diff+report")})
	require.NoError(t, err)
	assert.Equal(t, "diff+report", string(out.Payload))
}

func TestValidatePlanPayload_AcceptsWellFormedPlan(t *testing.T) {
	err := ValidatePlanPayload([]byte(`{"modules": ["a"], "dependencies": [], "risks": []}`))
	assert.NoError(t, err)
}

func TestValidatePlanPayload_RejectsMalformedJSON(t *testing.T) {
	err := ValidatePlanPayload([]byte(`not json`))
	require.Error(t, err)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, FailureInvalidInput, agentErr.Kind)
}
