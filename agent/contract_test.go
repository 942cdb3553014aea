package agent

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/youareridiculous/metabuilder/core"
)

func TestAgentError_ErrorAndUnwrap(t *testing.T) {
	wrapped := errors.New("boom")
	e := &AgentError{Kind: FailureTimeout, Err: wrapped}

	assert.Equal(t, "Timeout: boom", e.Error())
	assert.ErrorIs(t, e, wrapped)
}

func TestToFailureClass_MapsEveryKnownKind(t *testing.T) {
	tests := []struct {
		kind AgentFailureKind
		want core.FailureClass
	}{
		{FailureInvalidInput, core.FailureUnknown},
		{FailureModelUnavailable, core.FailureInfra},
		{FailureContextOverflow, core.FailureRuntime},
		{FailureToolDenied, core.FailurePolicy},
		{FailureTimeout, core.FailureTransient},
		{FailureInternal, core.FailureUnknown},
		{AgentFailureKind("Ghost"), core.FailureUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToFailureClass(tt.kind), "kind=%s", tt.kind)
	}
}
