package kernelerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_TerminalClassification(t *testing.T) {
	terminal := []Kind{
		KindStream, KindUnexpectedStatus, KindUsageLimitReached,
		KindUsageNotIncluded, KindQuotaExceeded, KindServerOverloaded,
		KindAgentNotFound,
	}
	for _, k := range terminal {
		assert.True(t, k.Terminal(), string(k))
	}

	recoverable := []Kind{
		KindSandboxDenied, KindNetworkBlocked, KindApprovalDenied,
		KindToolSchema, KindMCPServer,
	}
	for _, k := range recoverable {
		assert.False(t, k.Terminal(), string(k))
	}
}

func TestUsageLimitReached_CarriesPlanAndReset(t *testing.T) {
	resets := int64(3600)
	e := UsageLimitReached("plus", &resets)
	assert.Equal(t, "plus", e.PlanType)
	assert.True(t, e.HasResetsInSec)
	assert.Equal(t, int64(3600), e.ResetsInSec)

	bare := UsageLimitReached("pro", nil)
	assert.False(t, bare.HasResetsInSec)
}

func TestApprovalDenied_MatchesSentinel(t *testing.T) {
	assert.True(t, errors.Is(ApprovalDenied(), ErrApprovalDenied))
}

func TestToolSchema_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("bad field")
	e := ToolSchema(cause)
	assert.True(t, errors.Is(e, cause))
	assert.Contains(t, e.Error(), "bad field")
}
