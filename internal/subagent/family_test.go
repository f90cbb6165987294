package subagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/modelclient"
)

func TestResolveFamily(t *testing.T) {
	assert.Equal(t, FamilyClaude, ResolveFamily("Claude"))
	assert.Equal(t, FamilyGemini, ResolveFamily("gemini"))
	assert.Equal(t, FamilyCodex, ResolveFamily("codex"))
	assert.Equal(t, FamilyUnknown, ResolveFamily("mystery-model"))
}

func TestBuildArgs_PromptFlagFamilies(t *testing.T) {
	args := BuildArgs(FamilyClaude, "do the thing", "", false)
	assert.Equal(t, []string{"-p", "do the thing"}, args)
}

func TestBuildArgs_HostFamilyAttachesEffortAndPrompt(t *testing.T) {
	args := BuildArgs(FamilyCodex, "do the thing", modelclient.EffortHigh, false)
	assert.Equal(t, []string{
		"-c", "model_reasoning_effort=high",
		"-c", "auto_drive.model_reasoning_effort=high",
		"do the thing",
	}, args)
}

func TestBuildArgs_DebugPrependedOnlyForHostFamily(t *testing.T) {
	hostArgs := BuildArgs(FamilyCode, "p", modelclient.EffortLow, true)
	require.Equal(t, "--debug", hostArgs[0])

	nonHostArgs := BuildArgs(FamilyGemini, "p", modelclient.EffortLow, true)
	assert.NotContains(t, nonHostArgs, "--debug")
}

func TestBuildArgs_UnknownFamilyJustAppendsPrompt(t *testing.T) {
	args := BuildArgs(FamilyUnknown, "just the prompt", "", false)
	assert.Equal(t, []string{"just the prompt"}, args)
}

func TestResolveProgram_PathLookupFailureIsActionable(t *testing.T) {
	_, err := ResolveProgram(FamilyGemini, "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definitely-not-a-real-binary-xyz")
}

func TestResolveProgram_HostFamilyUsesCurrentExecutable(t *testing.T) {
	exe, err := ResolveProgram(FamilyCode, "")
	require.NoError(t, err)
	assert.NotEmpty(t, exe)
}

func TestResolveProgram_RejectsShellMetacharacters(t *testing.T) {
	_, err := ResolveProgram(FamilyGemini, "gemini; rm -rf /")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestResolveProgram_RejectsOptionInjection(t *testing.T) {
	_, err := ResolveProgram(FamilyGemini, "--version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestResolveProgram_BinaryPathEnvOverridesSelf(t *testing.T) {
	t.Setenv(selfExecEnv, "/opt/kernel/kerneld")
	exe, err := ResolveProgram(FamilyCode, "")
	require.NoError(t, err)
	assert.Equal(t, "/opt/kernel/kerneld", exe)
}

func TestResolveProgram_ExplicitOverrideSkipsHostResolution(t *testing.T) {
	path, err := ResolveProgram(FamilyCode, "sh")
	require.NoError(t, err)
	assert.Contains(t, path, "sh")
}
