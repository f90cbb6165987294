package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/subagent"
	"github.com/relaykit/relay/pkg/kernel"
)

func dispatchJSON(t *testing.T, reg *Registry, tool string, args any) kernel.ConversationItem {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	out, err := reg.Dispatch(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "meta-call"},
		ToolName: tool,
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: raw},
	})
	require.NoError(t, err)
	return out
}

func TestRegisterMetaTools_WaitAttachesToExecCell(t *testing.T) {
	reg := New()
	engine := execengine.New()
	require.NoError(t, RegisterMetaTools(reg, engine, nil, nil, nil))

	_, err := engine.Run(context.Background(), "exec-1", execengine.Params{Command: "echo done"})
	require.NoError(t, err)

	out := dispatchJSON(t, reg, "wait", map[string]any{"call_id": "exec-1"})
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)
	assert.Contains(t, out.OutputText, "done")
}

func TestRegisterMetaTools_WaitUnknownCallIDFails(t *testing.T) {
	reg := New()
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), nil, nil, nil))

	out := dispatchJSON(t, reg, "wait", map[string]any{"call_id": "nope"})
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
	assert.Contains(t, out.OutputText, "nope")
}

func TestRegisterMetaTools_WaitAgentNamespaceRoutesToManager(t *testing.T) {
	reg := New()
	mgr := subagent.NewManager(1)
	defer mgr.Close()
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), mgr, nil, nil))

	agent, err := mgr.Spawn(context.Background(), subagent.SpawnRequest{
		Name: "echoer", Model: "claude", CommandOverride: "echo", Prompt: "hello",
	})
	require.NoError(t, err)

	timeout := int64(5000)
	out := dispatchJSON(t, reg, "wait", map[string]any{
		"call_id":    AgentWaitCallID(agent.ID),
		"timeout_ms": timeout,
	})
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)
}

func TestRegisterMetaTools_KillUnknownCallIDFails(t *testing.T) {
	reg := New()
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), nil, nil, nil))

	out := dispatchJSON(t, reg, "kill", map[string]any{"call_id": "ghost"})
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
}

func TestRegisterMetaTools_GHRunWaitConcludes(t *testing.T) {
	reg := New()
	calls := 0
	poller := func(ctx context.Context, runID string) (execengine.GHRunStatus, error) {
		calls++
		if calls < 2 {
			return execengine.GHRunStatus{StillRunning: true}, nil
		}
		return execengine.GHRunStatus{Conclusion: "success"}, nil
	}
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), nil, poller, nil))

	timeout := int64(time.Second / time.Millisecond)
	out := dispatchJSON(t, reg, "gh_run_wait", map[string]any{"run_id": "run-9", "timeout_ms": timeout})
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)
	assert.Equal(t, "success", out.OutputText)
}

func TestRegisterMetaTools_BridgeDeliversToSink(t *testing.T) {
	reg := New()
	var got []execengine.BridgeMessage
	sink := func(msg execengine.BridgeMessage) error {
		got = append(got, msg)
		return nil
	}
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), nil, nil, sink))

	out := dispatchJSON(t, reg, "bridge", map[string]any{"kind": "status", "payload": map[string]any{"ok": true}})
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)
	require.Len(t, got, 1)
	assert.Equal(t, "status", got[0].Kind)
}

func TestRegisterMetaTools_SchedulingHints(t *testing.T) {
	reg := New()
	require.NoError(t, RegisterMetaTools(reg, execengine.New(), nil, nil, nil))

	assert.True(t, reg.IsParallelSafeFunctionTool("wait"))
	assert.True(t, reg.IsParallelSafeFunctionTool("gh_run_wait"))
	assert.False(t, reg.IsParallelSafeFunctionTool("kill"))
	assert.False(t, reg.IsParallelSafeFunctionTool("bridge"))
}
