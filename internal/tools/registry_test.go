package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/kernel"
)

func echoHandler(_ context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
	return kernel.ConversationItem{Type: kernel.ItemFunctionCallOutput, CallID: inv.Ctx.CallID, OutputText: "ok"}, nil
}

func TestRegistry_DispatchUnknownToolErrors(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), kernel.ToolInvocation{ToolName: "nope"})
	assert.Error(t, err)
}

func TestRegistry_DispatchValidatesSchema(t *testing.T) {
	r := New()
	schema := kernel.ToolSchema{Name: "read_file", Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)}
	require.NoError(t, r.Register(schema, Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone}, echoHandler))

	_, err := r.Dispatch(context.Background(), kernel.ToolInvocation{
		ToolName: "read_file",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: json.RawMessage(`{}`)},
	})
	assert.Error(t, err, "missing required field should fail schema validation")

	out, err := r.Dispatch(context.Background(), kernel.ToolInvocation{
		ToolName: "read_file",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: json.RawMessage(`{"path":"a.go"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.OutputText)
}

func TestRegistry_IsParallelSafeFunctionTool(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(kernel.ToolSchema{Name: "safe"}, Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone}, echoHandler))
	require.NoError(t, r.Register(kernel.ToolSchema{Name: "writer"}, Hints{Concurrency: ParallelSafe, DiffImpact: DiffWritesTurn}, echoHandler))
	require.NoError(t, r.Register(kernel.ToolSchema{Name: "mcp_tool"}, Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone, IsMCP: true}, echoHandler))

	assert.True(t, r.IsParallelSafeFunctionTool("safe"))
	assert.False(t, r.IsParallelSafeFunctionTool("writer"))
	assert.False(t, r.IsParallelSafeFunctionTool("mcp_tool"))
	assert.False(t, r.IsParallelSafeFunctionTool("unregistered"))
}

func TestWaitCallID_Namespacing(t *testing.T) {
	id := AgentWaitCallID("agent-7")
	assert.True(t, IsAgentWaitCallID(id))
	assert.False(t, IsAgentWaitCallID("exec-call-1"))
	assert.Equal(t, "agent-7", StripAgentWaitPrefix(id))
}
