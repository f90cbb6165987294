package mcpmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// pipeTransport is an in-memory Transport: writes go out over w, reads
// come in over r.
type pipeTransport struct {
	r io.Reader
	w io.Writer
}

func (p pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeTransport) Close() error                { return nil }

// runFakeServer drains reqR for JSON-RPC requests and replies on
// respW, simulating a single-tool MCP server ("echo").
func runFakeServer(reqR io.Reader, respW io.Writer) {
	scanner := bufio.NewScanner(reqR)
	go func() {
		for scanner.Scan() {
			var req rpcRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			var result any
			switch req.Method {
			case "initialize":
				result = map[string]any{"protocolVersion": "2024-11-05"}
			case "tools/list":
				result = map[string]any{"tools": []ToolDescriptor{{Name: "echo", Description: "echoes input"}}}
			case "tools/call":
				result = map[string]any{"content": []map[string]string{{"type": "text", "text": "echoed"}}}
			}
			raw, _ := json.Marshal(result)
			resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw}
			body, _ := json.Marshal(resp)
			respW.Write(append(body, '\n'))
		}
	}()
}

func fakeDialer(ctx context.Context, cfg ServerConfig) (Transport, error) {
	clientReadR, serverWriteW := io.Pipe()
	serverReadR, clientWriteW := io.Pipe()
	runFakeServer(serverReadR, serverWriteW)
	return pipeTransport{r: clientReadR, w: clientWriteW}, nil
}

func TestManager_Start_RegistersNamespacedTool(t *testing.T) {
	reg := tools.New()
	m := New(reg, Config{
		Servers: []ServerConfig{{Name: "search", Command: "unused"}},
		Dialer:  fakeDialer,
	})

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))

	assert.Contains(t, m.Snapshot().Tools(), "search.echo")

	hints := reg.HintsFor("search.echo")
	assert.True(t, hints.IsMCP)
	assert.False(t, hints.IsParallelSafe())

	handler, ok := reg.Handler("search.echo")
	require.True(t, ok)

	out, err := handler(ctx, kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1"},
		ToolName: "search.echo",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadMCP, Server: "search", Tool: "echo", RawArgs: json.RawMessage(`{"q":"hi"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, kernel.ItemFunctionCallOutput, out.Type)
	assert.Contains(t, out.OutputText, "echoed")
}

func TestManager_Start_UnknownServerDoesNotFailOthers(t *testing.T) {
	reg := tools.New()
	calls := 0
	dialer := func(ctx context.Context, cfg ServerConfig) (Transport, error) {
		calls++
		if cfg.Name == "broken" {
			return nil, assertError{}
		}
		return fakeDialer(ctx, cfg)
	}
	m := New(reg, Config{
		Servers: []ServerConfig{{Name: "broken"}, {Name: "search"}},
		Dialer:  dialer,
	})

	err := m.Start(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, m.Snapshot().Tools(), "search.echo")
}

func TestManager_DisabledToolReturnsStructuredRefusal(t *testing.T) {
	reg := tools.New()
	m := New(reg, Config{
		Servers: []ServerConfig{{Name: "search", Command: "unused", DisabledTools: []string{"echo"}}},
		Dialer:  fakeDialer,
	})
	require.NoError(t, m.Start(context.Background()))

	handler, ok := reg.Handler("search.echo")
	require.True(t, ok)
	out, err := handler(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1"},
		ToolName: "search.echo",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadMCP, Server: "search", Tool: "echo"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
	assert.Contains(t, out.OutputText, "disabled")
}

func TestManager_LowercasedServerLookup(t *testing.T) {
	reg := tools.New()
	m := New(reg, Config{
		Servers: []ServerConfig{{Name: "Search", Command: "unused"}},
		Dialer:  fakeDialer,
	})
	require.NoError(t, m.Start(context.Background()))

	// The registered tool keeps the configured spelling; the connection
	// table is keyed lowercased so the call still routes.
	handler, ok := reg.Handler("Search.echo")
	require.True(t, ok)
	out, err := handler(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1"},
		ToolName: "Search.echo",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadMCP, Server: "Search", Tool: "echo"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.OutputText, "echoed")
}

func TestManager_AccessedSetMarkedAfterFirstSuccessfulCall(t *testing.T) {
	reg := tools.New()
	m := New(reg, Config{
		Servers: []ServerConfig{{Name: "search", Command: "unused", RequiresApproval: true}},
		Dialer:  fakeDialer,
		// No coordinator wired: acquisition is not prompted, but the
		// accessed set still tracks the first successful call.
	})
	require.NoError(t, m.Start(context.Background()))

	sts := m.Statuses()
	require.Len(t, sts, 1)
	assert.False(t, sts[0].Accessed)

	handler, _ := reg.Handler("search.echo")
	_, err := handler(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1"},
		ToolName: "search.echo",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadMCP, Server: "search", Tool: "echo"},
	})
	require.NoError(t, err)

	sts = m.Statuses()
	assert.True(t, sts[0].Accessed)
}

func TestManager_RequiresApprovalDeniedRefusesCall(t *testing.T) {
	reg := tools.New()
	approvals := approval.New(nil)
	approvals.SetOnRequest(func(r approval.Request) {
		go func() { _ = approvals.Resolve(r.ID, approval.Denied) }()
	})
	m := New(reg, Config{
		Servers:   []ServerConfig{{Name: "search", Command: "unused", RequiresApproval: true}},
		Dialer:    fakeDialer,
		Approvals: approvals,
	})
	require.NoError(t, m.Start(context.Background()))

	handler, _ := reg.Handler("search.echo")
	out, err := handler(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1", TurnID: "turn-1"},
		ToolName: "search.echo",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadMCP, Server: "search", Tool: "echo"},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
	assert.Equal(t, "Cancelled by user.", out.OutputText)

	// A denied acquisition never joins the accessed set.
	assert.False(t, m.Statuses()[0].Accessed)
}

func TestServerConfig_AuthStatus(t *testing.T) {
	assert.Equal(t, AuthUnsupported, ServerConfig{}.AuthStatus().Kind)
	assert.Equal(t, AuthBearerToken, ServerConfig{BearerToken: "tok"}.AuthStatus().Kind)
	st := ServerConfig{OAuthState: "pending-code"}.AuthStatus()
	assert.Equal(t, AuthOAuth, st.Kind)
	assert.Equal(t, "pending-code", st.OAuthState)
}

func TestServerConfig_ToolTimeoutDefaults(t *testing.T) {
	assert.Equal(t, defaultToolTimeout, ServerConfig{}.toolTimeout())
	assert.Equal(t, 5*time.Second, ServerConfig{ToolTimeoutSec: 5}.toolTimeout())
}

func TestManager_RequiredServers(t *testing.T) {
	reg := tools.New()
	m := New(reg, Config{
		SkillDependencies: map[string][]string{"research": {"search", "fetch"}},
	})
	assert.Equal(t, []string{"search", "fetch"}, m.RequiredServers("research"))
	assert.Nil(t, m.RequiredServers("unknown"))
}

type assertError struct{}

func (assertError) Error() string { return "dial failed" }
