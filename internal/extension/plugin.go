// Package extension implements the out-of-process dynamic-tool bridge
// named in §4.E: "Dynamic tools declared by configuration are
// dispatched to a single generic handler that bridges to the host
// application." Each dynamic tool is backed by a child process speaking
// hashicorp/go-plugin's net/rpc transport, grounded on the
// kadirpekel-hector stack's GRPCLoader (plugins/grpc/loader.go) but
// using go-plugin's simpler net/rpc plugin kind instead of generated
// gRPC stubs — a dynamic tool's call shape (json-in, json-out) has no
// protobuf contract worth generating.
package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"

	hclog "github.com/hashicorp/go-hclog"
	plugin "github.com/hashicorp/go-plugin"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// handshakeConfig is shared by every dynamic-tool plugin binary and
// this host so a mismatched plugin protocol version fails fast instead
// of connecting to an incompatible process.
var handshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "RELAY_DYNAMIC_TOOL_PLUGIN",
	MagicCookieValue: "relay-kernel-dynamic-tool",
}

// ToolRPC is the interface a dynamic-tool plugin binary implements.
// Call receives the raw JSON arguments the model supplied and returns
// raw JSON output text.
type ToolRPC interface {
	Call(args json.RawMessage) (json.RawMessage, error)
}

// ToolPlugin adapts ToolRPC to hashicorp/go-plugin's net/rpc Plugin
// interface. Impl is set on the plugin-binary side; it is nil on the
// host side, which only ever calls Client.
type ToolPlugin struct {
	Impl ToolRPC
}

func (p *ToolPlugin) Server(*plugin.MuxBroker) (any, error) {
	return &toolRPCServer{impl: p.Impl}, nil
}

func (p *ToolPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (any, error) {
	return &toolRPCClient{client: c}, nil
}

// toolRPCServer is registered as a net/rpc service on the plugin-binary
// side.
type toolRPCServer struct {
	impl ToolRPC
}

type CallArgs struct {
	Args json.RawMessage
}

type CallReply struct {
	Output json.RawMessage
}

func (s *toolRPCServer) Call(args CallArgs, reply *CallReply) error {
	out, err := s.impl.Call(args.Args)
	if err != nil {
		return err
	}
	reply.Output = out
	return nil
}

// toolRPCClient is the host-side stub that forwards Call over net/rpc.
type toolRPCClient struct {
	client *rpc.Client
}

func (c *toolRPCClient) Call(args json.RawMessage) (json.RawMessage, error) {
	var reply CallReply
	if err := c.client.Call("Plugin.Call", CallArgs{Args: args}, &reply); err != nil {
		return nil, fmt.Errorf("extension: plugin RPC call: %w", err)
	}
	return reply.Output, nil
}

// Handle owns one launched plugin process.
type Handle struct {
	client *plugin.Client
	tool   ToolRPC
}

// Launch starts cmdPath as a child process and dispenses its "tool"
// plugin, matching the kadirpekel-hector GRPCLoader.Load shape
// (ClientConfig -> Client() -> Dispense) but over net/rpc.
func Launch(cmdPath string, args []string) (*Handle, error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  handshakeConfig,
		Plugins:          map[string]plugin.Plugin{"tool": &ToolPlugin{}},
		Cmd:              exec.Command(cmdPath, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           hclog.NewNullLogger(),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("extension: connecting to plugin %s: %w", cmdPath, err)
	}

	raw, err := rpcClient.Dispense("tool")
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("extension: dispensing plugin %s: %w", cmdPath, err)
	}

	tool, ok := raw.(ToolRPC)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("extension: plugin %s does not implement ToolRPC", cmdPath)
	}

	return &Handle{client: client, tool: tool}, nil
}

// Close terminates the plugin process.
func (h *Handle) Close() {
	h.client.Kill()
}

// Handler adapts h into a tools.Handler for registration as a dynamic
// tool (Hints.IsDynamic = true, always Exclusive per §4.F).
func (h *Handle) Handler() tools.Handler {
	return func(_ context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		out, err := h.tool.Call(inv.Payload.Arguments)
		if err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("dynamic tool %s: %w", inv.ToolName, err))
		}
		success := true
		return kernel.ConversationItem{
			Type:       kernel.ItemFunctionCallOutput,
			CallID:     inv.Ctx.CallID,
			OutputText: string(out),
			Success:    &success,
		}, nil
	}
}
