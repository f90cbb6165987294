package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/subagent"
	"github.com/relaykit/relay/pkg/kernel"
)

const waitSchema = `{
  "type": "object",
  "properties": {
    "call_id": {"type": "string"},
    "timeout_ms": {"type": "integer"}
  },
  "required": ["call_id"]
}`

const killSchema = `{
  "type": "object",
  "properties": {
    "call_id": {"type": "string"}
  },
  "required": ["call_id"]
}`

const ghRunWaitSchema = `{
  "type": "object",
  "properties": {
    "run_id": {"type": "string"},
    "timeout_ms": {"type": "integer"}
  },
  "required": ["run_id"]
}`

const bridgeSchema = `{
  "type": "object",
  "properties": {
    "kind": {"type": "string"},
    "payload": {}
  },
  "required": ["kind"]
}`

// RegisterMetaTools wires §4.G's meta-tools: `wait` and `kill` attach
// to a running exec cell (or, for an `agent:`-namespaced call id, a
// sub-agent), `gh_run_wait` polls a CI run, and `bridge` passes a
// structured message to the host. agents may be nil when no sub-agent
// manager is configured; poller and sink may be nil, in which case
// gh_run_wait fails cleanly and bridge is a no-op.
func RegisterMetaTools(reg *Registry, engine *execengine.Engine, agents *subagent.Manager, poller execengine.GHRunPoller, sink execengine.BridgeSink) error {
	entries := []struct {
		schema  kernel.ToolSchema
		hints   Hints
		handler Handler
	}{
		{
			kernel.ToolSchema{Name: "wait", Description: "Wait for a running command or sub-agent to finish.", Parameters: json.RawMessage(waitSchema)},
			Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone},
			waitHandler(engine, agents),
		},
		{
			kernel.ToolSchema{Name: "kill", Description: "Terminate a running command.", Parameters: json.RawMessage(killSchema)},
			Hints{Concurrency: Exclusive, DiffImpact: DiffNone},
			killHandler(engine),
		},
		{
			kernel.ToolSchema{Name: "gh_run_wait", Description: "Poll a CI run by id until it concludes.", Parameters: json.RawMessage(ghRunWaitSchema)},
			Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone},
			ghRunWaitHandler(poller),
		},
		{
			kernel.ToolSchema{Name: "bridge", Description: "Send a structured message to the host application.", Parameters: json.RawMessage(bridgeSchema)},
			Hints{Concurrency: Exclusive, DiffImpact: DiffNone},
			bridgeHandler(sink),
		},
	}
	for _, e := range entries {
		if err := reg.Register(e.schema, e.hints, e.handler); err != nil {
			return fmt.Errorf("tools: registering %s: %w", e.schema.Name, err)
		}
	}
	return nil
}

func output(callID kernel.CallId, text string, success bool) kernel.ConversationItem {
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     callID,
		OutputText: text,
		Success:    &success,
	}
}

// waitHandler resolves the call-id namespace first: an `agent:` prefix
// routes to the sub-agent table, anything else to the exec cell table.
func waitHandler(engine *execengine.Engine, agents *subagent.Manager) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			CallID    string `json:"call_id"`
			TimeoutMS *int64 `json:"timeout_ms"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("wait arguments: %w", err))
		}
		var timeout time.Duration
		if params.TimeoutMS != nil {
			timeout = time.Duration(*params.TimeoutMS) * time.Millisecond
		}

		if IsAgentWaitCallID(params.CallID) {
			if agents == nil {
				return output(inv.Ctx.CallID, "no sub-agent manager configured", false), nil
			}
			agent, done := agents.Wait(ctx, StripAgentWaitPrefix(params.CallID), timeout)
			if agent == nil {
				return output(inv.Ctx.CallID, fmt.Sprintf("no sub-agent with id %q", StripAgentWaitPrefix(params.CallID)), false), nil
			}
			if !done {
				return output(inv.Ctx.CallID, "still running", true), nil
			}
			snap := agent.Snapshot()
			if snap.Error != "" {
				return output(inv.Ctx.CallID, snap.Error, false), nil
			}
			return output(inv.Ctx.CallID, snap.Result, true), nil
		}

		if _, found := engine.Cell(params.CallID); !found {
			return output(inv.Ctx.CallID, fmt.Sprintf("no exec cell for call id %q", params.CallID), false), nil
		}
		status, result, done := engine.Wait(ctx, params.CallID, timeout)
		if !done {
			return output(inv.Ctx.CallID, "still running", true), nil
		}
		text := result.Stdout + result.Stderr
		return output(inv.Ctx.CallID, text, status == execengine.StatusExited && result.ExitCode == 0), nil
	}
}

func killHandler(engine *execengine.Engine) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("kill arguments: %w", err))
		}
		if err := engine.Kill(params.CallID); err != nil {
			return output(inv.Ctx.CallID, err.Error(), false), nil
		}
		return output(inv.Ctx.CallID, "killed", true), nil
	}
}

func ghRunWaitHandler(poller execengine.GHRunPoller) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			RunID     string `json:"run_id"`
			TimeoutMS *int64 `json:"timeout_ms"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("gh_run_wait arguments: %w", err))
		}
		if poller == nil {
			return output(inv.Ctx.CallID, "no CI poller configured", false), nil
		}
		var timeout time.Duration
		if params.TimeoutMS != nil {
			timeout = time.Duration(*params.TimeoutMS) * time.Millisecond
		}
		// Poll at a tenth of the timeout so short waits don't sleep
		// through their own deadline, capped at the 5s default.
		var interval time.Duration
		if timeout > 0 {
			interval = timeout / 10
		}
		if interval <= 0 || interval > 5*time.Second {
			interval = 5 * time.Second
		}
		status, err := execengine.GHRunWait(ctx, params.RunID, poller, timeout, interval)
		if err != nil {
			return output(inv.Ctx.CallID, err.Error(), false), nil
		}
		if status.StillRunning {
			return output(inv.Ctx.CallID, "still running", true), nil
		}
		return output(inv.Ctx.CallID, status.Conclusion, status.Conclusion == "success"), nil
	}
}

func bridgeHandler(sink execengine.BridgeSink) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			Kind    string `json:"kind"`
			Payload any    `json:"payload"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("bridge arguments: %w", err))
		}
		if err := execengine.Bridge(sink, execengine.BridgeMessage{Kind: params.Kind, Payload: params.Payload}); err != nil {
			return output(inv.Ctx.CallID, err.Error(), false), nil
		}
		return output(inv.Ctx.CallID, "delivered", true), nil
	}
}
