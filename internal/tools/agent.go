package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/internal/subagent"
	"github.com/relaykit/relay/pkg/kernel"
)

const agentRunSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "model": {"type": "string"},
    "prompt": {"type": "string"},
    "batch_id": {"type": "string"},
    "reasoning_effort": {"type": "string"}
  },
  "required": ["name", "model", "prompt"]
}`

const agentWaitSchema = `{
  "type": "object",
  "properties": {
    "agent_id": {"type": "string"},
    "timeout_ms": {"type": "integer"}
  },
  "required": ["agent_id"]
}`

const agentCancelSchema = `{
  "type": "object",
  "properties": {
    "batch_id": {"type": "string"}
  },
  "required": ["batch_id"]
}`

const agentListSchema = `{
  "type": "object",
  "properties": {
    "batch_id": {"type": "string"}
  }
}`

// RegisterAgentTools wires §4.J's sub-agent surface as the `agent_*`
// function tools: `agent_run` spawns, `agent_wait` blocks on one
// agent's completion, `agent_cancel` tears down a batch, and
// `agent_list` snapshots the table. All are Exclusive — each mutates
// or observes the shared agent table mid-turn, and their UI ordering
// should follow emission order.
func RegisterAgentTools(reg *Registry, mgr *subagent.Manager, cwd string) error {
	entries := []struct {
		schema  kernel.ToolSchema
		handler Handler
	}{
		{
			kernel.ToolSchema{Name: "agent_run", Description: "Launch a sub-agent to work a scoped task in the background.", Parameters: json.RawMessage(agentRunSchema)},
			agentRunHandler(mgr, cwd),
		},
		{
			kernel.ToolSchema{Name: "agent_wait", Description: "Wait for a sub-agent to finish and return its output.", Parameters: json.RawMessage(agentWaitSchema)},
			agentWaitHandler(mgr),
		},
		{
			kernel.ToolSchema{Name: "agent_cancel", Description: "Cancel every sub-agent in a batch.", Parameters: json.RawMessage(agentCancelSchema)},
			agentCancelHandler(mgr),
		},
		{
			kernel.ToolSchema{Name: "agent_list", Description: "List sub-agents and their statuses.", Parameters: json.RawMessage(agentListSchema)},
			agentListHandler(mgr),
		},
	}
	for _, e := range entries {
		if err := reg.Register(e.schema, Hints{Concurrency: Exclusive, DiffImpact: DiffNone}, e.handler); err != nil {
			return fmt.Errorf("tools: registering %s: %w", e.schema.Name, err)
		}
	}
	return nil
}

func agentRunHandler(mgr *subagent.Manager, cwd string) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			Name            string `json:"name"`
			Model           string `json:"model"`
			Prompt          string `json:"prompt"`
			BatchID         string `json:"batch_id"`
			ReasoningEffort string `json:"reasoning_effort"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("agent_run arguments: %w", err))
		}
		agent, err := mgr.Spawn(ctx, subagent.SpawnRequest{
			Name:            params.Name,
			Model:           params.Model,
			Prompt:          params.Prompt,
			BatchID:         params.BatchID,
			ReasoningEffort: modelclient.ReasoningEffort(params.ReasoningEffort),
			CWD:             cwd,
		})
		if err != nil {
			return output(inv.Ctx.CallID, err.Error(), false), nil
		}
		// The wait id is namespaced so the shared `wait` tool can route
		// it to the agent table instead of the exec cell table.
		return output(inv.Ctx.CallID, fmt.Sprintf("launched agent %s (wait id %s)", agent.ID, AgentWaitCallID(agent.ID)), true), nil
	}
}

func agentWaitHandler(mgr *subagent.Manager) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			AgentID   string `json:"agent_id"`
			TimeoutMS *int64 `json:"timeout_ms"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("agent_wait arguments: %w", err))
		}
		var timeout time.Duration
		if params.TimeoutMS != nil {
			timeout = time.Duration(*params.TimeoutMS) * time.Millisecond
		}
		id := StripAgentWaitPrefix(params.AgentID)
		agent, done := mgr.Wait(ctx, id, timeout)
		if agent == nil {
			return output(inv.Ctx.CallID, fmt.Sprintf("no sub-agent with id %q", id), false), nil
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
}

func agentCancelHandler(mgr *subagent.Manager) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			BatchID string `json:"batch_id"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("agent_cancel arguments: %w", err))
		}
		n := mgr.CancelBatch(params.BatchID)
		return output(inv.Ctx.CallID, fmt.Sprintf("cancelled %d agent(s)", n), true), nil
	}
}

func agentListHandler(mgr *subagent.Manager) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params struct {
			BatchID string `json:"batch_id"`
		}
		if len(inv.Payload.Arguments) > 0 {
			if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
				return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("agent_list arguments: %w", err))
			}
		}
		var snaps []kernel.SubAgent
		for _, a := range mgr.List(params.BatchID) {
			snaps = append(snaps, a.Snapshot())
		}
		data, err := json.Marshal(snaps)
		if err != nil {
			return output(inv.Ctx.CallID, err.Error(), false), nil
		}
		return output(inv.Ctx.CallID, string(data), true), nil
	}
}
