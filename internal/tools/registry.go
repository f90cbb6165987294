// Package tools implements the tool registry and router (§4.E): tool
// identity, schema validation, parallel-safety hints, and dispatch to
// handlers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/pkg/kernel"
)

// Concurrency is the scheduling hint for a tool.
type Concurrency string

const (
	Exclusive    Concurrency = "exclusive"
	ParallelSafe Concurrency = "parallel_safe"
)

// DiffImpact tells the scheduler whether a tool mutates the turn's
// working-tree diff.
type DiffImpact string

const (
	DiffNone       DiffImpact = "none"
	DiffWritesTurn DiffImpact = "writes_turn_diff"
)

// Hints are the scheduling hints registered alongside a Handler.
type Hints struct {
	Concurrency Concurrency
	DiffImpact  DiffImpact
	// IsMCP marks a tool as an MCP-namespaced "server.tool" dispatch;
	// MCP tools and dynamic (config-declared) tools are always
	// Exclusive regardless of their declared Concurrency, per §4.F.
	IsMCP bool
	// IsDynamic marks a config-declared tool bridged to a generic
	// handler (see internal/extension).
	IsDynamic bool
}

// IsParallelSafe is true only when both the concurrency class is
// ParallelSafe and the tool has no diff impact, per §4.E. MCP and
// dynamic tools are always excluded, per §4.F's "Dynamic tools and MCP
// tools are always Exclusive" rule.
func (h Hints) IsParallelSafe() bool {
	if h.IsMCP || h.IsDynamic {
		return false
	}
	return h.Concurrency == ParallelSafe && h.DiffImpact == DiffNone
}

// Handler executes one ToolInvocation and returns its output item.
type Handler func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error)

// entry is a registered tool: its schema, hints, and handler.
type entry struct {
	schema   kernel.ToolSchema
	hints    Hints
	handler  Handler
	compiled *jsonschema.Schema
}

// Registry is the tool registry and router described by §4.E. Dynamic
// tools declared by configuration are registered the same way as
// built-ins; MCP tools are registered under their namespaced
// "server.tool" name by internal/mcpmgr.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds (or replaces) a tool. The schema's Parameters are
// compiled eagerly so a malformed schema fails at registration time,
// not at first dispatch.
func (r *Registry) Register(schema kernel.ToolSchema, hints Hints, handler Handler) error {
	compiled, err := compileSchema(schema)
	if err != nil {
		return kernelerr.ToolSchema(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[schema.Name] = &entry{schema: schema, hints: hints, handler: handler, compiled: compiled}
	return nil
}

func compileSchema(schema kernel.ToolSchema) (*jsonschema.Schema, error) {
	if len(schema.Parameters) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	name := schema.Name + ".json"
	if err := c.AddResource(name, strings.NewReader(string(schema.Parameters))); err != nil {
		return nil, fmt.Errorf("tools: adding schema resource for %q: %w", schema.Name, err)
	}
	return c.Compile(name)
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Handler returns the registered handler for name, if any.
func (r *Registry) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.handler, true
}

// HintsFor returns the registered scheduling hints for name. Unknown
// tools default to Exclusive/DiffNone so the scheduler fails closed.
func (r *Registry) HintsFor(name string) Hints {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Hints{Concurrency: Exclusive, DiffImpact: DiffNone}
	}
	return e.hints
}

// IsParallelSafeFunctionTool implements §4.E's
// is_parallel_safe_function_tool(name) -> bool.
func (r *Registry) IsParallelSafeFunctionTool(name string) bool {
	return r.HintsFor(name).IsParallelSafe()
}

// Schemas returns every registered tool's schema, for presenting the
// tool list to the model.
func (r *Registry) Schemas() []kernel.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernel.ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.schema)
	}
	return out
}

// Dispatch validates inv's arguments against the tool's schema (if any)
// and invokes its handler.
func (r *Registry) Dispatch(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
	r.mu.RLock()
	e, ok := r.entries[inv.ToolName]
	r.mu.RUnlock()
	if !ok {
		return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("unknown tool %q", inv.ToolName))
	}

	if e.compiled != nil && inv.Payload.Kind == kernel.PayloadFunction {
		var v any
		if err := json.Unmarshal(inv.Payload.Arguments, &v); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("arguments for %q: %w", inv.ToolName, err))
		}
		if err := e.compiled.Validate(v); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("arguments for %q: %w", inv.ToolName, err))
		}
	}

	return e.handler(ctx, inv)
}
