// Package mcpmgr implements the MCP Connection Manager (§4.I): it
// spawns a configured set of MCP servers as stdio subprocesses, speaks
// line-delimited JSON-RPC 2.0 to each, caches their tool listings into
// a Snapshot, and registers every discovered tool into
// internal/tools.Registry under a "server.tool" namespaced name so the
// scheduler treats each call as Exclusive/IsMCP (§4.F).
//
// The wire codec (request/response framing, id correlation) is
// hand-rolled rather than pulled from github.com/mark3labs/mcp-go:
// that module's client is built around its own transport/session
// types and a net/rpc-shaped handler registration that would have to
// be unwound to plug into Registry's Handler/Hints shape, and its
// request/response structs are what inform this package's mirrored
// field layout. Reimplementing the dozen-line JSON-RPC frame costs
// less than adapting around a client not designed for this tool-router
// boundary.
package mcpmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/pkg/kernel"
)

// ServerConfig describes one configured MCP server launch.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string

	// BearerToken, when set, is exported to the server process as
	// MCP_BEARER_TOKEN and reported as AuthBearerToken.
	BearerToken string
	// OAuthState carries an in-flight OAuth flow's opaque state; its
	// presence reports AuthOAuth.
	OAuthState string

	// DisabledTools lists advertised tools whose calls are refused
	// with a structured failure instead of being dispatched.
	DisabledTools []string

	// ToolTimeoutSec bounds every initialize/tools-list/tools-call
	// round trip against this server; 0 uses defaultToolTimeout.
	ToolTimeoutSec int

	// RequiresApproval gates the server's first call of a session
	// behind the approval coordinator; once a call succeeds the server
	// joins the per-session accessed set and is not re-prompted.
	RequiresApproval bool
}

// AuthKind discriminates a server's §4.I auth status.
type AuthKind string

const (
	AuthUnsupported AuthKind = "unsupported"
	AuthBearerToken AuthKind = "bearer_token"
	AuthOAuth       AuthKind = "oauth"
)

// AuthStatus is one server's auth state as reported by Statuses.
type AuthStatus struct {
	Kind       AuthKind
	OAuthState string // set only when Kind is AuthOAuth
}

// AuthStatus derives the server's auth status from its configuration.
func (sc ServerConfig) AuthStatus() AuthStatus {
	switch {
	case sc.OAuthState != "":
		return AuthStatus{Kind: AuthOAuth, OAuthState: sc.OAuthState}
	case sc.BearerToken != "":
		return AuthStatus{Kind: AuthBearerToken}
	default:
		return AuthStatus{Kind: AuthUnsupported}
	}
}

// defaultToolTimeout applies when ToolTimeoutSec is unset: every MCP
// call carries an explicit timeout (§5), configured or not.
const defaultToolTimeout = 60 * time.Second

func (sc ServerConfig) toolTimeout() time.Duration {
	if sc.ToolTimeoutSec > 0 {
		return time.Duration(sc.ToolTimeoutSec) * time.Second
	}
	return defaultToolTimeout
}

func (sc ServerConfig) disabled(tool string) bool {
	for _, d := range sc.DisabledTools {
		if d == tool {
			return true
		}
	}
	return false
}

// ToolDescriptor is one tool an MCP server advertised via tools/list.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// rpcRequest/rpcResponse mirror the JSON-RPC 2.0 envelope MCP's stdio
// transport uses, one object per newline.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Transport is the duplex byte stream a Connection speaks JSON-RPC
// frames over — an *exec.Cmd's stdin/stdout pipes in production, an
// in-memory pipe in tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Dialer starts cfg's server and returns the transport to speak to it.
// The default dials a real subprocess; tests substitute a fake.
type Dialer func(ctx context.Context, cfg ServerConfig) (Transport, error)

// processTransport wraps an *exec.Cmd's stdio pipes as a Transport,
// closing the process down when Close is called.
type processTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *processTransport) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processTransport) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *processTransport) Close() error {
	p.stdin.Close()
	p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// DialProcess is the default Dialer: it launches cfg.Command under the
// current environment overlaid with cfg.Env, matching the HOME/API-key
// overlay convention internal/execengine.BuildEnv follows for exec
// tool calls.
func DialProcess(ctx context.Context, cfg ServerConfig) (Transport, error) {
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: stdin pipe for %q: %w", cfg.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: stdout pipe for %q: %w", cfg.Name, err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcpmgr: starting %q: %w", cfg.Name, err)
	}
	return &processTransport{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// Connection owns one MCP server's transport, correlating requests to
// responses by id over a background read loop.
type Connection struct {
	name      string
	transport Transport
	nextID    int64

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	closed  bool

	logger *slog.Logger
}

func newConnection(name string, t Transport, logger *slog.Logger) *Connection {
	c := &Connection{name: name, transport: t, pending: make(map[int64]chan rpcResponse), logger: logger}
	go c.readLoop()
	return c
}

func (c *Connection) readLoop() {
	scanner := bufio.NewScanner(c.transport)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("mcpmgr: malformed frame", "server", c.name, "error", err)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// call sends method/params and blocks for the matching response, or
// until ctx is cancelled.
func (c *Connection) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: encoding %s request: %w", method, err)
	}

	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpmgr: connection %q closed", c.name)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if _, err := c.transport.Write(append(body, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpmgr: writing %s request to %q: %w", method, c.name, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcpmgr: connection %q closed mid-request", c.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcpmgr: %s on %q: %s", method, c.name, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize performs the MCP handshake.
func (c *Connection) Initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "relay", "version": "0"},
		"capabilities":    map[string]any{},
	})
	return err
}

// ListTools performs tools/list.
func (c *Connection) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("mcpmgr: decoding tools/list from %q: %w", c.name, err)
	}
	return payload.Tools, nil
}

// CallTool performs tools/call and returns the raw MCP result payload.
func (c *Connection) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	var decoded any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &decoded); err != nil {
			return nil, kernelerr.ToolSchema(fmt.Errorf("mcpmgr: arguments for %s.%s: %w", c.name, tool, err))
		}
	}
	return c.call(ctx, "tools/call", map[string]any{"name": tool, "arguments": decoded})
}

func (c *Connection) Close() error {
	return c.transport.Close()
}

// Snapshot is the cached, namespaced tool listing across every
// connected server, refreshed on (re)connect — grounded on
// code-rs/core/src/mcp_snapshot.rs's listing cache.
type Snapshot struct {
	mu    sync.RWMutex
	tools map[string]ToolDescriptor // keyed by "server.tool"
}

func newSnapshot() *Snapshot {
	return &Snapshot{tools: make(map[string]ToolDescriptor)}
}

func (s *Snapshot) set(server string, tools []ToolDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tools {
		s.tools[server+"."+t.Name] = t
	}
}

// Tools returns every namespaced tool name currently known.
func (s *Snapshot) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	return out
}

// Manager owns one Connection per configured MCP server and keeps the
// registry's MCP-namespaced tools in sync with each server's listing.
type Manager struct {
	cfg      []ServerConfig
	dialer   Dialer
	registry *tools.Registry
	logger   *slog.Logger

	approvals *approval.Coordinator

	mu          sync.Mutex
	connections map[string]*Connection // keyed by lowercased server name
	snapshot    *Snapshot
	failures    map[string]string // keyed by lowercased server name
	// accessed is the per-session acquisition set (§4.I): servers that
	// require approval join it after their first successful call and
	// are not re-prompted for the rest of the session.
	accessed map[string]bool

	// deps maps a skill name to the server names it requires, per
	// code-rs/core/src/mcp/skill_dependencies.rs's skill-scoped
	// dependency resolution.
	deps map[string][]string
}

// Config configures Manager.Start.
type Config struct {
	Servers []ServerConfig
	Dialer  Dialer // nil uses DialProcess
	Logger  *slog.Logger
	// Approvals gates RequiresApproval servers' first call of the
	// session; nil means those servers are dispatched without a prompt.
	Approvals *approval.Coordinator
	// SkillDependencies maps a skill name to the MCP server names its
	// tools depend on.
	SkillDependencies map[string][]string
}

func New(registry *tools.Registry, cfg Config) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = DialProcess
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg.Servers,
		dialer:      cfg.Dialer,
		registry:    registry,
		logger:      cfg.Logger.With("component", "mcpmgr"),
		approvals:   cfg.Approvals,
		connections: make(map[string]*Connection),
		snapshot:    newSnapshot(),
		failures:    make(map[string]string),
		accessed:    make(map[string]bool),
		deps:        cfg.SkillDependencies,
	}
}

// Start dials every configured server, initializes it, lists its
// tools, and registers each as "server.tool" in the Registry. A single
// server failing to connect is logged and skipped rather than failing
// the whole manager, so one misconfigured server doesn't take every
// other MCP tool down with it — its failure is recorded for
// mcpServerStatus/list (§6.1, scenario S6) instead.
func (m *Manager) Start(ctx context.Context) error {
	var firstErr error
	for _, sc := range m.cfg {
		key := strings.ToLower(sc.Name)
		if err := m.connect(ctx, sc); err != nil {
			m.logger.Error("mcpmgr: server failed to start", "server", sc.Name, "error", err)
			m.mu.Lock()
			m.failures[key] = sanitizeFailure(err)
			m.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		} else {
			m.mu.Lock()
			delete(m.failures, key)
			m.mu.Unlock()
		}
	}
	return firstErr
}

// sanitizeFailure collapses a connect error to a single-line message
// safe to surface to a client, per §6.1 scenario S6's "a sanitized
// single-line message".
func sanitizeFailure(err error) string {
	msg := err.Error()
	if i := indexNewline(msg); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

func indexNewline(s string) int {
	for i, c := range s {
		if c == '\n' {
			return i
		}
	}
	return -1
}

// ServerStatus is one server's reported state for mcpServerStatus/list.
type ServerStatus struct {
	Name     string
	Enabled  bool
	Failure  string // empty on success
	Tools    []string
	Auth     AuthStatus
	Accessed bool // per-session acquisition set membership (§4.I)
}

// Statuses reports every configured server's connection state, backing
// the JSON-RPC "mcpServerStatus/list" method (§6.1, scenario S6).
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.cfg))
	for _, sc := range m.cfg {
		key := strings.ToLower(sc.Name)
		st := ServerStatus{Name: sc.Name, Enabled: true, Auth: sc.AuthStatus(), Accessed: m.accessed[key]}
		if failure, ok := m.failures[key]; ok {
			st.Failure = failure
		} else if _, connected := m.connections[key]; connected {
			for _, t := range m.snapshot.Tools() {
				if hasServerPrefix(t, sc.Name) {
					st.Tools = append(st.Tools, t)
				}
			}
		}
		out = append(out, st)
	}
	return out
}

func hasServerPrefix(toolName, server string) bool {
	return len(toolName) > len(server)+1 && toolName[:len(server)] == server && toolName[len(server)] == '.'
}

func (m *Manager) connect(ctx context.Context, sc ServerConfig) error {
	if sc.BearerToken != "" {
		env := make(map[string]string, len(sc.Env)+1)
		for k, v := range sc.Env {
			env[k] = v
		}
		env["MCP_BEARER_TOKEN"] = sc.BearerToken
		sc.Env = env
	}

	transport, err := m.dialer(ctx, sc)
	if err != nil {
		return kernelerr.MCPServer(sc.Name, "dialing: "+sanitizeFailure(err), kernelerr.PhaseStart)
	}
	conn := newConnection(sc.Name, transport, m.logger)

	initCtx, cancel := context.WithTimeout(ctx, sc.toolTimeout())
	err = conn.Initialize(initCtx)
	cancel()
	if err != nil {
		conn.Close()
		return kernelerr.MCPServer(sc.Name, "initializing: "+sanitizeFailure(err), kernelerr.PhaseStart)
	}

	listCtx, cancel := context.WithTimeout(ctx, sc.toolTimeout())
	descs, err := conn.ListTools(listCtx)
	cancel()
	if err != nil {
		conn.Close()
		return kernelerr.MCPServer(sc.Name, "listing tools: "+sanitizeFailure(err), kernelerr.PhaseListTools)
	}

	key := strings.ToLower(sc.Name)
	m.mu.Lock()
	if old, ok := m.connections[key]; ok {
		old.Close()
	}
	m.connections[key] = conn
	m.mu.Unlock()

	m.snapshot.set(sc.Name, descs)
	for _, d := range descs {
		m.registerTool(sc, d)
	}
	return nil
}

// refusal reifies a policy-level refusal (unknown server, disabled
// tool, denied acquisition) as a failed tool output so the model sees
// a structured failure instead of the session erroring.
func refusal(callID kernel.CallId, reason string) kernel.ConversationItem {
	success := false
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     callID,
		OutputText: reason,
		Success:    &success,
	}
}

func (m *Manager) hasAccessed(server string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessed[server]
}

func (m *Manager) markAccessed(server string) {
	m.mu.Lock()
	m.accessed[server] = true
	m.mu.Unlock()
}

func (m *Manager) registerTool(sc ServerConfig, d ToolDescriptor) {
	name := sc.Name + "." + d.Name
	server := strings.ToLower(sc.Name)
	schema := kernel.ToolSchema{Name: name, Description: d.Description, Parameters: d.InputSchema}
	hints := tools.Hints{Concurrency: tools.Exclusive, DiffImpact: tools.DiffWritesTurn, IsMCP: true}
	handler := func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		m.mu.Lock()
		conn, ok := m.connections[server]
		m.mu.Unlock()
		if !ok {
			return refusal(inv.Ctx.CallID, fmt.Sprintf("unknown or disconnected MCP server %q", server)), nil
		}
		if sc.disabled(d.Name) {
			return refusal(inv.Ctx.CallID, fmt.Sprintf("tool %q is disabled by configuration on server %q", d.Name, server)), nil
		}
		if sc.RequiresApproval && m.approvals != nil && !m.hasAccessed(server) {
			decision, err := m.approvals.RequestCommandApproval(ctx, string(inv.Ctx.TurnID), approval.Request{
				CallID:  string(inv.Ctx.CallID),
				Kind:    approval.KindExec,
				Command: []string{"mcp", server, d.Name},
				Reason:  fmt.Sprintf("first use of MCP server %q this session", server),
			})
			if err != nil || (decision != approval.Approved && decision != approval.ApprovedForSession) {
				return refusal(inv.Ctx.CallID, "Cancelled by user."), nil
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, sc.toolTimeout())
		raw, err := conn.CallTool(callCtx, d.Name, inv.Payload.RawArgs)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return kernel.ConversationItem{}, kernelerr.MCPServer(server, fmt.Sprintf("%s timed out after %s", d.Name, sc.toolTimeout()), kernelerr.PhaseInvoke)
			}
			return kernel.ConversationItem{}, err
		}
		m.markAccessed(server)
		success := true
		return kernel.ConversationItem{
			Type:       kernel.ItemFunctionCallOutput,
			CallID:     inv.Ctx.CallID,
			OutputText: string(raw),
			Success:    &success,
		}, nil
	}
	if err := m.registry.Register(schema, hints, handler); err != nil {
		m.logger.Error("mcpmgr: registering tool", "tool", name, "error", err)
	}
}

// RequiredServers returns the MCP server names skill depends on, per
// the skill-scoped dependency resolution supplementing §4.I.
func (m *Manager) RequiredServers(skill string) []string {
	return m.deps[skill]
}

// Snapshot returns the manager's cached tool listing.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot
}

// Reconnect tears down and re-dials a single named server, refreshing
// its tool listing — used when a server's connection is observed dead
// (e.g. a CallTool returning a closed-connection error).
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	var sc ServerConfig
	found := false
	for _, s := range m.cfg {
		if s.Name == name {
			sc, found = s, true
			break
		}
	}
	if !found {
		return fmt.Errorf("mcpmgr: unknown server %q", name)
	}
	err := m.connect(ctx, sc)
	key := strings.ToLower(sc.Name)
	m.mu.Lock()
	if err != nil {
		m.failures[key] = sanitizeFailure(err)
	} else {
		delete(m.failures, key)
	}
	m.mu.Unlock()
	return err
}

// Shutdown closes every connection.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, conn := range m.connections {
		if err := conn.Close(); err != nil {
			m.logger.Debug("mcpmgr: close", "server", name, "error", err)
		}
	}
}
