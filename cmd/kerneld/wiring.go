package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/config"
	safeexec "github.com/relaykit/relay/internal/exec"
	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/extension"
	"github.com/relaykit/relay/internal/mcpmgr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/internal/observability"
	"github.com/relaykit/relay/internal/provider"
	"github.com/relaykit/relay/internal/review"
	"github.com/relaykit/relay/internal/session"
	"github.com/relaykit/relay/internal/subagent"
	"github.com/relaykit/relay/internal/tools"
	"github.com/relaykit/relay/internal/tools/browser"
	"github.com/relaykit/relay/pkg/kernel"
)

// builtSession bundles the pieces a run loop needs beyond *session.Session
// itself: the approval coordinator is already reachable via
// sess.Approvals(), but the MCP manager and browser pool need their own
// Shutdown/Close on the way out.
type builtSession struct {
	sess          *session.Session
	mcp           *mcpmgr.Manager
	pool          *browser.Pool
	agents        *subagent.Manager
	plugins       []*extension.Handle
	traceShutdown func(context.Context) error
}

func (b *builtSession) Close() {
	if b.mcp != nil {
		b.mcp.Shutdown()
	}
	if b.pool != nil {
		_ = b.pool.Close()
	}
	if b.agents != nil {
		b.agents.Close()
	}
	for _, p := range b.plugins {
		p.Close()
	}
	if b.traceShutdown != nil {
		_ = b.traceShutdown(context.Background())
	}
}

// buildSession wires a Session per §4.K's Config from the YAML config
// boundary (internal/config), a provider selected from environment
// credentials, the tool registry (builtins + MCP + optional browser
// automation), and the auto-review controller when the config enables
// it — mirroring how cmd/nexus/main.go's command handlers construct
// one agent.Runtime per invocation rather than a long-lived daemon.
func buildSession(opts *rootOpts, cwd string) (*builtSession, error) {
	cfg, err := config.YAMLFile{Path: opts.configPath}.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	logger := obs.Slog()
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()
	var traceShutdown func(context.Context) error
	if cfg.Observability.OTELEndpoint != "" {
		// NewTracer installs the global provider, which is where the
		// session's per-turn and the scheduler's per-tool-call spans
		// come from.
		_, traceShutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "kerneld",
			ServiceVersion: version,
			Endpoint:       cfg.Observability.OTELEndpoint,
			EnableInsecure: cfg.Observability.OTELInsecure,
		})
	}

	client, err := selectProvider(cfg.Model)
	if err != nil {
		return nil, err
	}

	policy := cfg.Sandbox.Resolve()
	engine := execengine.New()

	// approvals is built here, ahead of the Session it will eventually
	// belong to, because the builtin tool handlers need a live
	// Coordinator to call RequestCommandApproval against (§4.C step 1);
	// session.New wires its real onRequest forwarding callback onto
	// this same instance rather than constructing a second one.
	approvals := approval.New(nil)

	registry := tools.New()
	if err := tools.RegisterBuiltins(registry, engine, cwd, &policy, approvals); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	agents := subagent.NewManager(0)
	if err := tools.RegisterMetaTools(registry, engine, agents, nil, nil); err != nil {
		return nil, fmt.Errorf("registering meta tools: %w", err)
	}
	if err := tools.RegisterAgentTools(registry, agents, cwd); err != nil {
		return nil, fmt.Errorf("registering agent tools: %w", err)
	}

	// Config-declared dynamic tools: each is a plugin child process
	// behind the generic bridge handler, always Exclusive per §4.F. A
	// plugin that fails to launch is skipped with a warning rather than
	// failing the whole session, matching the MCP manager's tolerance
	// for a bad server.
	var plugins []*extension.Handle
	for _, dt := range cfg.DynamicTools {
		args, err := safeexec.SanitizeArguments(dt.Args)
		if err != nil {
			logger.Warn("kerneld: dynamic tool has unsafe args", "tool", dt.Name, "error", err)
			continue
		}
		handle, err := extension.Launch(dt.Command, args)
		if err != nil {
			logger.Warn("kerneld: dynamic tool unavailable", "tool", dt.Name, "error", err)
			continue
		}
		schema := json.RawMessage(dt.Schema)
		if dt.Schema == "" {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		if err := registry.Register(
			kernel.ToolSchema{Name: dt.Name, Description: dt.Description, Parameters: schema},
			tools.Hints{Concurrency: tools.Exclusive, DiffImpact: tools.DiffNone, IsDynamic: true},
			handle.Handler(),
		); err != nil {
			handle.Close()
			return nil, fmt.Errorf("registering dynamic tool %s: %w", dt.Name, err)
		}
		plugins = append(plugins, handle)
	}

	var pool *browser.Pool
	if policy.Workspace.AllowCDP {
		pool, err = browser.NewPool(browser.PoolConfig{})
		if err != nil {
			logger.Warn("kerneld: browser automation unavailable", "error", err)
		} else if err := browser.Register(registry, pool); err != nil {
			return nil, fmt.Errorf("registering browser tools: %w", err)
		}
	}

	var mgr *mcpmgr.Manager
	if len(cfg.MCPServers) > 0 {
		servers := make([]mcpmgr.ServerConfig, len(cfg.MCPServers))
		for i, s := range cfg.MCPServers {
			servers[i] = mcpmgr.ServerConfig{
				Name:             s.Name,
				Command:          s.Command,
				Args:             s.Args,
				Env:              s.Env,
				BearerToken:      s.BearerToken,
				DisabledTools:    s.DisabledTools,
				ToolTimeoutSec:   s.ToolTimeoutSec,
				RequiresApproval: s.RequiresApproval,
			}
		}
		mgr = mcpmgr.New(registry, mcpmgr.Config{Servers: servers, Logger: logger, Approvals: approvals})
	}

	sessCfg := session.Config{
		CWD:              cwd,
		Originator:       "kerneld",
		CLIVersion:       version,
		CodeHome:         codeHome(),
		Model:            cfg.Model,
		BaseInstructions: cfg.BaseInstructions,
		ReasoningEffort:  modelclient.ReasoningEffort(cfg.ReasoningEffort),
		Verbosity:        cfg.Verbosity,
		MaxOutputTokens:  cfg.MaxOutputTokens,
		ApprovalPolicy:   cfg.ApprovalPolicy,
		Policy:           policy,
		Approvals:        approvals,
		Registry:         registry,
		ExecEngine:       engine,
		Client:           client,
		Logger:           logger,
		Metrics:          metrics,
	}
	if opts.maxSeconds > 0 {
		sessCfg.WallClockBudget = time.Duration(opts.maxSeconds) * time.Second
	}

	sess, err := session.New(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}

	// Wired unconditionally: OnReviewComplete's finding synthesis backs
	// the standalone `review` subcommand regardless of cfg.AutoReview,
	// which only gates the OnTaskStarted/OnTaskComplete baseline-capture
	// half of the controller (see review.Controller.OnTaskStarted).
	controller := review.New(sess, review.Config{
		Enabled:     cfg.AutoReview,
		AutoResolve: cfg.AutoResolve,
		MaxAttempts: cfg.AutoResolveMaxTry,
		Logger:      logger,
		CodeHome:    codeHome(),
	})
	sess.SetReviewHook(controller)

	// §4.J completion wake: surface each sub-agent's completion as a
	// background message so a model blocked in agent_wait (or the user)
	// learns about it on the next event drain.
	agents.SetOnComplete(func(agentID string) {
		sess.PostBackground(context.Background(), fmt.Sprintf("Sub-agent %s finished.", agentID))
	})

	return &builtSession{sess: sess, mcp: mgr, pool: pool, agents: agents, plugins: plugins, traceShutdown: traceShutdown}, nil
}

// selectProvider picks a modelclient.Client from whichever provider
// credential is present in the environment, preferring Anthropic (the
// teacher's default channel target), matching §6.4's "provider keys"
// environment surface.
func selectProvider(model string) (modelclient.Client, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return provider.NewAnthropic(provider.AnthropicConfig{APIKey: key})
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return provider.NewOpenAI(provider.OpenAIConfig{APIKey: key})
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return provider.NewGemini(provider.GeminiConfig{APIKey: key, Model: model})
	}
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		return provider.NewGemini(provider.GeminiConfig{APIKey: key, Model: model})
	}
	return nil, fmt.Errorf("no provider credentials found: set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
}
