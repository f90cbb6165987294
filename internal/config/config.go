// Package config implements the kernel's configuration boundary.
// spec §6.5 describes a TOML on-disk surface, but §1 lists
// configuration loading as an external collaborator specified by
// interface only — so this package exposes the Config struct and a
// Loader interface, and ships one reference Loader (YAML, following
// the teacher's own configuration convention) for tests and the CLI.
// A deployment that needs the TOML shape supplies its own Loader.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/relay/internal/sandbox"
	"github.com/relaykit/relay/pkg/kernel"
)

// MCPServer mirrors internal/mcpmgr.ServerConfig in a YAML-friendly
// shape so a config file can declare MCP servers without importing
// mcpmgr from this package (which would pull internal/tools in too).
type MCPServer struct {
	Name             string            `yaml:"name"`
	Command          string            `yaml:"command"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	BearerToken      string            `yaml:"bearer_token,omitempty"`
	DisabledTools    []string          `yaml:"disabled_tools,omitempty"`
	ToolTimeoutSec   int               `yaml:"tool_timeout_sec,omitempty"`
	RequiresApproval bool              `yaml:"requires_approval,omitempty"`
}

// Config is the kernel's resolved configuration: everything a
// session.Config needs that isn't wired up in code at process start.
type Config struct {
	Model            string                `yaml:"model"`
	BaseInstructions string                `yaml:"base_instructions,omitempty"`
	ReasoningEffort  string                `yaml:"reasoning_effort,omitempty"`
	Verbosity        string                `yaml:"verbosity,omitempty"`
	MaxOutputTokens  int                   `yaml:"max_output_tokens,omitempty"`
	ApprovalPolicy   kernel.ApprovalPolicy `yaml:"approval_policy,omitempty"`

	Sandbox SandboxConfig `yaml:"sandbox,omitempty"`

	AutoReview        bool `yaml:"auto_review,omitempty"`
	AutoResolve       bool `yaml:"auto_resolve,omitempty"`
	AutoResolveMaxTry int  `yaml:"auto_resolve_max_attempts,omitempty"`

	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`

	DynamicTools []DynamicTool `yaml:"dynamic_tools,omitempty"`

	Logging LoggingConfig `yaml:"logging,omitempty"`

	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// ObservabilityConfig configures the OTLP trace exporter; turn/tool/
// approval metrics are always collected in-process regardless.
type ObservabilityConfig struct {
	OTELEndpoint string `yaml:"otel_endpoint,omitempty"`
	OTELInsecure bool   `yaml:"otel_insecure,omitempty"`
}

// DynamicTool declares a config-provided tool backed by an
// out-of-process plugin binary, dispatched through the generic bridge
// handler. Schema is the tool's JSON Schema for its arguments; an
// empty schema accepts any object.
type DynamicTool struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args,omitempty"`
	Schema      string   `yaml:"schema,omitempty"`
}

// LoggingConfig mirrors observability.LogConfig's YAML surface.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// SandboxConfig is the YAML-friendly mirror of sandbox.Policy.
type SandboxConfig struct {
	Mode              string   `yaml:"mode"`
	WritableRoots     []string `yaml:"writable_roots,omitempty"`
	AllowGit          bool     `yaml:"allow_git,omitempty"`
	AllowCDP          bool     `yaml:"allow_cdp,omitempty"`
	ReadOnlyAllowlist []string `yaml:"read_only_allowlist,omitempty"`
	NetworkAllowlist  []string `yaml:"network_allowlist,omitempty"`
}

// Resolve converts the YAML-shaped SandboxConfig into sandbox.Policy.
func (s SandboxConfig) Resolve() sandbox.Policy {
	return sandbox.Policy{
		Mode: sandbox.Mode(s.Mode),
		Workspace: sandbox.WorkspaceWriteOptions{
			WritableRoots: s.WritableRoots,
			AllowGit:      s.AllowGit,
			AllowCDP:      s.AllowCDP,
		},
		ReadOnlyAllowlist: s.ReadOnlyAllowlist,
		NetworkAllowlist:  s.NetworkAllowlist,
	}
}

func defaults() Config {
	return Config{
		Model:          "gpt-5-codex",
		ApprovalPolicy: kernel.ApprovalOnRequest,
		Sandbox:        SandboxConfig{Mode: string(sandbox.WorkspaceWrite)},
	}
}

// Loader produces a Config. The kernel only ever depends on this
// interface, never on a specific file format or source.
type Loader interface {
	Load() (Config, error)
}

// YAMLFile is the reference Loader: it reads path (or returns the
// defaults if path is empty) and unmarshals it as YAML, following the
// teacher's own configuration convention.
type YAMLFile struct {
	Path string
}

func (f YAMLFile) Load() (Config, error) {
	cfg := defaults()
	if f.Path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", f.Path, err)
	}
	return cfg, nil
}

var _ Loader = YAMLFile{}
