// Package subagent implements the sub-agent manager (§4.J): family
// resolution, argument assembly, and the lifecycle table for external
// assistant CLIs (or a second invocation of the current binary) spawned
// to work a task in the background.
//
// Grounded on code-rs/core/src/agent_tool/exec/runner/model_exec's
// family/argv rules (original_source supplement) for resolveProgram and
// buildArgs, and on internal/tools/subagent/spawn.go's Manager shape
// (map + RWMutex + atomic active count + announcer callback) reworked
// from an in-process runtime.Process call into an external-process
// spawn using internal/execengine's environment overlay and
// terminate-with-grace idiom.
package subagent

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	safeexec "github.com/relaykit/relay/internal/exec"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// Family discriminates the argument-assembly and resolution rules a
// sub-agent's command follows.
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyQwen    Family = "qwen"
	FamilyCodex   Family = "codex"
	FamilyCode    Family = "code"
	FamilyCloud   Family = "cloud"
	FamilyCoder   Family = "coder"
	FamilyUnknown Family = ""
)

// hostFamilies are resolved against the currently running executable
// rather than $PATH when no explicit command override is given.
func (f Family) isHost() bool {
	switch f {
	case FamilyCode, FamilyCodex, FamilyCloud, FamilyCoder:
		return true
	default:
		return false
	}
}

// promptFlagFamilies attach "-p <prompt>" rather than the host's
// "-c key=value" config override flags.
func (f Family) usesPromptFlag() bool {
	switch f {
	case FamilyClaude, FamilyGemini, FamilyQwen:
		return true
	default:
		return false
	}
}

// ResolveFamily maps a model/backend slug to its Family, defaulting to
// FamilyUnknown (treated the same as a host family's "no mode flags"
// fallback: just append the prompt) for anything unrecognized.
func ResolveFamily(slug string) Family {
	switch strings.ToLower(strings.TrimSpace(slug)) {
	case "claude":
		return FamilyClaude
	case "gemini":
		return FamilyGemini
	case "qwen":
		return FamilyQwen
	case "codex":
		return FamilyCodex
	case "code":
		return FamilyCode
	case "cloud":
		return FamilyCloud
	case "coder":
		return FamilyCoder
	default:
		return FamilyUnknown
	}
}

// selfExecEnv overrides which binary a host-family sub-agent execs,
// for builds where os.Executable points somewhere unexpected (test
// harnesses, wrapper scripts).
const selfExecEnv = "CODE_BINARY_PATH"

// debugEnv force-enables the --debug flag for host-family sub-agents.
const debugEnv = "CODE_SUBAGENT_DEBUG"

// ResolveProgram decides what to exec: the current binary's own path
// (or the CODE_BINARY_PATH override) for a host family with no
// override, or a $PATH lookup (PATHEXT included on Windows via
// exec.LookPath's platform handling) otherwise. A missing command
// returns a *kernelerr.KernelError with platform-appropriate
// remediation hints, per §4.J.
func ResolveProgram(family Family, commandOverride string) (string, error) {
	if commandOverride == "" && family.isHost() {
		if v := os.Getenv(selfExecEnv); v != "" {
			return v, nil
		}
		exe, err := os.Executable()
		if err != nil {
			return "", kernelerr.ToolSchema(err)
		}
		return exe, nil
	}

	command := commandOverride
	if command == "" {
		command = string(family)
	}
	if command == "" {
		return "", kernelerr.ToolSchema(agentNotFoundError("sub-agent", command))
	}

	// Command overrides come from config or the model; refuse shell
	// metacharacters and option injection before the PATH lookup.
	command, err := safeexec.SanitizeExecutableValue(command)
	if err != nil {
		return "", kernelerr.ToolSchema(fmt.Errorf("sub-agent command rejected: %w", err))
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return "", kernelerr.ToolSchema(agentNotFoundError(command, command))
	}
	return path, nil
}

func agentNotFoundError(name, command string) error {
	hint := "check if '" + command + "' is installed and on $PATH"
	if isWindows() {
		hint = "check if '" + command + "' is installed and on %PATH%/%PATHEXT%"
	}
	return &agentNotFoundErr{name: name, command: command, hint: hint}
}

type agentNotFoundErr struct {
	name, command, hint string
}

func (e *agentNotFoundErr) Error() string {
	return "agent '" + e.name + "' could not be found (" + e.hint + ")"
}

func isWindows() bool { return os.PathSeparator == '\\' }

// BuildArgs assembles the final argv tail per family, mirroring the
// original's per-family branch: claude/gemini/qwen take a trailing
// "-p <prompt>"; codex/code/cloud take "-c model_reasoning_effort=...",
// "-c auto_drive.model_reasoning_effort=..." then the bare prompt;
// anything else just appends the prompt. debugSubagent prepends
// "--debug" only when the family resolves to the host binary.
func BuildArgs(family Family, prompt string, effort modelclient.ReasoningEffort, debugSubagent bool) []string {
	var args []string

	switch {
	case family.usesPromptFlag():
		args = append(args, "-p", prompt)
	case family.isHost():
		args = append(args,
			"-c", "model_reasoning_effort="+string(effort),
			"-c", "auto_drive.model_reasoning_effort="+string(effort),
			prompt,
		)
	default:
		args = append(args, prompt)
	}

	if debugSubagent && family.isHost() {
		args = append([]string{"--debug"}, args...)
	}
	return args
}

// SpawnRequest describes one sub-agent invocation.
type SpawnRequest struct {
	Name            string
	Model           string
	CommandOverride string
	Prompt          string
	ReasoningEffort modelclient.ReasoningEffort
	DebugSubagent   bool
	BatchID         string
	Env             map[string]string
	CWD             string
}

func (r SpawnRequest) family() Family { return ResolveFamily(r.Model) }

// toStatus maps an internal lifecycle label to the kernel's wire enum.
func toStatus(label string) kernel.SubAgentStatus {
	switch label {
	case "running":
		return kernel.SubAgentRunning
	case "completed":
		return kernel.SubAgentCompleted
	case "failed":
		return kernel.SubAgentFailed
	case "cancelled":
		return kernel.SubAgentCancelled
	default:
		return kernel.SubAgentPending
	}
}
