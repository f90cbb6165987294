package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/patch"
	"github.com/relaykit/relay/internal/sandbox"
	"github.com/relaykit/relay/pkg/kernel"
)

// diffTrackerKey is the context key runToolPhase's DiffTracker is
// stashed under so applyPatchHandler can record into the turn-global
// (or per-parallel-call) tracker scheduler.Executor.run hands it,
// without the tools package depending on the scheduler package.
type diffTrackerKey struct{}

// WithDiffTracker attaches t to ctx for the duration of one tool
// dispatch. Handlers that mutate files (currently only apply_patch)
// read it back via diffTrackerFromContext.
func WithDiffTracker(ctx context.Context, t patch.DiffTracker) context.Context {
	return context.WithValue(ctx, diffTrackerKey{}, t)
}

func diffTrackerFromContext(ctx context.Context) patch.DiffTracker {
	t, _ := ctx.Value(diffTrackerKey{}).(patch.DiffTracker)
	return t
}

const shellSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "array", "items": {"type": "string"}},
    "cwd": {"type": "string"},
    "timeout_ms": {"type": "integer"},
    "with_escalated_permissions": {"type": "boolean"},
    "justification": {"type": "string"}
  },
  "required": ["command"]
}`

const applyPatchSchema = `{
  "type": "object",
  "properties": {
    "patch": {"type": "string"}
  },
  "required": ["patch"]
}`

// RegisterBuiltins wires the two tools named directly by §4.E/§4.G/§4.H
// ("shell" and "apply_patch") into reg — the function-tool counterpart
// to internal/mcpmgr's "server.tool" registration for MCP-sourced
// tools. cwd/policy are the session's immutable working directory and
// its resolved sandbox policy at the time the tools were registered.
// approvals is the session's approval coordinator (§4.C); both
// handlers consult policy before spawning/mutating and raise an
// approval through approvals when policy says to.
func RegisterBuiltins(reg *Registry, engine *execengine.Engine, cwd string, policy *sandbox.Policy, approvals *approval.Coordinator) error {
	if err := reg.Register(
		kernel.ToolSchema{Name: "shell", Description: "Run a shell command.", Parameters: json.RawMessage(shellSchema)},
		Hints{Concurrency: ParallelSafe, DiffImpact: DiffNone},
		shellHandler(engine, cwd, policy, approvals),
	); err != nil {
		return fmt.Errorf("tools: registering shell: %w", err)
	}

	if err := reg.Register(
		kernel.ToolSchema{Name: "apply_patch", Description: "Apply a structured patch to files in the workspace.", Parameters: json.RawMessage(applyPatchSchema)},
		Hints{Concurrency: Exclusive, DiffImpact: DiffWritesTurn},
		applyPatchHandler(cwd, policy, approvals),
	); err != nil {
		return fmt.Errorf("tools: registering apply_patch: %w", err)
	}
	return nil
}

// cancelledOutput is the failed FunctionCallOutput a handler returns
// when §4.C's decision routing comes back Denied/Abort, per scenario
// S5: no process is spawned and the model sees "Cancelled by user."
func cancelledOutput(callID kernel.CallId) kernel.ConversationItem {
	success := false
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     callID,
		OutputText: "Cancelled by user.",
		Success:    &success,
	}
}

// sandboxDeniedOutput is returned when §4.D's policy denies a call
// outright (VerdictDeny) — no approval is raised; the model just sees
// the refusal.
func sandboxDeniedOutput(callID kernel.CallId, reason string) kernel.ConversationItem {
	success := false
	return kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     callID,
		OutputText: reason,
		Success:    &success,
	}
}

// requestExecApproval raises a §4.C Exec approval request for argv/cwd
// and reports whether the caller may proceed.
func requestExecApproval(ctx context.Context, approvals *approval.Coordinator, inv kernel.ToolInvocation, argv []string, runCWD, justification string) (bool, error) {
	decision, err := approvals.RequestCommandApproval(ctx, string(inv.Ctx.TurnID), approval.Request{
		CallID:  string(inv.Ctx.CallID),
		Kind:    approval.KindExec,
		Command: argv,
		Reason:  justification,
	})
	if err != nil {
		return false, err
	}
	return decision == approval.Approved || decision == approval.ApprovedForSession, nil
}

func shellHandler(engine *execengine.Engine, cwd string, policy *sandbox.Policy, approvals *approval.Coordinator) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var params kernel.ExecParams
		if err := json.Unmarshal(inv.Payload.Arguments, &params); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("shell arguments: %w", err))
		}
		if len(params.Command) == 0 {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("shell: command is required"))
		}
		runCWD := cwd
		if params.CWD != "" {
			runCWD = params.CWD
		}

		// §4.D admissibility: consult the sandbox policy before ever
		// spawning the command. A flat deny never prompts; a
		// raise-approval verdict blocks on §4.C's decision routing and
		// a Denied/Abort decision returns a failed output instead of
		// running anything (scenario S5).
		switch policy.CheckExec(params.Command, runCWD) {
		case sandbox.VerdictDeny:
			return sandboxDeniedOutput(inv.Ctx.CallID, "blocked by sandbox policy"), nil
		case sandbox.VerdictRaiseApproval:
			allowed, err := requestExecApproval(ctx, approvals, inv, params.Command, runCWD, params.Justification)
			if err != nil {
				return cancelledOutput(inv.Ctx.CallID), nil
			}
			if !allowed {
				return cancelledOutput(inv.Ctx.CallID), nil
			}
		}

		var timeout time.Duration
		if params.TimeoutMS != nil {
			timeout = time.Duration(*params.TimeoutMS) * time.Millisecond
		}

		cell, err := engine.Run(ctx, string(inv.Ctx.CallID), execengine.Params{
			Command: joinShellWords(params.Command),
			CWD:     runCWD,
			Env:     params.Env,
			Timeout: timeout,
		})
		if cell == nil {
			return kernel.ConversationItem{}, err
		}

		_, result := cell.Snapshot()
		success := result.ExitCode == 0
		return kernel.ConversationItem{
			Type:       kernel.ItemFunctionCallOutput,
			CallID:     inv.Ctx.CallID,
			OutputText: result.Stdout + result.Stderr,
			Success:    &success,
		}, nil
	}
}

func joinShellWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

func applyPatchHandler(cwd string, policy *sandbox.Policy, approvals *approval.Coordinator) Handler {
	return func(ctx context.Context, inv kernel.ToolInvocation) (kernel.ConversationItem, error) {
		var args struct {
			Patch string `json:"patch"`
		}
		if err := json.Unmarshal(inv.Payload.Arguments, &args); err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(fmt.Errorf("apply_patch arguments: %w", err))
		}
		changes, err := patch.Parse(args.Patch)
		if err != nil {
			return kernel.ConversationItem{}, kernelerr.ToolSchema(err)
		}

		// §4.H stage 2: resolve every affected path against the
		// writable-root policy before touching the filesystem.
		grantRoot := ""
		switch patchVerdict(changes, cwd, policy) {
		case sandbox.VerdictDeny:
			return sandboxDeniedOutput(inv.Ctx.CallID, "patch escapes writable roots"), nil
		case sandbox.VerdictRaiseApproval:
			// §4.H stage 3: request ApplyPatch approval, showing the
			// changes to the user, before applying anything.
			decision, err := approvals.RequestCommandApproval(ctx, string(inv.Ctx.TurnID), approval.Request{
				CallID:    string(inv.Ctx.CallID),
				Kind:      approval.KindApplyPatch,
				Changes:   summarizeChanges(changes),
				GrantRoot: cwd,
				Reason:    "apply_patch requests a writable-root upgrade",
			})
			if err != nil || (decision != approval.Approved && decision != approval.ApprovedForSession) {
				return cancelledOutput(inv.Ctx.CallID), nil
			}
			grantRoot = cwd
		}

		result := patch.Apply(changes, cwd, grantRoot, policy, diffTrackerFromContext(ctx))
		success := !hasFailure(result)
		return kernel.ConversationItem{
			Type:       kernel.ItemFunctionCallOutput,
			CallID:     inv.Ctx.CallID,
			OutputText: summarizePatchResult(result),
			Success:    &success,
		}, nil
	}
}

// patchVerdict aggregates §4.D's per-path admissibility check across
// every file (and rename target) a patch touches: any Deny wins
// outright; otherwise any RaiseApproval means the whole patch needs
// one approval prompt before application.
func patchVerdict(changes []patch.FileChange, cwd string, policy *sandbox.Policy) sandbox.Verdict {
	verdict := sandbox.VerdictAllow
	check := func(path string) sandbox.Verdict {
		return policy.CheckPatchPath(filepath.Clean(filepath.Join(cwd, path)), "")
	}
	for _, c := range changes {
		if v := check(c.Path); v == sandbox.VerdictDeny {
			return sandbox.VerdictDeny
		} else if v == sandbox.VerdictRaiseApproval {
			verdict = sandbox.VerdictRaiseApproval
		}
		if c.Action == patch.ActionRename && c.NewPath != "" {
			if v := check(c.NewPath); v == sandbox.VerdictDeny {
				return sandbox.VerdictDeny
			} else if v == sandbox.VerdictRaiseApproval {
				verdict = sandbox.VerdictRaiseApproval
			}
		}
	}
	return verdict
}

// summarizeChanges renders the patch's file list for the approval
// prompt's "showing changes to the user" requirement, before any file
// has actually been touched.
func summarizeChanges(changes []patch.FileChange) string {
	out := ""
	for _, c := range changes {
		out += fmt.Sprintf("%s %s\n", c.Action, c.Path)
	}
	return out
}

func hasFailure(r patch.Result) bool {
	for _, f := range r.Files {
		if !f.Applied {
			return true
		}
	}
	return false
}

func summarizePatchResult(r patch.Result) string {
	out := ""
	for _, f := range r.Files {
		status := "ok"
		if !f.Applied {
			status = "failed: " + f.Error
		}
		out += fmt.Sprintf("%s %s (%s)\n", f.Action, f.Path, status)
	}
	return out
}
