package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/approval"
	"github.com/relaykit/relay/internal/execengine"
	"github.com/relaykit/relay/internal/sandbox"
	"github.com/relaykit/relay/pkg/kernel"
)

func TestRegisterBuiltins_ShellRunsCommand(t *testing.T) {
	reg := New()
	engine := execengine.New()
	policy := &sandbox.Policy{Mode: sandbox.DangerFullAccess}
	require.NoError(t, RegisterBuiltins(reg, engine, t.TempDir(), policy, approval.New(nil)))

	args, _ := json.Marshal(kernel.ExecParams{Command: []string{"echo", "hi"}})
	out, err := reg.Dispatch(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-1"},
		ToolName: "shell",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: args},
	})
	require.NoError(t, err)
	assert.True(t, *out.Success)
	assert.Contains(t, out.OutputText, "hi")
}

func TestRegisterBuiltins_ApplyPatchWritesFile(t *testing.T) {
	dir := t.TempDir()
	reg := New()
	engine := execengine.New()
	policy := &sandbox.Policy{Mode: sandbox.WorkspaceWrite, Workspace: sandbox.WorkspaceWriteOptions{WritableRoots: []string{dir}}}
	require.NoError(t, RegisterBuiltins(reg, engine, dir, policy, approval.New(nil)))

	patchText := "*** Begin Patch\n*** Add File: new.txt\n+hello\n*** End Patch\n"
	args, _ := json.Marshal(map[string]string{"patch": patchText})
	out, err := reg.Dispatch(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-2"},
		ToolName: "apply_patch",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: args},
	})
	require.NoError(t, err)
	assert.True(t, *out.Success)

	content, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
}

// TestRegisterBuiltins_ShellDeniedNeverSpawns covers scenario S5: a
// read-only policy raises approval for an unlisted command, the user
// denies it, and the handler returns a failed output without ever
// running execengine.
func TestRegisterBuiltins_ShellDeniedNeverSpawns(t *testing.T) {
	reg := New()
	engine := execengine.New()
	policy := &sandbox.Policy{Mode: sandbox.ReadOnly}
	approvals := approval.New(nil)
	approvals.SetOnRequest(func(r approval.Request) {
		go func() { _ = approvals.Resolve(r.ID, approval.Denied) }()
	})
	require.NoError(t, RegisterBuiltins(reg, engine, t.TempDir(), policy, approvals))

	args, _ := json.Marshal(kernel.ExecParams{Command: []string{"rm", "-rf", "/tmp/x"}})
	out, err := reg.Dispatch(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-3"},
		ToolName: "shell",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
	assert.Equal(t, "Cancelled by user.", out.OutputText)
}

// TestRegisterBuiltins_ApplyPatchDeniedLeavesFilesUntouched covers
// §4.H stage 3: a workspace-write policy with no writable roots raises
// approval for apply_patch; a denial must leave the filesystem
// untouched.
func TestRegisterBuiltins_ApplyPatchDeniedLeavesFilesUntouched(t *testing.T) {
	dir := t.TempDir()
	reg := New()
	engine := execengine.New()
	policy := &sandbox.Policy{Mode: sandbox.WorkspaceWrite}
	approvals := approval.New(nil)
	approvals.SetOnRequest(func(r approval.Request) {
		go func() { _ = approvals.Resolve(r.ID, approval.Denied) }()
	})
	require.NoError(t, RegisterBuiltins(reg, engine, dir, policy, approvals))

	patchText := "*** Begin Patch\n*** Add File: new.txt\n+hello\n*** End Patch\n"
	args, _ := json.Marshal(map[string]string{"patch": patchText})
	out, err := reg.Dispatch(context.Background(), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-4"},
		ToolName: "apply_patch",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
	assert.Equal(t, "Cancelled by user.", out.OutputText)

	_, err = os.Stat(filepath.Join(dir, "new.txt"))
	assert.True(t, os.IsNotExist(err))
}

// TestRegisterBuiltins_ApplyPatchApprovedUpgradesGrantRoot covers the
// approval path: a workspace-write policy with no writable roots still
// applies the patch once the user approves, via the grant_root
// upgrade, and the written content is recorded on the diff tracker
// threaded through the tool-dispatch context.
func TestRegisterBuiltins_ApplyPatchApprovedUpgradesGrantRoot(t *testing.T) {
	dir := t.TempDir()
	reg := New()
	engine := execengine.New()
	policy := &sandbox.Policy{Mode: sandbox.WorkspaceWrite}
	approvals := approval.New(nil)
	approvals.SetOnRequest(func(r approval.Request) {
		go func() { _ = approvals.Resolve(r.ID, approval.Approved) }()
	})
	require.NoError(t, RegisterBuiltins(reg, engine, dir, policy, approvals))

	tracker := &recordingTracker{}
	patchText := "*** Begin Patch\n*** Add File: new.txt\n+hello\n*** End Patch\n"
	args, _ := json.Marshal(map[string]string{"patch": patchText})
	out, err := reg.Dispatch(WithDiffTracker(context.Background(), tracker), kernel.ToolInvocation{
		Ctx:      kernel.ToolCallCtx{CallID: "call-5"},
		ToolName: "apply_patch",
		Payload:  kernel.ToolPayload{Kind: kernel.PayloadFunction, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, out.Success)
	assert.True(t, *out.Success)

	content, err := os.ReadFile(filepath.Join(dir, "new.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "hello")
	assert.Len(t, tracker.recorded, 1)
	assert.Equal(t, "new.txt", tracker.recorded[0])
}

type recordingTracker struct {
	recorded []string
}

func (r *recordingTracker) Record(path string, before, after []byte) {
	r.recorded = append(r.recorded, path)
}
