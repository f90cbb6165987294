package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckExec_DangerFullAccessAlwaysAllows(t *testing.T) {
	p := Policy{Mode: DangerFullAccess}
	assert.Equal(t, VerdictAllow, p.CheckExec([]string{"rm", "-rf", "/"}, "/anywhere"))
}

func TestCheckExec_ReadOnlyAllowlistedCommandAllowed(t *testing.T) {
	p := Policy{Mode: ReadOnly, ReadOnlyAllowlist: DefaultReadOnlyAllowlist}
	assert.Equal(t, VerdictAllow, p.CheckExec([]string{"cat", "file.txt"}, "/repo"))
}

func TestCheckExec_ReadOnlyNonAllowlistedRaisesApproval(t *testing.T) {
	p := Policy{Mode: ReadOnly, ReadOnlyAllowlist: DefaultReadOnlyAllowlist}
	assert.Equal(t, VerdictRaiseApproval, p.CheckExec([]string{"npm", "install"}, "/repo"))
}

func TestCheckExec_WorkspaceWriteInsideRootAllowed(t *testing.T) {
	p := Policy{Mode: WorkspaceWrite, Workspace: WorkspaceWriteOptions{WritableRoots: []string{"/repo"}}}
	assert.Equal(t, VerdictAllow, p.CheckExec([]string{"go", "build"}, "/repo/sub"))
}

func TestCheckExec_WorkspaceWriteOutsideRootRaisesApproval(t *testing.T) {
	p := Policy{Mode: WorkspaceWrite, Workspace: WorkspaceWriteOptions{WritableRoots: []string{"/repo"}}}
	assert.Equal(t, VerdictRaiseApproval, p.CheckExec([]string{"go", "build"}, "/etc"))
}

func TestCheckPatchPath_GrantRootUpgradesDenial(t *testing.T) {
	p := Policy{Mode: WorkspaceWrite, Workspace: WorkspaceWriteOptions{WritableRoots: []string{"/repo"}}}
	assert.Equal(t, VerdictRaiseApproval, p.CheckPatchPath("/other/file.go", ""))
	assert.Equal(t, VerdictAllow, p.CheckPatchPath("/other/file.go", "/other"))
}

func TestCheckNetwork_AllowlistHitBypassesMode(t *testing.T) {
	p := Policy{Mode: ReadOnly, NetworkAccess: NetworkDeny, NetworkAllowlist: []string{"Api.Example.com"}}
	assert.Equal(t, NetworkAllow, p.CheckNetwork("api.example.com"))
}

func TestCheckNetwork_ReadOnlyMissDowngradesToAsk(t *testing.T) {
	p := Policy{Mode: ReadOnly, NetworkAccess: NetworkAsk}
	assert.Equal(t, NetworkAsk, p.CheckNetwork("unknown.example.com"))
}

func TestCheckNetwork_ExplicitDenyInDangerModeStaysDenied(t *testing.T) {
	p := Policy{Mode: DangerFullAccess, NetworkAccess: NetworkDeny}
	assert.Equal(t, NetworkDeny, p.CheckNetwork("anything.example.com"))
}
