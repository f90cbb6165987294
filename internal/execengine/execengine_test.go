package execengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsApplyPatchShellInvocation(t *testing.T) {
	assert.True(t, IsApplyPatchShellInvocation(`bash -lc 'apply_patch <<EOF'`))
	assert.True(t, IsApplyPatchShellInvocation(`apply_patch <<EOF`))
	assert.False(t, IsApplyPatchShellInvocation(`echo apply_patching_notes.txt`))
	assert.False(t, IsApplyPatchShellInvocation(`git status`))
}

func TestBuildEnv_PreservesHomeAndCrossMapsAPIKeys(t *testing.T) {
	base := []string{"HOME=/home/user", "PATH=/usr/bin"}
	env := BuildEnv(base, map[string]string{"ANTHROPIC_API_KEY": "sk-test"})

	got := map[string]string{}
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				got[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	assert.Equal(t, "/home/user", got["HOME"])
	assert.Equal(t, "sk-test", got["ANTHROPIC_API_KEY"])
	assert.Equal(t, "sk-test", got["CLAUDE_API_KEY"], "API keys cross-map both ways")
	assert.Equal(t, "1", got["NO_UPDATE_NOTIFIER"])
}

func TestEngine_RunCapturesOutputAndExitCode(t *testing.T) {
	e := New()
	cell, err := e.Run(context.Background(), "", Params{Command: "echo hi; exit 3"})
	require.NoError(t, err)
	status, result := cell.Snapshot()
	assert.Equal(t, StatusExited, status)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Stdout, "hi")
}

func TestEngine_RunRejectsApplyPatchShellInvocation(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), "", Params{Command: "apply_patch <<EOF"})
	require.Error(t, err)
}

func TestEngine_RunEnforcesTimeout(t *testing.T) {
	e := New()
	cell, err := e.Run(context.Background(), "", Params{Command: "sleep 5", Timeout: 50 * time.Millisecond, KillGrace: 20 * time.Millisecond})
	require.NoError(t, err)
	status, _ := cell.Snapshot()
	assert.Equal(t, StatusTimedOut, status)
}

func TestEngine_WaitReturnsStillRunningOnShortTimeout(t *testing.T) {
	e := New()
	callID := "c1"
	go func() {
		_, _ = e.Run(context.Background(), callID, Params{Command: "sleep 1"})
	}()
	time.Sleep(20 * time.Millisecond)

	status, _, done := e.Wait(context.Background(), callID, 10*time.Millisecond)
	assert.False(t, done)
	assert.Equal(t, StatusRunning, status)
}

func TestEngine_KillMarksCellCancelled(t *testing.T) {
	e := New()
	callID := "c2"
	started := make(chan struct{})
	go func() {
		_, _ = e.Run(context.Background(), callID, Params{Command: "trap '' TERM; sleep 5"})
	}()
	go func() { close(started) }()
	<-started
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, e.Kill(callID))
	cell, ok := e.Cell(callID)
	require.True(t, ok)
	status, _ := cell.Snapshot()
	assert.Equal(t, StatusCancelled, status)
}

func TestGHRunWait_PollsUntilConcluded(t *testing.T) {
	calls := 0
	poll := func(ctx context.Context, runID string) (GHRunStatus, error) {
		calls++
		if calls < 3 {
			return GHRunStatus{StillRunning: true}, nil
		}
		return GHRunStatus{Conclusion: "success"}, nil
	}
	status, err := GHRunWait(context.Background(), "run-1", poll, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "success", status.Conclusion)
	assert.Equal(t, 3, calls)
}

func TestBridge_NilSinkIsNoop(t *testing.T) {
	assert.NoError(t, Bridge(nil, BridgeMessage{Kind: "test"}))
}
