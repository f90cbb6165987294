package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_ApprovedForSessionShortcutsFutureIdenticalCommand(t *testing.T) {
	var requested []Request
	var mu sync.Mutex
	c := New(nil)
	c.onRequest = func(r Request) {
		mu.Lock()
		requested = append(requested, r)
		mu.Unlock()
		go func() { _ = c.Resolve(r.ID, ApprovedForSession) }()
	}

	ctx := context.Background()
	req := Request{ID: "call-1", Kind: KindExec, Command: []string{"rm", "-rf", "build"}}
	decision, err := c.RequestCommandApproval(ctx, "attempt-1", req)
	require.NoError(t, err)
	assert.Equal(t, ApprovedForSession, decision)

	req2 := Request{ID: "call-2", Kind: KindExec, Command: []string{"rm", "-rf", "build"}}
	decision2, err := c.RequestCommandApproval(ctx, "attempt-1", req2)
	require.NoError(t, err)
	assert.Equal(t, Approved, decision2)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, requested, 1, "second identical command should not re-prompt")
}

func TestCoordinator_DeniedReturnsApprovalDeniedError(t *testing.T) {
	c := New(nil)
	c.onRequest = func(r Request) {
		go func() { _ = c.Resolve(r.ID, Denied) }()
	}

	_, err := c.RequestCommandApproval(context.Background(), "attempt-1", Request{ID: "call-1", Kind: KindExec})
	assert.Error(t, err)
}

func TestCoordinator_AbortRefusesFurtherApprovalsForSameAttempt(t *testing.T) {
	c := New(nil)
	c.onRequest = func(r Request) {
		go func() { _ = c.Resolve(r.ID, Abort) }()
	}

	_, err := c.RequestCommandApproval(context.Background(), "attempt-1", Request{ID: "call-1", Kind: KindExec})
	require.Error(t, err)

	var secondPrompted bool
	c.onRequest = func(r Request) { secondPrompted = true }
	decision, err := c.RequestCommandApproval(context.Background(), "attempt-1", Request{ID: "call-2", Kind: KindExec})
	require.Error(t, err)
	assert.Equal(t, Denied, decision)
	assert.False(t, secondPrompted, "aborted attempt must not re-prompt")
}

func TestCoordinator_NetworkApprovalKeysOnLowercasedHost(t *testing.T) {
	c := New(nil)
	c.onRequest = func(r Request) {
		go func() { _ = c.Resolve(r.ID, ApprovedForSession) }()
	}

	_, err := c.RequestCommandApproval(context.Background(), "attempt-1", Request{ID: "n1", Kind: KindNetwork, Host: "Example.COM"})
	require.NoError(t, err)

	var prompted bool
	c.onRequest = func(r Request) { prompted = true }
	decision, err := c.RequestCommandApproval(context.Background(), "attempt-1", Request{ID: "n2", Kind: KindNetwork, Host: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, Approved, decision)
	assert.False(t, prompted)
}

func TestCoordinator_ContextCancelTimesOutPending(t *testing.T) {
	c := New(func(r Request) {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.RequestCommandApproval(ctx, "attempt-1", Request{ID: "call-1", Kind: KindExec})
	assert.Error(t, err)
	assert.Empty(t, c.Pending())
}
