package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/kernel"
)

type fakeSession struct {
	cwd       string
	reviews   []kernel.ReviewRequest
	userTurns []string
	bg        []string
	outputs   []kernel.ReviewOutputEvent
}

func (f *fakeSession) CWD() string { return f.cwd }
func (f *fakeSession) SubmitReview(req kernel.ReviewRequest) {
	f.reviews = append(f.reviews, req)
}
func (f *fakeSession) SubmitUserTurn(text string) { f.userTurns = append(f.userTurns, text) }
func (f *fakeSession) PostBackground(ctx context.Context, text string) {
	f.bg = append(f.bg, text)
}
func (f *fakeSession) EmitReviewOutput(ctx context.Context, out kernel.ReviewOutputEvent) {
	f.outputs = append(f.outputs, out)
}

type fakeSnapshotter struct {
	nextID      int
	diffs       map[string][]string
	failCapture bool
}

func (f *fakeSnapshotter) Capture(ctx context.Context, cwd, message, parent string) (GhostCommit, error) {
	f.nextID++
	return GhostCommit{ID: message, Parent: parent}, nil
}

func (f *fakeSnapshotter) DiffNameOnly(ctx context.Context, cwd, base, head string) ([]string, error) {
	return f.diffs[base+">"+head], nil
}

func (f *fakeSnapshotter) IsClean(ctx context.Context, cwd string) (bool, error) { return true, nil }

func TestController_NoFileChanges_SkipsReviewAndPostsNotice(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{}}
	c := New(sess, Config{Enabled: true, Snapshotter: snap})

	ctx := context.Background()
	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")

	assert.Empty(t, sess.reviews)
	require.Len(t, sess.bg, 1)
	assert.Contains(t, sess.bg[0], "no file changes")
}

func TestController_FileChanges_EnqueuesScopedReview(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go", "b.go"},
	}}
	c := New(sess, Config{Enabled: true, Snapshotter: snap})

	ctx := context.Background()
	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")

	require.Len(t, sess.reviews, 1)
	assert.Contains(t, sess.reviews[0].Instructions, "a.go")
	assert.Contains(t, sess.reviews[0].Instructions, "b.go")
	assert.Empty(t, sess.bg)
}

func TestController_LockHeld_SkipsReviewWithNotice(t *testing.T) {
	t.Setenv(leaseEnv, "")
	home := t.TempDir()
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, Snapshotter: snap, CodeHome: home})

	holder, err := TryAcquireLock(home, RepoID("/repo"))
	require.NoError(t, err)
	require.NotNil(t, holder)
	defer holder.Release()

	ctx := context.Background()
	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")

	assert.Empty(t, sess.reviews)
	require.Len(t, sess.bg, 1)
	assert.Contains(t, sess.bg[0], "review lock")
}

func TestController_LockReleasedOnReviewComplete(t *testing.T) {
	t.Setenv(leaseEnv, "")
	home := t.TempDir()
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, Snapshotter: snap, CodeHome: home})

	ctx := context.Background()
	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")
	require.Len(t, sess.reviews, 1)

	c.OnReviewComplete(ctx, sess.reviews[0], "review-turn", `{"findings":[],"verdict":"correct","confidence":1}`)

	// The lock is free again for the next review.
	next, err := TryAcquireLock(home, RepoID("/repo"))
	require.NoError(t, err)
	require.NotNil(t, next)
	next.Release()
}

func TestController_Disabled_DoesNothing(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	c := New(sess, Config{Enabled: false})
	ctx := context.Background()
	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")
	assert.Empty(t, sess.reviews)
	assert.Empty(t, sess.bg)
}

func TestController_OnReviewComplete_ParsesJSONFindings(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	c := New(sess, Config{})
	ctx := context.Background()

	msg := `Here is my review:
{"findings":[{"title":"unused var","body":"x is never read","file":"a.go","line":12,"confidence":0.8}],"verdict":"incorrect","confidence":0.8}
Thanks.`
	c.OnReviewComplete(ctx, kernel.ReviewRequest{TurnID: "review-1"}, "review-turn", msg)

	require.Len(t, sess.outputs, 1)
	out := sess.outputs[0]
	require.Len(t, out.Findings, 1)
	assert.Equal(t, "unused var", out.Findings[0].Title)
	assert.Equal(t, kernel.VerdictIncorrect, out.Verdict)
}

func TestController_OnReviewComplete_NonJSON_DegradesToInconclusive(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	c := New(sess, Config{})
	ctx := context.Background()

	c.OnReviewComplete(ctx, kernel.ReviewRequest{TurnID: "review-1"}, "review-turn", "Looks fine to me, no issues.")

	require.Len(t, sess.outputs, 1)
	assert.Equal(t, kernel.VerdictInconclusive, sess.outputs[0].Verdict)
	assert.Empty(t, sess.outputs[0].Findings)
}

func TestController_AutoResolve_ZeroFindings_ClearsState(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, AutoResolve: true, MaxAttempts: 2, Snapshotter: snap})
	ctx := context.Background()

	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")
	require.Len(t, sess.reviews, 1)

	c.OnReviewComplete(ctx, sess.reviews[0], "review-turn", `{"findings":[],"verdict":"correct","confidence":1}`)

	assert.Nil(t, c.resolve)
	require.NotEmpty(t, sess.bg)
	assert.Contains(t, sess.bg[len(sess.bg)-1], "no issues found")
	assert.Empty(t, sess.userTurns)
}

func TestController_AutoResolve_FindingsSubmitFixTurn(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, AutoResolve: true, MaxAttempts: 2, Snapshotter: snap})
	ctx := context.Background()

	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")
	require.Len(t, sess.reviews, 1)

	msg := `{"findings":[{"title":"bug","body":"off by one","confidence":0.9}],"verdict":"incorrect","confidence":0.9}`
	c.OnReviewComplete(ctx, sess.reviews[0], "review-turn", msg)

	require.Len(t, sess.userTurns, 1)
	assert.Contains(t, sess.userTurns[0], "off by one")
	require.NotNil(t, c.resolve)
	assert.Equal(t, 2, c.resolve.Attempt)
}

func TestController_AutoResolve_UnrelatedTurnStarts_AbortsWithPartialFindings(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, AutoResolve: true, MaxAttempts: 2, Snapshotter: snap})
	ctx := context.Background()

	partial := kernel.ReviewOutputEvent{Findings: []kernel.ReviewFinding{{Title: "stale finding"}}}
	c.resolve = &kernel.AutoResolveState{
		Phase:       kernel.PhaseReviewing,
		Attempt:     1,
		MaxAttempts: 2,
		LastReview:  &partial,
	}
	// awaitingFix stays false: no fix turn was submitted, so this
	// resolve loop is still waiting on its review when an unrelated
	// turn starts underneath it.

	c.OnTaskStarted(ctx, "turn-2")

	require.NotEmpty(t, sess.outputs)
	aborted := sess.outputs[0]
	assert.True(t, aborted.Aborted)
	require.Len(t, aborted.Findings, 1)
	assert.Equal(t, "stale finding", aborted.Findings[0].Title)
	assert.Nil(t, c.resolve)

	// turn-2 proceeds normally: its own baseline is still captured.
	c.OnTaskComplete(ctx, "turn-2", "done")
	require.NotEmpty(t, sess.reviews)
}

func TestController_AutoResolve_FixTurnStart_DoesNotAbort(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	snap := &fakeSnapshotter{diffs: map[string][]string{
		"auto turn base snapshot>auto turn change snapshot": {"a.go"},
	}}
	c := New(sess, Config{Enabled: true, AutoResolve: true, MaxAttempts: 2, Snapshotter: snap})
	ctx := context.Background()

	c.OnTaskStarted(ctx, "turn-1")
	c.OnTaskComplete(ctx, "turn-1", "done")
	require.Len(t, sess.reviews, 1)

	msg := `{"findings":[{"title":"bug","body":"off by one"}],"verdict":"incorrect"}`
	c.OnReviewComplete(ctx, sess.reviews[0], "review-turn", msg)
	require.Len(t, sess.userTurns, 1)
	require.NotNil(t, c.resolve)

	// The loop's own fix turn starting must not be mistaken for a
	// concurrent writer.
	c.OnTaskStarted(ctx, "turn-1-fix")

	assert.Empty(t, sess.outputs)
	require.NotNil(t, c.resolve)
}

func TestController_AutoResolve_MaxAttemptsReached_StopsLoop(t *testing.T) {
	sess := &fakeSession{cwd: "/repo"}
	c := New(sess, Config{Enabled: true, AutoResolve: true, MaxAttempts: 1})
	c.resolve = &kernel.AutoResolveState{Phase: kernel.PhaseReviewing, Attempt: 1, MaxAttempts: 1}
	ctx := context.Background()

	msg := `{"findings":[{"title":"bug","body":"still broken"}],"verdict":"incorrect"}`
	c.OnReviewComplete(ctx, kernel.ReviewRequest{}, "review-turn", msg)

	assert.Nil(t, c.resolve)
	assert.Empty(t, sess.userTurns)
	require.NotEmpty(t, sess.bg)
	assert.Contains(t, sess.bg[len(sess.bg)-1], "max attempts")
}
