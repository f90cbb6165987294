package envctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/kernel"
)

func snap(cwd string) kernel.EnvironmentContextSnapshot {
	return kernel.EnvironmentContextSnapshot{Version: 1, CWD: cwd, SandboxMode: kernel.SandboxWorkspaceWrite}
}

func TestTimeline_FirstSnapshotIsBaseline(t *testing.T) {
	tl := New()
	outcome, delta := tl.RecordSnapshot(snap("/a"))
	assert.Equal(t, OutcomeBaseline, outcome)
	assert.Nil(t, delta)

	latest, ok := tl.Latest()
	require.True(t, ok)
	assert.Equal(t, "/a", latest.CWD)
}

func TestTimeline_UnchangedFingerprintDrops(t *testing.T) {
	tl := New()
	tl.RecordSnapshot(snap("/a"))
	outcome, delta := tl.RecordSnapshot(snap("/a"))
	assert.Equal(t, OutcomeDedupDrop, outcome)
	assert.Nil(t, delta)
}

func TestTimeline_ChangedFingerprintEmitsDelta(t *testing.T) {
	tl := New()
	tl.RecordSnapshot(snap("/a"))
	outcome, delta := tl.RecordSnapshot(snap("/b"))
	require.Equal(t, OutcomeDelta, outcome)
	require.NotNil(t, delta)
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, "cwd", delta.Changes[0].Field)
	assert.Equal(t, "/b", delta.Changes[0].Value)
}

func TestTimeline_ApplyDeltaRoundTrips(t *testing.T) {
	writer := New()
	writer.RecordSnapshot(snap("/a"))
	_, delta := writer.RecordSnapshot(snap("/b"))

	reader := New()
	reader.RecordSnapshot(snap("/a"))
	got, ok := reader.ApplyDelta(*delta, 1)
	require.True(t, ok)
	assert.Equal(t, "/b", got.CWD)
}

func TestTimeline_FingerprintMismatchResets(t *testing.T) {
	reader := New()
	reader.RecordSnapshot(snap("/a"))
	_, ok := reader.ApplyDelta(kernel.EnvironmentContextDelta{BaseFingerprint: "stale"}, 1)
	assert.False(t, ok)
	_, hasLatest := reader.Latest()
	assert.False(t, hasLatest)
}

func TestTimeline_SequenceGapResets(t *testing.T) {
	reader := New()
	reader.RecordSnapshot(snap("/a"))
	fp := Fingerprint(snap("/a"))
	delta := kernel.EnvironmentContextDelta{BaseFingerprint: fp, Changes: []kernel.FieldChange{{Field: "cwd", Value: "/b"}}}
	_, ok := reader.ApplyDelta(delta, 5) // expected seq is 1, not 5
	assert.False(t, ok)
}

func TestFingerprint_StableAcrossEqualValues(t *testing.T) {
	a := snap("/a")
	b := snap("/a")
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}
