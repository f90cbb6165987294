package rollout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/kernel"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{CodeHome: dir}
}

func TestRecorder_WritesSessionMetaFirst(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, Params{ThreadID: "t1", SessionID: "s1", CWD: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, r.Shutdown())

	hist, err := GetRolloutHistory(r.Path())
	require.NoError(t, err)
	require.Equal(t, HistoryResumed, hist.Kind)
	require.Len(t, hist.Items, 1)
	require.Equal(t, kernel.RolloutSessionMeta, hist.Items[0].Kind)
	require.Equal(t, kernel.SessionId("s1"), hist.Items[0].SessionMeta.ID)
}

func TestRecorder_NoFileIsNew(t *testing.T) {
	hist, err := GetRolloutHistory(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	require.Equal(t, HistoryNew, hist.Kind)
}

func TestRecorder_TrailingMalformedLineIsDropped(t *testing.T) {
	cfg := testConfig(t)
	r, err := New(cfg, Params{ThreadID: "t1", SessionID: "s1", CWD: "/tmp"})
	require.NoError(t, err)

	item := kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &kernel.ConversationItem{Type: kernel.ItemMessage, Role: kernel.RoleUser}}
	require.NoError(t, r.RecordItems([]kernel.RolloutItem{item}))
	require.NoError(t, r.Shutdown())

	f, err := os.OpenFile(r.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2024-01-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hist, err := GetRolloutHistory(r.Path())
	require.NoError(t, err)
	require.Len(t, hist.Items, 2)
}

func TestForkRollout_StripsSourceMetaAndSetsForkedFromID(t *testing.T) {
	cfg := testConfig(t)
	src, err := New(cfg, Params{ThreadID: "src", SessionID: "s-src", CWD: "/tmp"})
	require.NoError(t, err)

	msg := kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &kernel.ConversationItem{Type: kernel.ItemMessage, Role: kernel.RoleUser}}
	require.NoError(t, src.RecordItems([]kernel.RolloutItem{msg, msg, msg}))
	require.NoError(t, src.Shutdown())

	fork, err := ForkRollout(cfg, src.Path(), "fork-thread", "/tmp")
	require.NoError(t, err)
	require.NoError(t, fork.Shutdown())

	hist, err := GetRolloutHistory(fork.Path())
	require.NoError(t, err)
	require.Equal(t, HistoryForked, hist.Kind)
	require.Len(t, hist.Items, 4) // 1 fresh SessionMeta + 3 carried response items

	require.Equal(t, kernel.RolloutSessionMeta, hist.Items[0].Kind)
	require.NotNil(t, hist.Items[0].SessionMeta.ForkedFromID)
	require.Equal(t, kernel.SessionId("s-src"), *hist.Items[0].SessionMeta.ForkedFromID)

	for _, item := range hist.Items[1:] {
		require.Equal(t, kernel.RolloutResponse, item.Kind)
	}
}
