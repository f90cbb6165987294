package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// summarizingClient always replies with a single fixed summary text,
// regardless of what history it's asked to summarize.
type summarizingClient struct {
	summary string
}

func (c *summarizingClient) Name() string { return "summarizer" }

func (c *summarizingClient) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Stream, error) {
	ch := make(chan modelclient.Chunk, 1)
	ch <- modelclient.Chunk{Kind: modelclient.ChunkTextDelta, TextDelta: c.summary}
	close(ch)
	stream, finish := modelclient.NewStream(ch)
	finish(nil)
	return stream, nil
}

func TestToCompactionMessages_FlattensContentAndDefaultsRole(t *testing.T) {
	history := []kernel.ConversationItem{
		{Type: kernel.ItemMessage, Role: kernel.RoleUser, Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: "hi"}}},
		{Type: kernel.ItemFunctionCallOutput, OutputText: "result text"},
	}
	msgs := toCompactionMessages(history)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role, "items without a Role default to assistant")
	assert.Equal(t, "result text", msgs[1].Content)
}

func TestHardTruncateNote_DropsOldest(t *testing.T) {
	history := make([]kernel.ConversationItem, 20)
	for i := range history {
		history[i] = kernel.ConversationItem{
			Type:    kernel.ItemMessage,
			Role:    kernel.RoleUser,
			Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: strings.Repeat("word ", 50)}},
		}
	}
	note := hardTruncateNote(history, 20)
	assert.Contains(t, note, "dropped")
	assert.Contains(t, note, "summarizer unavailable")
}

func TestCompactHistoryIfNeeded_NoOpUnderBudget(t *testing.T) {
	s := newTestSession(t, &summarizingClient{summary: "should not be used"})
	s.cfg.Model = "claude-3-5-sonnet" // 200k token window, small history fits easily
	s.history = []kernel.ConversationItem{
		{Type: kernel.ItemMessage, Role: kernel.RoleUser, Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: "hello"}}},
	}

	s.compactHistoryIfNeeded(context.Background())

	assert.Len(t, s.history, 1, "history under budget must be left untouched")
}

func TestCompactHistoryIfNeeded_SummarizesWhenOverBudget(t *testing.T) {
	s := newTestSession(t, &summarizingClient{summary: "condensed summary of the old turns"})
	s.cfg.Model = "gpt-4" // 8192 token window, easy to exceed with repeated long messages

	history := make([]kernel.ConversationItem, 30)
	for i := range history {
		history[i] = kernel.ConversationItem{
			Type:    kernel.ItemMessage,
			Role:    kernel.RoleUser,
			Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: strings.Repeat("filler text ", 200)}},
		}
	}
	s.history = history

	s.compactHistoryIfNeeded(context.Background())

	require.True(t, len(s.history) < len(history), "compaction should have dropped some history")
	assert.Equal(t, kernel.ItemCompactionSummary, s.history[0].Type)
	assert.Equal(t, "condensed summary of the old turns", s.history[0].Content[0].Text)
}
