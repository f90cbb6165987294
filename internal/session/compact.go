package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaykit/relay/internal/compaction"
	ctxwindow "github.com/relaykit/relay/internal/context"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// compactionThresholdShare is the fraction of the model's context
// window conversation history may occupy before compaction runs,
// leaving headroom for the rendered environment context, tool
// schemas, and the model's own output.
const compactionThresholdShare = 0.7

// compactionMinItems is the smallest history length compaction will
// act on; below this a single dropped item would make the summary
// more expensive than just keeping the history.
const compactionMinItems = 6

// modelSummarizer adapts a Session's modelclient.Client into a
// compaction.Summarizer by issuing one non-tool completion request
// over the messages to summarize and concatenating its text chunks.
type modelSummarizer struct {
	client modelclient.Client
	model  string
}

func (m *modelSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, cfg *compaction.SummarizationConfig) (string, error) {
	items := make([]kernel.ConversationItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, kernel.ConversationItem{
			Type:    kernel.ItemMessage,
			Role:    kernel.Role(msg.Role),
			Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: msg.Content}},
		})
	}

	instructions := "Summarize the conversation history below into a compact note. Preserve decisions, open tasks, file paths, and unresolved errors. Do not invent details."
	if cfg != nil && cfg.CustomInstructions != "" {
		instructions = cfg.CustomInstructions
	}

	stream, err := m.client.Complete(ctx, modelclient.Request{
		Model:            m.model,
		BaseInstructions: instructions,
		History:          items,
		MaxOutputTokens:  2000,
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range stream.Chunks {
		if chunk.Kind == modelclient.ChunkTextDelta {
			text.WriteString(chunk.TextDelta)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return text.String(), nil
}

// toCompactionMessages flattens a ConversationItem's content parts into
// plain text so the token estimator and summarizer can reason about it
// uniformly across message/tool-call/tool-output items.
func toCompactionMessages(history []kernel.ConversationItem) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(history))
	for _, item := range history {
		var sb strings.Builder
		for _, part := range item.Content {
			sb.WriteString(part.Text)
		}
		if item.OutputText != "" {
			sb.WriteString(item.OutputText)
		}
		role := string(item.Role)
		if role == "" {
			role = "assistant"
		}
		out = append(out, &compaction.Message{
			Role:        role,
			Content:     sb.String(),
			ToolCalls:   item.Arguments,
			ToolResults: item.OutputText,
		})
	}
	return out
}

// hardTruncateNote is the fallback used when the model-backed
// summarizer itself fails (e.g. the provider is down, which is plausible
// exactly when compaction is needed most): it drops the oldest messages
// outright via internal/context's TruncateOldest strategy and records
// how many were dropped rather than losing history silently.
func hardTruncateNote(history []kernel.ConversationItem, budgetTokens int) string {
	msgs := make([]ctxwindow.Message, 0, len(history))
	for _, item := range history {
		var sb strings.Builder
		for _, part := range item.Content {
			sb.WriteString(part.Text)
		}
		msgs = append(msgs, ctxwindow.Message{
			Role:     string(item.Role),
			Content:  sb.String(),
			IsSystem: item.Role == kernel.RoleSystem,
		})
	}

	truncator := ctxwindow.NewTruncator(ctxwindow.TruncateOldest, budgetTokens)
	_, result := truncator.Truncate(msgs)
	return fmt.Sprintf("[compaction] summarizer unavailable; dropped %d older messages (~%d tokens) to stay within budget.", result.RemovedCount, result.TokensFreed)
}

// compactHistoryIfNeeded implements the spec's CompactionSummary entity:
// once conversation history crosses compactionThresholdShare of the
// model's context window, the oldest share is summarized into a single
// ItemCompactionSummary item and the detailed items it replaces are
// dropped from history (though they remain on disk in the rollout
// file, recorded before this ran). Runs once per completed turn, from
// runTurn, never concurrently with itself since a single session
// goroutine owns history.
func (s *Session) compactHistoryIfNeeded(ctx context.Context) {
	s.mu.Lock()
	history := append([]kernel.ConversationItem(nil), s.history...)
	s.mu.Unlock()
	if len(history) < compactionMinItems {
		return
	}

	window := ctxwindow.NewWindowForModel(s.cfg.Model)
	msgs := toCompactionMessages(history)
	budget := int(float64(window.Info().TotalTokens) * compactionThresholdShare)
	if compaction.EstimateMessagesTokens(msgs) <= budget {
		return
	}

	pruned := compaction.PruneHistoryForContextShare(msgs, budget, 1.0, compaction.DefaultParts)
	if pruned.DroppedMessages == 0 || pruned.DroppedMessages >= len(history) {
		return
	}
	dropped := msgs[:pruned.DroppedMessages]

	summarizer := &modelSummarizer{client: s.cfg.Client, model: s.cfg.Model}
	summary, err := compaction.SummarizeWithFallback(ctx, dropped, summarizer, &compaction.SummarizationConfig{
		ContextWindow: window.Info().TotalTokens,
	})
	if err != nil {
		s.cfg.Logger.Warn("session: compaction summarization failed, hard-truncating instead", "error", err)
		summary = hardTruncateNote(history, budget)
	}

	summaryItem := kernel.ConversationItem{
		Type:    kernel.ItemCompactionSummary,
		Role:    kernel.RoleSystem,
		Content: []kernel.ContentPart{{Type: kernel.ContentOutputText, Text: summary}},
	}

	s.mu.Lock()
	kept := append([]kernel.ConversationItem(nil), history[pruned.DroppedMessages:]...)
	s.history = append([]kernel.ConversationItem{summaryItem}, kept...)
	s.mu.Unlock()

	s.recordRollout(kernel.RolloutItem{Kind: kernel.RolloutResponse, Response: &summaryItem})
	s.cfg.Logger.Info("session: compacted history", "dropped_messages", pruned.DroppedMessages, "dropped_tokens", pruned.DroppedTokens)
}
