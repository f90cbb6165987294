// Package provider implements §4.L concrete model clients: vendor-SDK
// adapters behind the modelclient.Client contract. Each adapter owns
// only wire conversion and retry/usage-limit classification; the turn
// lifecycle, ordering, and history bookkeeping stay in internal/session.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// AnthropicConfig configures an Anthropic-backed modelclient.Client.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
}

// Anthropic adapts the anthropic-sdk-go client to modelclient.Client.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds an Anthropic client. Mirrors the teacher's
// AnthropicProvider constructor (internal/agent/providers/anthropic.go):
// required APIKey, optional BaseURL override.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: anthropic API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete starts one streaming attempt. The Anthropic Messages API is
// translated into kernel.ConversationItem chunks: text deltas pass
// through as ChunkTextDelta, and a completed tool_use block is emitted
// as a single ChunkItem FunctionCall once its JSON argument buffer
// closes, matching processStream's block-accumulation loop in the
// teacher.
func (a *Anthropic) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Stream, error) {
	params := a.buildParams(req)

	sdkStream := a.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan modelclient.Chunk, 16)
	stream, finish := modelclient.NewStream(chunks)

	go func() {
		defer close(chunks)

		message := anthropic.Message{}
		var seq uint64
		nextOrder := func() kernel.OrderMeta {
			seq++
			s := seq
			return kernel.OrderMeta{RequestOrdinal: req.RequestOrdinal, SequenceNumber: &s}
		}

		for sdkStream.Next() {
			event := sdkStream.Current()
			if err := message.Accumulate(event); err != nil {
				finish(kernelerr.Stream("anthropic: malformed stream event: "+err.Error(), "", 0))
				return
			}
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
					chunks <- modelclient.Chunk{Kind: modelclient.ChunkTextDelta, Order: nextOrder(), TextDelta: d.Text}
				}
				if d, ok := variant.Delta.AsAny().(anthropic.ThinkingDelta); ok && d.Thinking != "" {
					chunks <- modelclient.Chunk{Kind: modelclient.ChunkReasoningDelta, Order: nextOrder(), ReasoningDelta: d.Thinking}
				}
			}
		}

		if err := sdkStream.Err(); err != nil {
			finish(classifyAnthropicErr(err))
			return
		}

		for _, block := range message.Content {
			if tu, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
				item := kernel.ConversationItem{
					Type:      kernel.ItemFunctionCall,
					CallID:    kernel.CallId(tu.ID),
					Name:      tu.Name,
					Arguments: string(tu.Input),
				}
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkItem, Order: nextOrder(), Item: &item}
			}
		}
		chunks <- modelclient.Chunk{Kind: modelclient.ChunkDone, Order: nextOrder()}
		finish(nil)
	}()

	return stream, nil
}

func (a *Anthropic) buildParams(req modelclient.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.History)+len(req.Input))
	for _, item := range append(append([]kernel.ConversationItem{}, req.History...), req.Input...) {
		if m, ok := toAnthropicMessage(item); ok {
			msgs = append(msgs, m)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	instructions := strings.TrimSpace(req.BaseInstructions + "\n" + req.UserInstructions)
	if instructions != "" {
		params.System = []anthropic.TextBlockParam{{Text: instructions}}
	}
	return params
}

func toAnthropicMessage(item kernel.ConversationItem) (anthropic.MessageParam, bool) {
	switch item.Type {
	case kernel.ItemMessage:
		text := flattenText(item.Content)
		if text == "" {
			return anthropic.MessageParam{}, false
		}
		if item.Role == kernel.RoleAssistant {
			return anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)), true
		}
		return anthropic.NewUserMessage(anthropic.NewTextBlock(text)), true
	case kernel.ItemFunctionCallOutput:
		return anthropic.NewUserMessage(anthropic.NewToolResultBlock(string(item.CallID), item.OutputText, item.Success != nil && !*item.Success)), true
	default:
		return anthropic.MessageParam{}, false
	}
}

func flattenText(parts []kernel.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == kernel.ContentText || p.Type == kernel.ContentInputText || p.Type == kernel.ContentOutputText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// classifyAnthropicErr maps an anthropic-sdk-go error into the §7
// typed kernel errors, reusing modelclient's HTTP-status classifier —
// the same retryable-5xx / rate-limit shape the teacher's
// isRetryableError recognizes for this SDK.
func classifyAnthropicErr(err error) *kernelerr.KernelError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		cls := modelclient.ClassifyHTTPStatus(apiErr.StatusCode, apiErr.RawJSON(), apiErr.RequestID, "", nil, false, false, false, apiErr.StatusCode == 529)
		return cls.Err
	}
	return kernelerr.Stream(fmt.Sprintf("anthropic: %v", err), "", 0)
}
