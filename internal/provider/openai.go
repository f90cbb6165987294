package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// OpenAIConfig configures an OpenAI-backed modelclient.Client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI adapts go-openai's chat-completions streaming client to
// modelclient.Client, the second provider named in SPEC_FULL.md's
// domain-stack table (retry/usage-limit classification variance
// against the Anthropic adapter).
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: openai API key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(config)}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Stream, error) {
	chatReq := o.buildRequest(req)

	sdkStream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}

	chunks := make(chan modelclient.Chunk, 16)
	stream, finish := modelclient.NewStream(chunks)

	go func() {
		defer close(chunks)
		defer sdkStream.Close()

		var seq uint64
		nextOrder := func() kernel.OrderMeta {
			seq++
			s := seq
			return kernel.OrderMeta{RequestOrdinal: req.RequestOrdinal, SequenceNumber: &s}
		}

		// toolCalls accumulates fragmented tool_call argument deltas
		// keyed by index, matching the go-openai stream's incremental
		// ToolCalls[i].Function.Arguments append shape.
		type pendingCall struct {
			id, name, args string
		}
		toolCalls := map[int]*pendingCall{}

		for {
			resp, recvErr := sdkStream.Recv()
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if recvErr != nil {
				finish(classifyOpenAIErr(recvErr))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkTextDelta, Order: nextOrder(), TextDelta: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := toolCalls[idx]
				if !ok {
					pc = &pendingCall{}
					toolCalls[idx] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args += tc.Function.Arguments
			}
		}

		for _, pc := range toolCalls {
			item := kernel.ConversationItem{
				Type:      kernel.ItemFunctionCall,
				CallID:    kernel.CallId(pc.id),
				Name:      pc.name,
				Arguments: pc.args,
			}
			chunks <- modelclient.Chunk{Kind: modelclient.ChunkItem, Order: nextOrder(), Item: &item}
		}
		chunks <- modelclient.Chunk{Kind: modelclient.ChunkDone, Order: nextOrder()}
		finish(nil)
	}()

	return stream, nil
}

func (o *OpenAI) buildRequest(req modelclient.Request) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = openai.GPT4o
	}
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+len(req.Input)+1)
	instructions := strings.TrimSpace(req.BaseInstructions + "\n" + req.UserInstructions)
	if instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, item := range append(append([]kernel.ConversationItem{}, req.History...), req.Input...) {
		if m, ok := toOpenAIMessage(item); ok {
			msgs = append(msgs, m)
		}
	}
	return openai.ChatCompletionRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    true,
		MaxTokens: req.MaxOutputTokens,
	}
}

func toOpenAIMessage(item kernel.ConversationItem) (openai.ChatCompletionMessage, bool) {
	switch item.Type {
	case kernel.ItemMessage:
		text := flattenText(item.Content)
		if text == "" {
			return openai.ChatCompletionMessage{}, false
		}
		role := openai.ChatMessageRoleUser
		if item.Role == kernel.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		return openai.ChatCompletionMessage{Role: role, Content: text}, true
	case kernel.ItemFunctionCallOutput:
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    item.OutputText,
			ToolCallID: string(item.CallID),
		}, true
	default:
		return openai.ChatCompletionMessage{}, false
	}
}

// classifyOpenAIErr mirrors the teacher's isRetryableError
// (internal/agent/providers/openai.go): a go-openai *APIError carries
// an HTTP status the modelclient classifier maps onto the §7 typed
// errors.
func classifyOpenAIErr(err error) *kernelerr.KernelError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		cls := modelclient.ClassifyHTTPStatus(apiErr.HTTPStatusCode, fmt.Sprintf("%v", apiErr.Message), "", "", nil, false, false, false, false)
		return cls.Err
	}
	return kernelerr.Stream(fmt.Sprintf("openai: %v", err), "", 0)
}
