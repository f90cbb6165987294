package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// GeminiConfig configures a Gemini-backed modelclient.Client.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini adapts google.golang.org/genai to modelclient.Client, the
// third provider named in SPEC_FULL.md's domain-stack table (pulled
// from the kadirpekel-hector stack's genai usage).
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("provider: gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Stream, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}
	contents, systemInstruction := g.buildContents(req)
	config := &genai.GenerateContentConfig{}
	if systemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	sdkStream := g.client.Models.GenerateContentStream(ctx, model, contents, config)

	chunks := make(chan modelclient.Chunk, 16)
	stream, finish := modelclient.NewStream(chunks)

	go func() {
		defer close(chunks)

		var seq uint64
		nextOrder := func() kernel.OrderMeta {
			seq++
			s := seq
			return kernel.OrderMeta{RequestOrdinal: req.RequestOrdinal, SequenceNumber: &s}
		}

		var streamErr error
		for resp, err := range sdkStream {
			if err != nil {
				streamErr = err
				break
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					switch {
					case part.Text != "":
						chunks <- modelclient.Chunk{Kind: modelclient.ChunkTextDelta, Order: nextOrder(), TextDelta: part.Text}
					case part.FunctionCall != nil:
						args, _ := structToJSON(part.FunctionCall.Args)
						item := kernel.ConversationItem{
							Type:      kernel.ItemFunctionCall,
							CallID:    kernel.CallId(part.FunctionCall.Name),
							Name:      part.FunctionCall.Name,
							Arguments: args,
						}
						chunks <- modelclient.Chunk{Kind: modelclient.ChunkItem, Order: nextOrder(), Item: &item}
					}
				}
			}
		}

		if streamErr != nil {
			finish(classifyGeminiErr(streamErr))
			return
		}
		chunks <- modelclient.Chunk{Kind: modelclient.ChunkDone, Order: nextOrder()}
		finish(nil)
	}()

	return stream, nil
}

func (g *Gemini) buildContents(req modelclient.Request) ([]*genai.Content, string) {
	instructions := strings.TrimSpace(req.BaseInstructions + "\n" + req.UserInstructions)
	var contents []*genai.Content
	for _, item := range append(append([]kernel.ConversationItem{}, req.History...), req.Input...) {
		switch item.Type {
		case kernel.ItemMessage:
			text := flattenText(item.Content)
			if text == "" {
				continue
			}
			role := genai.Role(genai.RoleUser)
			if item.Role == kernel.RoleAssistant {
				role = genai.Role(genai.RoleModel)
			}
			contents = append(contents, genai.NewContentFromText(text, role))
		case kernel.ItemFunctionCallOutput:
			contents = append(contents, genai.NewContentFromText(item.OutputText, genai.RoleUser))
		}
	}
	return contents, instructions
}

func structToJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

// classifyGeminiErr maps a genai API error into the §7 typed kernel
// errors via the shared HTTP-status classifier.
func classifyGeminiErr(err error) *kernelerr.KernelError {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		cls := modelclient.ClassifyHTTPStatus(apiErr.Code, apiErr.Message, "", "", nil, false, false, false, false)
		return cls.Err
	}
	return kernelerr.Stream(fmt.Sprintf("gemini: %v", err), "", 0)
}
