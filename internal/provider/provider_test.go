package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/pkg/kernel"
)

func TestNewAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	require.Error(t, err)
}

func TestNewAnthropicName(t *testing.T) {
	p, err := NewAnthropic(AnthropicConfig{APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{})
	require.Error(t, err)
}

func TestNewOpenAIName(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestNewGeminiRequiresAPIKey(t *testing.T) {
	_, err := NewGemini(GeminiConfig{})
	require.Error(t, err)
}

func TestFlattenText(t *testing.T) {
	parts := []kernel.ContentPart{
		{Type: kernel.ContentText, Text: "hello "},
		{Type: kernel.ContentImage, Text: "ignored"},
		{Type: kernel.ContentOutputText, Text: "world"},
	}
	assert.Equal(t, "hello world", flattenText(parts))
}

func TestToOpenAIMessageSkipsUnsupportedItems(t *testing.T) {
	_, ok := toOpenAIMessage(kernel.ConversationItem{Type: kernel.ItemReasoning})
	assert.False(t, ok)
}

func TestToAnthropicMessageFunctionCallOutput(t *testing.T) {
	success := true
	item := kernel.ConversationItem{
		Type:       kernel.ItemFunctionCallOutput,
		CallID:     "call_1",
		OutputText: "ok",
		Success:    &success,
	}
	_, ok := toAnthropicMessage(item)
	assert.True(t, ok)
}
