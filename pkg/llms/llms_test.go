package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/config"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewLLMRegistry()

	p, err := NewAnthropicProviderFromConfig(&config.LLMConfig{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		APIKey:   "test-key",
	})
	require.NoError(t, err)
	require.NoError(t, r.RegisterLLM("default", p))

	got, err := r.GetLLM("default")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", got.GetModelName())

	_, err = r.GetLLM("missing")
	assert.Error(t, err)
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewLLMRegistry()
	p, err := NewAnthropicProviderFromConfig(&config.LLMConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Error(t, r.RegisterLLM("", p))
	assert.Error(t, r.RegisterLLM("x", nil))
}

func TestCreateLLMFromConfigUnsupportedProvider(t *testing.T) {
	r := NewLLMRegistry()
	_, err := r.CreateLLMFromConfig("x", &config.LLMConfig{Provider: "bogus"})
	assert.Error(t, err)
}

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet-4-20250514", req["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "text", "text": "Hello from Claude"}],
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProviderFromConfig(&config.LLMConfig{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-20250514",
		APIKey:   "test-key",
		Host:     srv.URL,
		Timeout:  5,
	})
	require.NoError(t, err)

	text, toolCalls, tokens, _, err := p.Generate(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello from Claude", text)
	assert.Empty(t, toolCalls)
	assert.Equal(t, 15, tokens)
}

func TestAnthropicGenerateToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Paris"}}],
			"usage": {"input_tokens": 4, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	p, err := NewAnthropicProviderFromConfig(&config.LLMConfig{
		APIKey: "k", Host: srv.URL, Model: "claude-sonnet-4-20250514", Timeout: 5,
	})
	require.NoError(t, err)

	_, toolCalls, _, _, err := p.Generate(context.Background(), []Message{
		{Role: "user", Content: "weather in paris?"},
	}, []ToolDefinition{{Name: "get_weather", Parameters: map[string]any{"type": "object"}}})
	require.NoError(t, err)

	require.Len(t, toolCalls, 1)
	assert.Equal(t, "get_weather", toolCalls[0].Name)
	assert.Equal(t, "Paris", toolCalls[0].Arguments["city"])
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicProviderFromConfig(&config.LLMConfig{})
	assert.Error(t, err)
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"message": {"role": "assistant", "content": "Hello from llama"},
			"done": true,
			"eval_count": 7
		}`))
	}))
	defer srv.Close()

	p, err := NewOllamaProviderFromConfig(&config.LLMConfig{
		Provider: "ollama", Model: "llama3.1", Host: srv.URL, Timeout: 5,
	})
	require.NoError(t, err)

	text, _, _, _, err := p.Generate(context.Background(), []Message{
		{Role: "user", Content: "hi"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello from llama", text)
}

func TestProviderInterfaceCompliance(t *testing.T) {
	var _ LLMProvider = (*AnthropicProvider)(nil)
	var _ LLMProvider = (*OpenAIProvider)(nil)
	var _ LLMProvider = (*GeminiProvider)(nil)
	var _ LLMProvider = (*OllamaProvider)(nil)
}
