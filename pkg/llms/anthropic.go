// Package llms provides LLM provider implementations.
package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relaymesh/relay/pkg/config"
	"github.com/relaymesh/relay/pkg/httpclient"
)

// ============================================================================
// ANTHROPIC PROVIDER IMPLEMENTATION
// ============================================================================

// AnthropicProvider implements LLMProvider for Anthropic Claude API
type AnthropicProvider struct {
	config     *config.LLMConfig
	httpClient *httpclient.Client
}

// AnthropicTool represents a tool definition in Anthropic format
type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"` // JSON Schema
}

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
}

// AnthropicMessage represents a message in the conversation
type AnthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // Can be string or []AnthropicContent
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

// AnthropicStreamResponse represents streaming response chunks
type AnthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
}

// AnthropicContent represents content blocks in requests and responses
type AnthropicContent struct {
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	ID        string                  `json:"id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Input     *map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
}

// AnthropicDelta represents incremental content in streaming
type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// AnthropicUsage represents token usage information
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicError represents an API error
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey string, model string) *AnthropicProvider {
	cfg := &config.LLMConfig{
		Provider:    "anthropic",
		Model:       model,
		APIKey:      apiKey,
		Host:        "https://api.anthropic.com",
		Temperature: 1.0,
		MaxTokens:   4096,
		Timeout:     120,
	}

	provider, _ := NewAnthropicProviderFromConfig(cfg)
	return provider
}

// NewAnthropicProviderFromConfig creates a new Anthropic provider from config
func NewAnthropicProviderFromConfig(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string    { return p.config.Model }
func (p *AnthropicProvider) GetMaxTokens() int       { return p.config.MaxTokens }
func (p *AnthropicProvider) GetTemperature() float64 { return p.config.Temperature }
func (p *AnthropicProvider) Close() error            { return nil }
func (p *AnthropicProvider) GetSupportedInputModes() []string {
	return []string{"text/plain"}
}

// Generate generates a response given conversation messages
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, *ThinkingBlock, error) {
	request := p.buildRequest(messages, false, tools)

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, nil, err
	}
	if response.Error != nil {
		return "", nil, 0, nil, fmt.Errorf("anthropic API error: %s", response.Error.Message)
	}

	tokensUsed := response.Usage.InputTokens + response.Usage.OutputTokens

	var text string
	var toolCalls []ToolCall
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		} else if content.Type == "tool_use" {
			var args map[string]interface{}
			if content.Input != nil {
				args = *content.Input
			}
			toolCalls = append(toolCalls, ToolCall{ID: content.ID, Name: content.Name, Arguments: args})
		}
	}

	return text, toolCalls, tokensUsed, nil, nil
}

// GenerateStreaming generates a streaming response given conversation messages
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	request := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)
		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			outputCh <- StreamChunk{Type: "error", Error: err}
		}
	}()
	return outputCh, nil
}

// buildRequest builds an Anthropic request with tool support
func (p *AnthropicProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition) AnthropicRequest {
	var systemParts []string
	anthropicMessages := make([]AnthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
			continue
		case "user":
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role:    "user",
				Content: []AnthropicContent{{Type: "text", Text: msg.Content}},
			})
			continue
		case "tool":
			anthropicMessages = append(anthropicMessages, AnthropicMessage{
				Role: "user",
				Content: []AnthropicContent{
					{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content},
				},
			})
			continue
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				contents := []AnthropicContent{}
				if msg.Content != "" {
					contents = append(contents, AnthropicContent{Type: "text", Text: msg.Content})
				}
				for _, tc := range msg.ToolCalls {
					input := tc.Arguments
					if input == nil {
						input = make(map[string]interface{})
					}
					contents = append(contents, AnthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: &input})
				}
				anthropicMessages = append(anthropicMessages, AnthropicMessage{Role: "assistant", Content: contents})
			} else {
				anthropicMessages = append(anthropicMessages, AnthropicMessage{
					Role:    "assistant",
					Content: []AnthropicContent{{Type: "text", Text: msg.Content}},
				})
			}
		}
	}

	var systemPrompt string
	if len(systemParts) > 0 {
		systemPrompt = strings.Join(systemParts, "\n\n")
	}

	request := AnthropicRequest{
		Model:       p.config.Model,
		Messages:    anthropicMessages,
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
		Stream:      stream,
		System:      systemPrompt,
	}

	if len(tools) > 0 {
		anthropicTools := make([]AnthropicTool, len(tools))
		for i, tool := range tools {
			anthropicTools[i] = AnthropicTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.Parameters}
		}
		request.Tools = anthropicTools
	}
	return request
}

// makeRequest makes a non-streaming request to Anthropic API using the generic HTTP client
func (p *AnthropicProvider) makeRequest(ctx context.Context, request AnthropicRequest) (*AnthropicResponse, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(jsonData)), nil }

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var response AnthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

// makeStreamingRequest makes a streaming request to Anthropic API
func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request AnthropicRequest, outputCh chan<- StreamChunk) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(jsonData)), nil }

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var streamResp AnthropicStreamResponse
		if err := json.Unmarshal([]byte(jsonData), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w, data: %s", err, jsonData)
		}

		switch streamResp.Type {
		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:        streamResp.ContentBlock.ID,
					Name:      streamResp.ContentBlock.Name,
					Arguments: make(map[string]interface{}),
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta != nil {
				if streamResp.Delta.Text != "" {
					outputCh <- StreamChunk{Type: "text", Text: streamResp.Delta.Text}
				}
				if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
					toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, exists := toolCalls[streamResp.Index]; exists {
				if jsonStr, hasJSON := toolJSONBuffers[streamResp.Index]; hasJSON && jsonStr != "" {
					var args map[string]interface{}
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Arguments = args
					}
				}
				outputCh <- StreamChunk{Type: "tool_call", ToolCall: tc}
			}

		case "message_delta":
			if streamResp.Usage != nil {
				totalTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}
	return nil
}

// ============================================================================
// STRUCTURED OUTPUT METHODS
// ============================================================================

// GenerateStructured generates a response with structured output
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []Message, tools []ToolDefinition, structConfig *StructuredOutputConfig) (string, []ToolCall, int, *ThinkingBlock, error) {
	systemPrompt := p.buildSystemPromptWithSchema(structConfig)
	if systemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: systemPrompt}}, messages...)
	}
	return p.Generate(ctx, messages, tools)
}

// GenerateStructuredStreaming generates a streaming response with structured output
func (p *AnthropicProvider) GenerateStructuredStreaming(ctx context.Context, messages []Message, tools []ToolDefinition, structConfig *StructuredOutputConfig) (<-chan StreamChunk, error) {
	systemPrompt := p.buildSystemPromptWithSchema(structConfig)
	if systemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: systemPrompt}}, messages...)
	}
	return p.GenerateStreaming(ctx, messages, tools)
}

// SupportsStructuredOutput returns true (Anthropic gets the schema as instructions in the system prompt)
func (p *AnthropicProvider) SupportsStructuredOutput() bool { return true }

// buildSystemPromptWithSchema builds system prompt with schema instructions
func (p *AnthropicProvider) buildSystemPromptWithSchema(structConfig *StructuredOutputConfig) string {
	if structConfig == nil || structConfig.Schema == nil {
		return ""
	}
	schemaJSON, err := json.MarshalIndent(structConfig.Schema, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}
