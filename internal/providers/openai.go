package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider implements Provider for OpenAI-compatible APIs
// (OpenAI, Groq, OpenRouter, DeepSeek, vLLM, llama.cpp servers, etc.)
type OpenAIProvider struct {
	name         string
	apiKey       string
	apiBase      string
	defaultModel string
	supportsTools bool
	client       *http.Client
	retryConfig  RetryConfig
}

// NewOpenAIProvider creates an OpenAI-compatible adapter.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:          name,
		apiKey:        apiKey,
		apiBase:       strings.TrimRight(apiBase, "/"),
		defaultModel:  defaultModel,
		supportsTools: true,
		client:        &http.Client{Timeout: 120 * time.Second},
		retryConfig:   DefaultRetryConfig(),
	}
}

// NewLocalProvider creates an adapter for a local openai-compatible endpoint.
// Local runtimes rarely implement native tool calling, so tool definitions
// are folded into the system prompt instead.
func NewLocalProvider(apiBase, defaultModel string) *OpenAIProvider {
	p := NewOpenAIProvider("local", "", apiBase, defaultModel)
	p.supportsTools = false
	return p
}

// WithoutNativeTools marks the endpoint as lacking tool-call support;
// tool schemas get folded into the prompt as text.
func (p *OpenAIProvider) WithoutNativeTools() *OpenAIProvider {
	p.supportsTools = false
	return p
}

// WithTimeout overrides the per-call HTTP timeout.
func (p *OpenAIProvider) WithTimeout(timeout time.Duration) *OpenAIProvider {
	if timeout > 0 {
		p.client.Timeout = timeout
	}
	return p
}

// WithRetries overrides the retry budget.
func (p *OpenAIProvider) WithRetries(max int) *OpenAIProvider {
	if max >= 0 {
		p.retryConfig.MaxRetries = max
	}
	return p
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	body := p.buildRequestBody(model, req)

	return RetryDo(ctx, p.retryConfig, func() (*Completion, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var resp openAIResponse
		if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(model, &resp), nil
	})
}

func (p *OpenAIProvider) buildRequestBody(model string, req Request) map[string]any {
	var messages []map[string]any

	foldedTools := ""
	if len(req.Tools) > 0 && !p.supportsTools {
		foldedTools = foldToolsToText(req.Tools)
	}

	for i, msg := range req.Messages {
		m := map[string]any{"role": msg.Role, "content": msg.Content}
		if msg.Role == "system" && i == 0 && foldedTools != "" {
			m["content"] = msg.Content + "\n\n" + foldedTools
			foldedTools = ""
		}
		if len(msg.ToolCalls) > 0 && p.supportsTools {
			var calls []map[string]any
			for _, tc := range msg.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls = append(calls, map[string]any{
					"id":   tc.ID,
					"type": "function",
					"function": map[string]any{
						"name":      tc.Name,
						"arguments": string(args),
					},
				})
			}
			m["tool_calls"] = calls
		}
		if msg.Role == "tool" {
			if p.supportsTools {
				m["tool_call_id"] = msg.ToolCallID
			} else {
				// No native tool role downstream; present the result as user text.
				m["role"] = "user"
				m["content"] = "Tool result:\n" + msg.Content
			}
		}
		messages = append(messages, m)
	}
	if foldedTools != "" {
		messages = append([]map[string]any{{"role": "system", "content": foldedTools}}, messages...)
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	if len(req.Tools) > 0 && p.supportsTools {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.InputSchema,
				},
			})
		}
		body["tools"] = tools
	}
	return body
}

// foldToolsToText renders tool schemas as prompt text for endpoints that
// cannot take native tool definitions.
func foldToolsToText(tools []ToolDefinition) string {
	var b strings.Builder
	b.WriteString("Available tools (respond with plain text; tool calling is unavailable on this endpoint):\n")
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		fmt.Fprintf(&b, "- %s: %s (input schema: %s)\n", t.Name, t.Description, schema)
	}
	return b.String()
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *OpenAIProvider) parseResponse(model string, resp *openAIResponse) *Completion {
	result := &Completion{Model: model, StopReason: StopEnd}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0]
	result.Content = choice.Message.Content
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]any)
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	switch choice.FinishReason {
	case "tool_calls":
		result.StopReason = StopToolUse
	case "length":
		result.StopReason = StopLength
	default:
		result.StopReason = StopEnd
	}

	result.Usage = Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return result
}

// --- OpenAI API types (internal) ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}
