package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	httpRequestTimeout  = 30 * time.Second
	httpRequestMaxBytes = 100_000
)

// HTTPRequestTool performs a raw HTTP call on behalf of the agent.
type HTTPRequestTool struct {
	client *http.Client
}

func NewHTTPRequestTool() *HTTPRequestTool {
	return &HTTPRequestTool{client: &http.Client{Timeout: httpRequestTimeout}}
}

func (t *HTTPRequestTool) Name() string { return "http_request" }

func (t *HTTPRequestTool) Description() string {
	return "Perform an HTTP request and return the status and body. Supports GET, POST, PUT, PATCH and DELETE with optional headers and body."
}

func (t *HTTPRequestTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to call.",
			},
			"method": map[string]any{
				"type":        "string",
				"description": `HTTP method. Default: "GET".`,
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Request headers as a string-to-string map.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body (for POST/PUT/PATCH).",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPRequestTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ErrorResult(fmt.Sprintf("unsupported URL scheme in %q", rawURL))
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if b, ok := args["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpRequestMaxBytes))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err))
	}

	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, data)
	if len(data) == httpRequestMaxBytes {
		out += "\n[response truncated]"
	}
	return NewResult(out)
}
