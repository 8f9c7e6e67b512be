package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	browseTimeout  = 30 * time.Second
	browseMaxChars = 50_000
	browseUA       = "Mozilla/5.0 (compatible; loopgate/1.0)"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</\s*(script|style|noscript)\s*>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]+>`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// WebBrowseTool fetches a page and returns its readable text.
type WebBrowseTool struct {
	client   *http.Client
	maxChars int
}

func NewWebBrowseTool() *WebBrowseTool {
	return &WebBrowseTool{
		client:   &http.Client{Timeout: browseTimeout},
		maxChars: browseMaxChars,
	}
}

func (t *WebBrowseTool) Name() string { return "web_browse" }

func (t *WebBrowseTool) Description() string {
	return "Fetch a web page and return its text content with HTML markup stripped. Long pages are truncated."
}

func (t *WebBrowseTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to browse.",
			},
			"maxChars": map[string]any{
				"type":        "number",
				"description": "Maximum characters to return.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebBrowseTool) Execute(ctx context.Context, args map[string]any) *Result {
	rawURL, _ := args["url"].(string)
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return ErrorResult(fmt.Sprintf("unsupported URL scheme in %q", rawURL))
	}
	maxChars := t.maxChars
	if n, ok := args["maxChars"].(float64); ok && n >= 100 {
		maxChars = int(n)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("User-Agent", browseUA)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("fetch failed: HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars)*4))
	if err != nil {
		return ErrorResult(fmt.Sprintf("read response: %v", err))
	}

	text := string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") || strings.Contains(text, "<html") {
		text = htmlToText(text)
	}
	if len(text) > maxChars {
		text = text[:maxChars] + "\n[content truncated]"
	}
	return NewResult(text)
}

func htmlToText(html string) string {
	text := scriptStyleRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&amp;", "&", "&lt;", "<", "&gt;", ">",
		"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
	).Replace(text)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinesRe.ReplaceAllString(text, "\n\n"))
}
