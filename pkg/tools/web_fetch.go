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
	maxRedirects     = 5
	maxFetchBytes    = 100 * 1024 // raw body cap
	maxExtractedText = 50000      // processed text cap
)

// WebFetchTool fetches a URL and extracts readable text content.
type WebFetchTool struct {
	httpClient *http.Client
}

// NewWebFetchTool creates a new web fetch tool.
func NewWebFetchTool(timeout time.Duration) *WebFetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebFetchTool{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// Name returns the tool name.
func (t *WebFetchTool) Name() string {
	return ToolWebFetch
}

// PromptDocumentation returns formatted tool documentation for prompts.
func (t *WebFetchTool) PromptDocumentation() string {
	return `- **web_fetch** - Fetch and read content from a web page URL
  - Parameters: url (string, REQUIRED)
  - Returns text content extracted from the page (HTML tags stripped)
  - Best for documentation pages, release notes, API references
  - Has a 100KB size limit to avoid huge pages`
}

// Definition returns the tool definition for the model.
func (t *WebFetchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name: ToolWebFetch,
		Description: `Fetch and read the content of a web page. The tool:
- Fetches the URL and extracts text content (strips HTML)
- Works well for documentation, release notes, API references
- Has a 100KB limit to avoid very large pages
- Returns the page title and main text content`,
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"url": {
					Type:        "string",
					Description: "Full URL to fetch (e.g., 'https://go.dev/doc/go1.22')",
				},
			},
			Required: []string{"url"},
		},
	}
}

// Exec executes the web fetch tool.
func (t *WebFetchTool) Exec(ctx context.Context, args map[string]any) (*ExecResult, error) {
	urlStr, err := StringArg(args, "url")
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return ErrorResult("URL must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, http.NoBody)
	if err != nil {
		return ErrorResult("failed to create request: " + err.Error())
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Conductor/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return ErrorResult("fetch request failed: " + err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return ErrorResult(fmt.Sprintf("HTTP error: %d %s", resp.StatusCode, resp.Status))
	}

	contentType := resp.Header.Get("Content-Type")
	if !isTextContent(contentType) {
		return ErrorResult(fmt.Sprintf("unsupported content type: %s (only text/html and text/plain supported)", contentType))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return ErrorResult("failed to read response: " + err.Error())
	}

	content := string(body)
	title := extractTitle(content)
	text := extractText(content)

	truncated := false
	if len(text) > maxExtractedText {
		text = text[:maxExtractedText]
		truncated = true
	}

	return JSONResult(map[string]any{
		"success":   true,
		"url":       urlStr,
		"title":     title,
		"content":   text,
		"truncated": truncated,
	})
}

// isTextContent checks if the content type is text-based.
func isTextContent(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") ||
		strings.Contains(ct, "text/plain") ||
		strings.Contains(ct, "application/xhtml") ||
		strings.Contains(ct, "application/xml") ||
		strings.Contains(ct, "text/xml")
}

// extractTitle extracts the title from HTML content.
func extractTitle(html string) string {
	titleRegex := regexp.MustCompile(`(?i)<title[^>]*>([^<]+)</title>`)
	matches := titleRegex.FindStringSubmatch(html)
	if len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// extractText extracts readable text from HTML content.
func extractText(html string) string {
	scriptRegex := regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	html = scriptRegex.ReplaceAllString(html, "")

	styleRegex := regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	html = styleRegex.ReplaceAllString(html, "")

	commentRegex := regexp.MustCompile(`(?s)<!--.*?-->`)
	html = commentRegex.ReplaceAllString(html, "")

	blockRegex := regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|br|hr)[^>]*>`)
	html = blockRegex.ReplaceAllString(html, "\n")

	brRegex := regexp.MustCompile(`(?i)<br[^>]*>`)
	html = brRegex.ReplaceAllString(html, "\n")

	tagRegex := regexp.MustCompile(`<[^>]+>`)
	text := tagRegex.ReplaceAllString(html, "")

	replacements := [][2]string{
		{"&nbsp;", " "},
		{"&amp;", "&"},
		{"&lt;", "<"},
		{"&gt;", ">"},
		{"&quot;", "\""},
		{"&#39;", "'"},
		{"&apos;", "'"},
	}
	for _, r := range replacements {
		text = strings.ReplaceAll(text, r[0], r[1])
	}

	spaceRegex := regexp.MustCompile(`[ \t]+`)
	text = spaceRegex.ReplaceAllString(text, " ")

	newlineRegex := regexp.MustCompile(`\n{3,}`)
	text = newlineRegex.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	var cleanLines []string
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			cleanLines = append(cleanLines, trimmed)
		}
	}
	return strings.Join(cleanLines, "\n")
}
