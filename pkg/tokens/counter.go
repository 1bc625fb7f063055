// Package tokens provides tiktoken-based token counting used by the
// context manager for compaction decisions.
package tokens

import (
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for a model family. All supported
// backends are approximated with the GPT-4 encoding; exact per-provider
// tokenization is not worth a network round trip for budgeting purposes.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a counter for the given model name. Unknown models
// fall back to the GPT-4 encoding; without a codec the counter estimates
// by character count.
func NewCounter(model string) *Counter {
	codec, err := tokenizer.ForModel(pickModel(model))
	if err != nil {
		return &Counter{}
	}
	return &Counter{codec: codec}
}

func pickModel(model string) tokenizer.Model {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-3.5"):
		return tokenizer.GPT35Turbo
	default:
		// Claude, Gemini and local models tokenize differently, but the
		// GPT-4 encoding is close enough for budget estimates.
		return tokenizer.GPT4
	}
}

// Count returns the number of tokens in the given text. Falls back to a
// character-based estimate (4 chars per token) when encoding fails.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}

	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Estimate counts tokens without a Counter instance, using the GPT-4
// encoding when available.
func Estimate(text string) int {
	return NewCounter("gpt-4").Count(text)
}

// WithinLimit reports whether text fits inside the given token limit.
func (c *Counter) WithinLimit(text string, limit int) bool {
	return c.Count(text) <= limit
}

// Truncate shortens text to fit within the token limit. Truncation is by
// characters with a safety margin, not exact token boundaries.
func (c *Counter) Truncate(text string, limit int) string {
	current := c.Count(text)
	if current <= limit {
		return text
	}

	ratio := float64(limit) / float64(current)
	charLimit := int(float64(len(text)) * ratio * 0.9)

	if charLimit >= len(text) {
		return text
	}
	return text[:charLimit] + "..."
}
