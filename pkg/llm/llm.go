// Package llm defines the provider contract and the message types shared
// by the context manager, dispatcher and orchestration loop.
package llm

import (
	"context"
	"fmt"

	"conductor/pkg/tools"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Stop reasons reported by providers, normalized across backends.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Message is one entry in a conversation. Assistant messages may carry
// proposed tool calls; tool messages carry the result batch answering them.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is a provider's request to invoke a named tool.
type ToolCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResult answers exactly one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Add accumulates another call's usage.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
	}
}

// Request is a single completion request. An empty Tools slice means the
// provider must not be offered any tools for this call.
type Request struct {
	Messages    []Message
	Tools       []tools.ToolDefinition
	System      string
	Model       string // empty selects the provider's configured default
	MaxTokens   int
	Temperature float32
}

// Response is a normalized completion response.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// HasToolCalls reports whether the response proposes tool invocations.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Provider is the capability interface implemented by every model backend.
// Complete returns a normalized response: implementations decode tool-call
// arguments into maps and assign synthetic IDs when the backend omits them.
type Provider interface {
	// Name identifies the backend for logging and metrics.
	Name() string
	// Complete performs one model call.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// NormalizeToolCalls fills in missing call IDs so every call can be paired
// with its result. Providers call this before returning a response.
func NormalizeToolCalls(calls []ToolCall) []ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d", i)
		}
		if calls[i].Parameters == nil {
			calls[i].Parameters = map[string]any{}
		}
	}
	return calls
}

// UserMessage builds a plain user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// AssistantMessage builds an assistant message, optionally carrying calls.
func AssistantMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultsMessage builds the tool message answering a call batch.
func ToolResultsMessage(results []ToolResult) Message {
	return Message{Role: RoleTool, ToolResults: results}
}
