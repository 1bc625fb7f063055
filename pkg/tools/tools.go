// Package tools defines the tool contract exposed to language models and
// the builtin tools the host mounts by default.
//
// A tool failure can surface two ways: a hard error returned from Exec
// (bad arguments, broken invariants) or a soft failure encoded in the
// result JSON as {"success": false, ...}. Hard errors become failed tool
// results; soft failures stay visible to the model so it can adjust.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is the capability interface implemented by every mountable tool.
type Tool interface {
	// Name returns the stable identifier the model calls the tool by.
	Name() string
	// Definition returns the schema advertised to providers.
	Definition() ToolDefinition
	// Exec runs the tool with decoded arguments.
	Exec(ctx context.Context, args map[string]any) (*ExecResult, error)
	// PromptDocumentation returns a markdown fragment for system prompts.
	PromptDocumentation() string
}

// ToolDefinition describes a tool to a provider.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is a JSON-schema subset accepted by all supported providers.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one schema property.
type Property struct {
	Type        string               `json:"type"`
	Description string               `json:"description,omitempty"`
	Enum        []string             `json:"enum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
}

// ExecResult carries the tool output returned to the model.
type ExecResult struct {
	Content string `json:"content"`
}

// JSONResult marshals a result payload into an ExecResult.
func JSONResult(payload map[string]any) (*ExecResult, error) {
	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &ExecResult{Content: string(content)}, nil
}

// ErrorResult encodes a soft failure the model should see and react to.
func ErrorResult(msg string) (*ExecResult, error) {
	return JSONResult(map[string]any{
		"success": false,
		"error":   msg,
	})
}
