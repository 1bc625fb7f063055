// Package anthropic adapts the Anthropic Messages API to the llm.Provider
// contract. Tool calls and tool results travel as structured content blocks
// rather than flattened text, so Claude sees the same tool protocol it
// emitted.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tools"
)

const (
	// DefaultModel is used when neither the config nor the request names one.
	DefaultModel = "claude-sonnet-4-5"
	// DefaultAPIKeyEnv is the environment variable consulted for credentials.
	DefaultAPIKeyEnv = "ANTHROPIC_API_KEY"

	defaultMaxTokens = 4096
)

var (
	roleUser      = anthropic.MessageParamRole("user")
	roleAssistant = anthropic.MessageParamRole("assistant")
)

// Config selects the model and credential source for a Claude backend.
// The API key itself is never stored in profiles; only the name of the
// environment variable holding it.
type Config struct {
	APIKeyEnv string `json:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Provider implements llm.Provider against the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	model  anthropic.Model
	logger *logx.Logger
}

// New builds a Claude provider, reading the API key from the environment
// variable named in cfg (ANTHROPIC_API_KEY by default).
func New(cfg Config) (*Provider, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultAPIKeyEnv
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeAuth, fmt.Sprintf("environment variable %s is not set", keyEnv))
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
		logger: logx.NewLogger("anthropic"),
	}, nil
}

// Name identifies the backend for logging and metrics.
func (p *Provider) Name() string { return "anthropic" }

// Complete performs one Messages API call and normalizes the response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	system, messages, err := convertMessages(req.System, req.Messages)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	model := p.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(float64(req.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, llmerrors.Classify(err, "anthropic")
	}
	if resp == nil || len(resp.Content) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Anthropic API")
	}

	var text strings.Builder
	var calls []llm.ToolCall
	for i := range resp.Content {
		block := &resp.Content[i]
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			var args map[string]any
			if err := json.Unmarshal(toolUse.Input, &args); err != nil {
				return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err,
					fmt.Sprintf("malformed input for tool %s", toolUse.Name))
			}
			calls = append(calls, llm.ToolCall{
				ID:         toolUse.ID,
				Name:       toolUse.Name,
				Parameters: args,
			})
		}
	}

	p.logger.Debug("completion: model=%s stop=%s tool_calls=%d", model, resp.StopReason, len(calls))

	return &llm.Response{
		Content:    text.String(),
		ToolCalls:  llm.NormalizeToolCalls(calls),
		StopReason: string(resp.StopReason),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// convertMessages hoists system messages into the top-level system prompt
// and maps the rest onto Anthropic content blocks. Tool result messages
// become user messages carrying tool_result blocks, and consecutive
// same-role messages are merged because the API requires strict
// user/assistant alternation.
func convertMessages(system string, msgs []llm.Message) (string, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return "", nil, fmt.Errorf("message list cannot be empty")
	}

	var systemParts []string
	if system != "" {
		systemParts = append(systemParts, system)
	}

	var params []anthropic.MessageParam
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case llm.RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case llm.RoleUser:
			params = appendBlocks(params, roleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewTextBlock(msg.Content),
			})

		case llm.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				block := anthropic.ContentBlockParamUnion{}
				block.OfToolUse = &anthropic.ToolUseBlockParam{
					ID:    call.ID,
					Name:  call.Name,
					Input: call.Parameters,
					Type:  "tool_use",
				}
				blocks = append(blocks, block)
			}
			params = appendBlocks(params, roleAssistant, blocks)

		case llm.RoleTool:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.ToolResults))
			for j := range msg.ToolResults {
				blocks = append(blocks, toolResultBlock(&msg.ToolResults[j]))
			}
			params = appendBlocks(params, roleUser, blocks)

		default:
			return "", nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	if len(params) == 0 {
		return "", nil, fmt.Errorf("must have at least one non-system message")
	}
	return strings.Join(systemParts, "\n\n"), params, nil
}

// appendBlocks adds blocks as a new message, or folds them into the previous
// message when it has the same role.
func appendBlocks(params []anthropic.MessageParam, role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) []anthropic.MessageParam {
	if len(blocks) == 0 {
		return params
	}
	if n := len(params); n > 0 && params[n-1].Role == role {
		params[n-1].Content = append(params[n-1].Content, blocks...)
		return params
	}
	return append(params, anthropic.MessageParam{Role: role, Content: blocks})
}

func toolResultBlock(res *llm.ToolResult) anthropic.ContentBlockParamUnion {
	result := anthropic.ToolResultBlockParam{
		ToolUseID: res.ToolCallID,
		Type:      "tool_result",
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: res.Content, Type: "text"}},
		},
	}
	if res.IsError {
		result.IsError = anthropic.Bool(true)
	}
	block := anthropic.ContentBlockParamUnion{}
	block.OfToolResult = &result
	return block
}

func convertTools(defs []tools.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for i := range defs {
		def := &defs[i]
		schema := anthropic.ToolInputSchemaParam{
			Type:       "object",
			Properties: propertiesToMap(def.InputSchema.Properties),
			Required:   def.InputSchema.Required,
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, tool)
	}
	return out
}

func propertiesToMap(props map[string]tools.Property) map[string]any {
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]any, len(props))
	for name := range props {
		prop := props[name]
		out[name] = propertyToMap(&prop)
	}
	return out
}

func propertyToMap(prop *tools.Property) map[string]any {
	m := map[string]any{"type": prop.Type}
	if prop.Description != "" {
		m["description"] = prop.Description
	}
	if len(prop.Enum) > 0 {
		m["enum"] = prop.Enum
	}
	if prop.Items != nil {
		m["items"] = propertyToMap(prop.Items)
	}
	if len(prop.Properties) > 0 {
		children := make(map[string]any, len(prop.Properties))
		for name, child := range prop.Properties {
			if child != nil {
				children[name] = propertyToMap(child)
			}
		}
		m["properties"] = children
	}
	return m
}
