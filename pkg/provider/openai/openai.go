// Package openai adapts the OpenAI Responses API to the llm.Provider
// contract. The transcript is rendered to a single text input because the
// Responses endpoint accepts one, which keeps this adapter working across
// the GPT-5 reasoning models without per-model request shapes.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tools"
)

const (
	// DefaultModel is used when neither the config nor the request names one.
	DefaultModel = "gpt-5"
	// DefaultAPIKeyEnv is the environment variable consulted for credentials.
	DefaultAPIKeyEnv = "OPENAI_API_KEY"

	defaultMaxTokens = 4096
)

// Config selects the model and credential source for an OpenAI backend.
type Config struct {
	APIKeyEnv string `json:"api_key_env,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Provider implements llm.Provider against the OpenAI Responses API.
type Provider struct {
	client openai.Client
	model  string
	logger *logx.Logger
}

// New builds an OpenAI provider, reading the API key from the environment
// variable named in cfg (OPENAI_API_KEY by default).
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
		client: openai.NewClient(opts...),
		model:  model,
		logger: logx.NewLogger("openai"),
	}, nil
}

// Name identifies the backend for logging and metrics.
func (p *Provider) Name() string { return "openai" }

// Complete performs one Responses API call and normalizes the response.
// Reasoning models reject sampling parameters, so temperature is not
// forwarded.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if len(req.Messages) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(flattenInput(req.System, req.Messages))},
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, llmerrors.Classify(err, "openai")
	}
	if resp == nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	var calls []llm.ToolCall
	for i := range resp.Output {
		item := &resp.Output[i]
		if item.Type != "function_call" {
			// Text is collected through OutputText below; reasoning items
			// are internal chain-of-thought and never enter the transcript.
			continue
		}
		funcItem := item.AsFunctionCall()
		var args map[string]any
		if funcItem.Arguments != "" {
			if err := json.Unmarshal([]byte(funcItem.Arguments), &args); err != nil {
				return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err,
					fmt.Sprintf("malformed arguments for tool %s", funcItem.Name))
			}
		}
		calls = append(calls, llm.ToolCall{
			ID:         funcItem.ID,
			Name:       funcItem.Name,
			Parameters: args,
		})
	}

	content := resp.OutputText()
	stopReason := llm.StopEndTurn
	if len(calls) > 0 {
		stopReason = llm.StopToolUse
	}

	p.logger.Debug("completion: model=%s stop=%s tool_calls=%d", model, stopReason, len(calls))

	return &llm.Response{
		Content:    content,
		ToolCalls:  llm.NormalizeToolCalls(calls),
		StopReason: stopReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

// flattenInput renders the structured transcript to the single text input
// the Responses endpoint takes. Tool traffic is rendered inline so the model
// keeps sight of earlier calls and their outcomes.
func flattenInput(system string, msgs []llm.Message) string {
	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "System: %s\n\n", system)
	}
	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&b, "System: %s\n\n", msg.Content)
		case llm.RoleUser:
			b.WriteString(msg.Content)
			b.WriteString("\n\n")
		case llm.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
			}
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				fmt.Fprintf(&b, "Assistant called %s(%s)\n\n", call.Name, renderParams(call.Parameters))
			}
		case llm.RoleTool:
			for j := range msg.ToolResults {
				res := &msg.ToolResults[j]
				label := "Tool result"
				if res.IsError {
					label = "Tool error"
				}
				fmt.Fprintf(&b, "%s (%s): %s\n\n", label, res.Name, res.Content)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func convertTools(defs []tools.ToolDefinition) []responses.ToolUnionParam {
	out := make([]responses.ToolUnionParam, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]any)
		for name, prop := range def.InputSchema.Properties {
			properties[name] = propertyToSchema(&prop)
		}
		out[i] = responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters: openai.FunctionParameters(map[string]any{
					"type":       "object",
					"properties": properties,
					"required":   def.InputSchema.Required,
				}),
			},
		}
	}
	return out
}

// propertyToSchema recursively converts a Property to OpenAI schema format.
func propertyToSchema(prop *tools.Property) map[string]any {
	schema := map[string]any{
		"type":        prop.Type,
		"description": prop.Description,
	}
	if len(prop.Enum) > 0 {
		schema["enum"] = prop.Enum
	}
	if prop.Type == "array" && prop.Items != nil {
		schema["items"] = propertyToSchema(prop.Items)
	}
	if prop.Type == "object" && prop.Properties != nil {
		properties := make(map[string]any)
		for name, child := range prop.Properties {
			if child != nil {
				properties[name] = propertyToSchema(child)
			}
		}
		schema["properties"] = properties
	}
	return schema
}
