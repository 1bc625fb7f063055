// Package gemini adapts the Google GenAI API to the llm.Provider contract.
package gemini

import (
	"context"
	"fmt"
	"os"
	"sync"

	"google.golang.org/genai"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tools"
)

const (
	// DefaultModel is used when neither the config nor the request names one.
	DefaultModel = "gemini-3-pro-preview"
	// DefaultAPIKeyEnv is the environment variable consulted for credentials.
	DefaultAPIKeyEnv = "GEMINI_API_KEY"

	defaultMaxTokens = 4096
)

// Config selects the model and credential source for a Gemini backend.
type Config struct {
	APIKeyEnv string `json:"api_key_env,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Provider implements llm.Provider against the Google GenAI API. Client
// construction requires a context, so it is deferred to the first Complete
// call.
type Provider struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
	logger *logx.Logger
}

// New builds a Gemini provider, reading the API key from the environment
// variable named in cfg (GEMINI_API_KEY by default).
func New(cfg Config) (*Provider, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultAPIKeyEnv
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeAuth, fmt.Sprintf("environment variable %s is not set", keyEnv))
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		apiKey: apiKey,
		model:  model,
		logger: logx.NewLogger("gemini"),
	}, nil
}

// Name identifies the backend for logging and metrics.
func (p *Provider) Name() string { return "gemini" }

func (p *Provider) ensureClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "failed to create Gemini client")
	}
	p.client = client
	return client, nil
}

// Complete performs one GenerateContent call and normalizes the response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	contents, systemInstruction, err := convertMessages(req.System, req.Messages)
	if err != nil {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	config := &genai.GenerateContentConfig{
		Temperature:     &req.Temperature,
		MaxOutputTokens: int32(maxTokens),
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{
			{FunctionDeclarations: convertTools(req.Tools)},
		}
		// Gemini may return empty responses when tool use is optional,
		// especially once the transcript references tools that are no longer
		// offered. Mode ANY forces a call to one of the provided tools.
		config.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode: genai.FunctionCallingConfigModeAny,
			},
		}
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, llmerrors.Classify(err, "gemini")
	}
	if result == nil || len(result.Candidates) == 0 {
		return nil, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	var calls []llm.ToolCall
	if functionCalls := result.FunctionCalls(); len(functionCalls) > 0 {
		calls = convertFunctionCalls(functionCalls)
	}

	resp := &llm.Response{
		Content:    result.Text(),
		ToolCalls:  llm.NormalizeToolCalls(calls),
		StopReason: stopReason(result, len(calls)),
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}

	p.logger.Debug("completion: model=%s stop=%s tool_calls=%d", model, resp.StopReason, len(calls))
	return resp, nil
}

// convertMessages maps the transcript onto Gemini Content values. System
// messages are hoisted into the system instruction, assistant turns use the
// "model" role, and tool results travel as FunctionResponse parts keyed by
// function name because Gemini does not track call IDs.
func convertMessages(system string, msgs []llm.Message) ([]*genai.Content, string, error) {
	if len(msgs) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	systemInstruction := system
	var contents []*genai.Content

	for i := range msgs {
		msg := &msgs[i]

		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case llm.RoleUser, llm.RoleTool:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for j := range msg.ToolCalls {
			call := &msg.ToolCalls[j]
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Parameters,
				},
			})
		}
		for j := range msg.ToolResults {
			res := &msg.ToolResults[j]
			name := res.Name
			if name == "" {
				name = res.ToolCallID
			}
			if name == "" {
				continue
			}
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name: name,
					Response: map[string]any{
						"content":  res.Content,
						"is_error": res.IsError,
					},
				},
			})
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("must have at least one non-system message")
	}
	return contents, systemInstruction, nil
}

func convertTools(defs []tools.ToolDefinition) []*genai.FunctionDeclaration {
	declarations := make([]*genai.FunctionDeclaration, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]*genai.Schema)
		for name, prop := range def.InputSchema.Properties {
			properties[name] = propertyToSchema(&prop)
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   def.InputSchema.Required,
			},
		}
	}
	return declarations
}

// propertyToSchema recursively converts a Property to Gemini schema format.
func propertyToSchema(prop *tools.Property) *genai.Schema {
	schema := &genai.Schema{
		Description: prop.Description,
	}

	switch prop.Type {
	case "string":
		schema.Type = genai.TypeString
	case "number":
		schema.Type = genai.TypeNumber
	case "integer":
		schema.Type = genai.TypeInteger
	case "boolean":
		schema.Type = genai.TypeBoolean
	case "array":
		schema.Type = genai.TypeArray
		if prop.Items != nil {
			schema.Items = propertyToSchema(prop.Items)
		}
	case "object":
		schema.Type = genai.TypeObject
		if prop.Properties != nil {
			properties := make(map[string]*genai.Schema)
			for name, child := range prop.Properties {
				if child != nil {
					properties[name] = propertyToSchema(child)
				}
			}
			schema.Properties = properties
		}
	default:
		schema.Type = genai.TypeString
	}

	if len(prop.Enum) > 0 {
		schema.Enum = prop.Enum
	}
	return schema
}

func convertFunctionCalls(calls []*genai.FunctionCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := calls[i]
		out[i] = llm.ToolCall{
			ID:         call.ID,
			Name:       call.Name,
			Parameters: call.Args,
		}
	}
	return out
}

func stopReason(result *genai.GenerateContentResponse, toolCalls int) string {
	if toolCalls > 0 {
		return llm.StopToolUse
	}
	if len(result.Candidates) > 0 && string(result.Candidates[0].FinishReason) == "MAX_TOKENS" {
		return llm.StopMaxTokens
	}
	return llm.StopEndTurn
}
