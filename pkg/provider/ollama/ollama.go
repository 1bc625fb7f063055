// Package ollama adapts a local Ollama runtime to the llm.Provider contract.
// No API key is involved; the backend is addressed by host URL, taken from
// OLLAMA_HOST when the profile does not pin one.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/ollama/ollama/api"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/tools"
)

const (
	// DefaultModel is used when neither the config nor the request names one.
	DefaultModel = "qwen2.5-coder:32b"
	// DefaultHost is the standard local Ollama address.
	DefaultHost = "http://localhost:11434"
	// HostEnv overrides the host when set and the config leaves Host empty.
	HostEnv = "OLLAMA_HOST"

	defaultMaxTokens = 4096
)

// Config selects the host and model for an Ollama backend.
type Config struct {
	Host  string `json:"host,omitempty"`
	Model string `json:"model,omitempty"`
}

// Provider implements llm.Provider against a local Ollama server.
type Provider struct {
	client *api.Client
	model  string
	host   string
	logger *logx.Logger
}

// New builds an Ollama provider. Host resolution order: config, OLLAMA_HOST,
// then localhost.
func New(cfg Config) (*Provider, error) {
	host := cfg.Host
	if host == "" {
		host = os.Getenv(HostEnv)
	}
	if host == "" {
		host = DefaultHost
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	return &Provider{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
		host:   host,
		logger: logx.NewLogger("ollama"),
	}, nil
}

// Name identifies the backend for logging and metrics.
func (p *Provider) Name() string { return "ollama" }

// Complete performs one chat call and normalizes the response. Streaming is
// disabled; the callback fires once with the full response.
func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages, err := convertMessages(req.System, req.Messages)
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

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
			"num_predict": maxTokens,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}

	var response api.ChatResponse
	err = p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, classifyError(err)
	}

	calls := convertToolCalls(response.Message.ToolCalls)

	resp := &llm.Response{
		Content:    response.Message.Content,
		ToolCalls:  llm.NormalizeToolCalls(calls),
		StopReason: stopReason(&response, len(calls)),
		Usage: llm.Usage{
			PromptTokens:     response.Metrics.PromptEvalCount,
			CompletionTokens: response.Metrics.EvalCount,
		},
	}

	p.logger.Debug("completion: model=%s stop=%s tool_calls=%d", model, resp.StopReason, len(calls))
	return resp, nil
}

// convertMessages maps the transcript onto Ollama chat messages. Each tool
// result becomes its own role "tool" message carrying the call ID it answers.
func convertMessages(system string, msgs []llm.Message) ([]api.Message, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(msgs)+1)
	if system != "" {
		result = append(result, api.Message{Role: "system", Content: system})
	}

	for i := range msgs {
		msg := &msgs[i]

		if msg.Role == llm.RoleTool {
			for j := range msg.ToolResults {
				res := &msg.ToolResults[j]
				result = append(result, api.Message{
					Role:       "tool",
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
			continue
		}

		out := api.Message{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]api.ToolCall, len(msg.ToolCalls))
			for j := range msg.ToolCalls {
				call := &msg.ToolCalls[j]
				out.ToolCalls[j] = api.ToolCall{
					ID: call.ID,
					Function: api.ToolCallFunction{
						Name:      call.Name,
						Arguments: api.ToolCallFunctionArguments(call.Parameters),
					},
				}
			}
		}
		result = append(result, out)
	}

	return result, nil
}

func convertTools(defs []tools.ToolDefinition) api.Tools {
	out := make(api.Tools, len(defs))
	for i := range defs {
		def := &defs[i]
		properties := make(map[string]api.ToolProperty)
		for name := range def.InputSchema.Properties {
			prop := def.InputSchema.Properties[name]
			properties[name] = convertProperty(&prop)
		}
		out[i] = api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       def.InputSchema.Type,
					Properties: properties,
					Required:   def.InputSchema.Required,
				},
			},
		}
	}
	return out
}

func convertProperty(prop *tools.Property) api.ToolProperty {
	out := api.ToolProperty{
		Type:        api.PropertyType{prop.Type},
		Description: prop.Description,
	}
	if len(prop.Enum) > 0 {
		enumVals := make([]any, len(prop.Enum))
		for i, v := range prop.Enum {
			enumVals[i] = v
		}
		out.Enum = enumVals
	}
	if prop.Properties != nil {
		nested := make(map[string]api.ToolProperty)
		for name, child := range prop.Properties {
			if child != nil {
				nested[name] = convertProperty(child)
			}
		}
		out.Items = map[string]any{
			"type":       "object",
			"properties": nested,
		}
	}
	if prop.Items != nil {
		out.Items = convertProperty(prop.Items)
	}
	return out
}

func convertToolCalls(calls []api.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i := range calls {
		call := &calls[i]
		out[i] = llm.ToolCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: map[string]any(call.Function.Arguments),
		}
	}
	return out
}

// stopReason converts Ollama's done_reason to the normalized stop reasons.
func stopReason(resp *api.ChatResponse, toolCalls int) string {
	if toolCalls > 0 {
		return llm.StopToolUse
	}
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return llm.StopEndTurn
	case "length":
		return llm.StopMaxTokens
	default:
		return resp.DoneReason
	}
}

// classifyError converts Ollama errors to retry categories. A refused
// connection means the server is not up yet, which is transient for a local
// runtime; an unknown model is a configuration problem and never retried.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "connection refused"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "ollama server not reachable")
	case strings.Contains(errStr, "model") && strings.Contains(errStr, "not found"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "ollama model not found")
	default:
		return llmerrors.Classify(err, "ollama")
	}
}
