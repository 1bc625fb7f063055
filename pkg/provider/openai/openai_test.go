package openai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/tools"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := New(Config{})
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeAuth, llmerrors.TypeOf(err))
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	p, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, DefaultModel, p.model)
}

func TestFlattenInputRendersRoles(t *testing.T) {
	out := flattenInput("Stay factual.", []llm.Message{
		llm.SystemMessage("You answer briefly."),
		llm.UserMessage("what is in /tmp?"),
		llm.AssistantMessage("", []llm.ToolCall{{
			ID: "call_0", Name: "shell", Parameters: map[string]any{"cmd": "ls /tmp"},
		}}),
		llm.ToolResultsMessage([]llm.ToolResult{{
			ToolCallID: "call_0", Name: "shell", Content: "a.txt",
		}}),
		llm.AssistantMessage("Just a.txt.", nil),
	})

	assert.Contains(t, out, "System: Stay factual.")
	assert.Contains(t, out, "System: You answer briefly.")
	assert.Contains(t, out, "what is in /tmp?")
	assert.Contains(t, out, `Assistant called shell({"cmd":"ls /tmp"})`)
	assert.Contains(t, out, "Tool result (shell): a.txt")
	assert.Contains(t, out, "Assistant: Just a.txt.")
	assert.False(t, strings.HasSuffix(out, "\n"))
}

func TestFlattenInputMarksToolErrors(t *testing.T) {
	out := flattenInput("", []llm.Message{
		llm.UserMessage("go"),
		llm.ToolResultsMessage([]llm.ToolResult{{
			ToolCallID: "call_0", Name: "shell", Content: "exit 1", IsError: true,
		}}),
	})
	assert.Contains(t, out, "Tool error (shell): exit 1")
}

func TestConvertTools(t *testing.T) {
	out := convertTools([]tools.ToolDefinition{{
		Name:        "read_file",
		Description: "Read a file.",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "file path"},
			},
			Required: []string{"path"},
		},
	}})

	require.Len(t, out, 1)
	fn := out[0].OfFunction
	require.NotNil(t, fn)
	assert.Equal(t, "read_file", fn.Name)

	schema := map[string]any(fn.Parameters)
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, []string{"path"}, schema["required"])
	props := schema["properties"].(map[string]any)
	path := props["path"].(map[string]any)
	assert.Equal(t, "string", path["type"])
}

func TestPropertyToSchemaNested(t *testing.T) {
	schema := propertyToSchema(&tools.Property{
		Type: "array",
		Items: &tools.Property{
			Type: "object",
			Properties: map[string]*tools.Property{
				"kind": {Type: "string", Enum: []string{"fast", "slow"}},
			},
		},
	})

	items := schema["items"].(map[string]any)
	assert.Equal(t, "object", items["type"])
	kind := items["properties"].(map[string]any)["kind"].(map[string]any)
	assert.Equal(t, []string{"fast", "slow"}, kind["enum"])
}

func TestRenderParams(t *testing.T) {
	assert.Equal(t, "{}", renderParams(nil))
	assert.Equal(t, `{"n":1}`, renderParams(map[string]any{"n": 1}))
}
