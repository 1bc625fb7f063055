package contextmgr

import (
	"encoding/json"
	"fmt"

	"conductor/pkg/llm"
)

// serializationVersion guards checkpoint compatibility. Bump when the
// envelope shape changes.
const serializationVersion = 1

// SerializedMessage mirrors llm.Message with explicitly typed fields so
// checkpoints stay readable across refactors of the live types.
type SerializedMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	ToolCalls   []SerializedCall   `json:"tool_calls,omitempty"`
	ToolResults []SerializedResult `json:"tool_results,omitempty"`
}

// SerializedCall is a ToolCall in checkpoint form.
type SerializedCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SerializedResult is a ToolResult in checkpoint form.
type SerializedResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name,omitempty"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SerializedContext is the checkpoint envelope. Field order is fixed and
// map keys marshal sorted, so serializing unchanged state reproduces the
// same bytes.
type SerializedContext struct {
	Version  int                 `json:"version"`
	Messages []SerializedMessage `json:"messages"`
}

// Serialize renders the transcript as a stable JSON envelope.
func (m *Manager) Serialize() ([]byte, error) {
	sc := SerializedContext{
		Version:  serializationVersion,
		Messages: make([]SerializedMessage, len(m.messages)),
	}
	for i := range m.messages {
		sc.Messages[i] = messageToSerialized(&m.messages[i])
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

// Restore replaces the transcript with the checkpointed one.
func (m *Manager) Restore(data []byte) error {
	var sc SerializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}
	if sc.Version != serializationVersion {
		return fmt.Errorf("unsupported context version %d", sc.Version)
	}

	m.messages = make([]llm.Message, len(sc.Messages))
	for i := range sc.Messages {
		m.messages[i] = serializedToMessage(&sc.Messages[i])
	}
	return nil
}

//nolint:dupl // serialize/restore pairs necessarily mirror each other.
func messageToSerialized(msg *llm.Message) SerializedMessage {
	sm := SerializedMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	if len(msg.ToolCalls) > 0 {
		sm.ToolCalls = make([]SerializedCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			sm.ToolCalls[i] = SerializedCall{ID: tc.ID, Name: tc.Name, Parameters: tc.Parameters}
		}
	}
	if len(msg.ToolResults) > 0 {
		sm.ToolResults = make([]SerializedResult, len(msg.ToolResults))
		for i, tr := range msg.ToolResults {
			sm.ToolResults[i] = SerializedResult{
				ToolCallID: tr.ToolCallID,
				Name:       tr.Name,
				Content:    tr.Content,
				IsError:    tr.IsError,
			}
		}
	}
	return sm
}

//nolint:dupl // serialize/restore pairs necessarily mirror each other.
func serializedToMessage(sm *SerializedMessage) llm.Message {
	msg := llm.Message{
		Role:    llm.Role(sm.Role),
		Content: sm.Content,
	}
	if len(sm.ToolCalls) > 0 {
		msg.ToolCalls = make([]llm.ToolCall, len(sm.ToolCalls))
		for i, sc := range sm.ToolCalls {
			msg.ToolCalls[i] = llm.ToolCall{ID: sc.ID, Name: sc.Name, Parameters: sc.Parameters}
		}
	}
	if len(sm.ToolResults) > 0 {
		msg.ToolResults = make([]llm.ToolResult, len(sm.ToolResults))
		for i, sr := range sm.ToolResults {
			msg.ToolResults[i] = llm.ToolResult{
				ToolCallID: sr.ToolCallID,
				Name:       sr.Name,
				Content:    sr.Content,
				IsError:    sr.IsError,
			}
		}
	}
	return msg
}
