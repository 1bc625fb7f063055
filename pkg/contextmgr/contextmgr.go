// Package contextmgr holds the conversation state for one session: the
// ordered message transcript, token accounting and deterministic
// compaction. A Manager is owned by its orchestration loop; everything
// else sees snapshots or serialized checkpoints.
package contextmgr

import (
	"fmt"
	"strings"

	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/tokens"
)

// Limits bound the context window for one model.
type Limits struct {
	MaxContextTokens int
	MaxReplyTokens   int
	CompactionBuffer int
}

// DefaultLimits returns conservative bounds for models without explicit
// configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxContextTokens: 32000,
		MaxReplyTokens:   4096,
		CompactionBuffer: 2000,
	}
}

func (l Limits) normalized() Limits {
	d := DefaultLimits()
	if l.MaxContextTokens <= 0 {
		l.MaxContextTokens = d.MaxContextTokens
	}
	if l.MaxReplyTokens <= 0 {
		l.MaxReplyTokens = d.MaxReplyTokens
	}
	if l.CompactionBuffer <= 0 {
		l.CompactionBuffer = d.CompactionBuffer
	}
	return l
}

// threshold is the token count above which the transcript must compact
// to leave room for one full reply.
func (l Limits) threshold() int {
	return l.MaxContextTokens - l.MaxReplyTokens - l.CompactionBuffer
}

// Manager accumulates the message transcript for a session. It is not
// safe for concurrent use: the orchestration loop is the sole mutator,
// and checkpointing happens between loop turns on the same goroutine.
type Manager struct {
	messages []llm.Message
	limits   Limits
	counter  *tokens.Counter
	logger   *logx.Logger
}

// New creates an empty manager counting tokens for the given model.
func New(model string, limits Limits) *Manager {
	return &Manager{
		limits:  limits.normalized(),
		counter: tokens.NewCounter(model),
		logger:  logx.NewLogger("contextmgr"),
	}
}

// AddSystemMessage appends a system message.
func (m *Manager) AddSystemMessage(content string) {
	m.messages = append(m.messages, llm.SystemMessage(content))
}

// AddUserMessage appends a user message.
func (m *Manager) AddUserMessage(content string) {
	m.messages = append(m.messages, llm.UserMessage(content))
}

// AddAssistantMessage appends an assistant message together with any tool
// calls it requested. The calls are copied, so provider reuse of the
// argument slice cannot alias into the transcript.
func (m *Manager) AddAssistantMessage(content string, toolCalls []llm.ToolCall) {
	msg := llm.Message{
		Role:      llm.RoleAssistant,
		Content:   content,
		ToolCalls: copyToolCalls(toolCalls),
	}
	m.messages = append(m.messages, msg)
}

// AddToolResults appends one tool message carrying a whole dispatch batch.
func (m *Manager) AddToolResults(results []llm.ToolResult) {
	if len(results) == 0 {
		return
	}
	m.messages = append(m.messages, llm.ToolResultsMessage(copyToolResults(results)))
}

// Messages returns a deep snapshot of the transcript.
func (m *Manager) Messages() []llm.Message {
	out := make([]llm.Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = copyMessage(msg)
	}
	return out
}

// Len returns the number of messages.
func (m *Manager) Len() int {
	return len(m.messages)
}

// Limits returns the configured bounds.
func (m *Manager) Limits() Limits {
	return m.limits
}

// TokenCount estimates the token footprint of the transcript.
func (m *Manager) TokenCount() int {
	total := 0
	for i := range m.messages {
		total += m.messageTokens(&m.messages[i])
	}
	return total
}

// perMessageOverhead approximates the envelope tokens each message costs
// on top of its content.
const perMessageOverhead = 4

func (m *Manager) messageTokens(msg *llm.Message) int {
	n := perMessageOverhead + m.counter.Count(msg.Content)
	for i := range msg.ToolCalls {
		n += m.counter.Count(msg.ToolCalls[i].Name)
		n += m.counter.Count(fmt.Sprintf("%v", msg.ToolCalls[i].Parameters))
	}
	for i := range msg.ToolResults {
		n += m.counter.Count(msg.ToolResults[i].Content)
	}
	return n
}

// ShouldCompact reports whether the transcript has outgrown the window
// that leaves room for one full reply.
func (m *Manager) ShouldCompact() bool {
	return m.TokenCount() > m.limits.threshold()
}

// keepRecent is how many trailing messages Compact always preserves.
const keepRecent = 4

// Compact folds the middle of the transcript into one synthetic summary
// message. The leading system messages and the most recent exchanges
// survive verbatim; everything between them is replaced by a digest. No
// provider call is involved, so compacting the same transcript always
// yields the same bytes.
func (m *Manager) Compact() {
	head := m.systemHead()
	tailStart := len(m.messages) - keepRecent
	if tailStart <= head+1 {
		return // nothing foldable between head and tail
	}

	folded := m.messages[head:tailStart]
	summary := summarize(folded)

	// Trim the digest if it alone would crowd the window.
	if limit := m.limits.threshold() / 2; m.counter.Count(summary) > limit {
		summary = m.counter.Truncate(summary, limit)
	}

	before := m.TokenCount()
	compacted := make([]llm.Message, 0, head+1+keepRecent)
	compacted = append(compacted, m.messages[:head]...)
	compacted = append(compacted, llm.SystemMessage(summary))
	compacted = append(compacted, m.messages[tailStart:]...)
	m.messages = compacted

	m.logger.Info("compacted context: %d messages folded, %d -> %d tokens",
		len(folded), before, m.TokenCount())
}

// CompactIfNeeded compacts when the transcript exceeds the threshold.
func (m *Manager) CompactIfNeeded() {
	if m.ShouldCompact() {
		m.Compact()
	}
}

// systemHead returns the length of the leading run of system messages.
func (m *Manager) systemHead() int {
	n := 0
	for n < len(m.messages) && m.messages[n].Role == llm.RoleSystem {
		n++
	}
	return n
}

// summarize renders a folded message span as a compact digest, one line
// per message.
func summarize(msgs []llm.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Earlier conversation compacted: %d messages]\n", len(msgs))
	for i := range msgs {
		b.WriteString(digestLine(&msgs[i]))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

const digestContentLimit = 160

func digestLine(msg *llm.Message) string {
	switch {
	case len(msg.ToolCalls) > 0:
		names := make([]string, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			names[i] = tc.Name
		}
		return fmt.Sprintf("%s: %s [called %s]",
			msg.Role, clip(msg.Content, digestContentLimit), strings.Join(names, ", "))
	case len(msg.ToolResults) > 0:
		ok, failed := 0, 0
		for _, tr := range msg.ToolResults {
			if tr.IsError {
				failed++
			} else {
				ok++
			}
		}
		return fmt.Sprintf("%s: %d tool results (%d ok, %d failed)", msg.Role, ok+failed, ok, failed)
	default:
		return fmt.Sprintf("%s: %s", msg.Role, clip(msg.Content, digestContentLimit))
	}
}

func clip(s string, limit int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

// Fork returns an empty manager with the same limits and counter.
func (m *Manager) Fork() *Manager {
	return &Manager{
		limits:  m.limits,
		counter: m.counter,
		logger:  m.logger,
	}
}

// Clone deep-copies the manager, transcript included.
func (m *Manager) Clone() *Manager {
	clone := m.Fork()
	clone.messages = m.Messages()
	return clone
}

// Clear drops the transcript but keeps limits and counter.
func (m *Manager) Clear() {
	m.messages = nil
}

func copyMessage(msg llm.Message) llm.Message {
	return llm.Message{
		Role:        msg.Role,
		Content:     msg.Content,
		ToolCalls:   copyToolCalls(msg.ToolCalls),
		ToolResults: copyToolResults(msg.ToolResults),
	}
}

func copyToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, call := range calls {
		params := make(map[string]any, len(call.Parameters))
		for k, v := range call.Parameters {
			params[k] = v
		}
		out[i] = llm.ToolCall{ID: call.ID, Name: call.Name, Parameters: params}
	}
	return out
}

func copyToolResults(results []llm.ToolResult) []llm.ToolResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]llm.ToolResult, len(results))
	copy(out, results)
	return out
}
