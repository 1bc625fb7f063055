package hooks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"conductor/pkg/logx"
)

// AuditHook writes every event to the log, giving a session a flat audit
// trail without touching runtime behavior.
type AuditHook struct {
	logger *logx.Logger
}

// NewAuditHook creates an audit hook.
func NewAuditHook(logger *logx.Logger) *AuditHook {
	if logger == nil {
		logger = logx.NewLogger("audit")
	}
	return &AuditHook{logger: logger}
}

func (a *AuditHook) Name() string     { return "audit" }
func (a *AuditHook) Events() []string { return []string{"*"} }

func (a *AuditHook) Handle(_ context.Context, ev *Event) error {
	a.logger.Info("%s session=%s %s", ev.Name, ev.Session, formatPayload(ev.Payload))
	return nil
}

// formatPayload renders a payload as sorted key=value pairs so audit
// lines are stable and greppable.
func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, payload[k])
	}
	return strings.Join(parts, " ")
}

// UsageHook accumulates token usage per session from events that carry
// token counts, and logs a summary when a stage finishes.
type UsageHook struct {
	logger *logx.Logger

	mu     sync.Mutex
	totals map[string]*SessionUsage
}

// SessionUsage is the running token tally for one session.
type SessionUsage struct {
	PromptTokens     int
	CompletionTokens int
	ProviderCalls    int
}

// NewUsageHook creates a usage hook.
func NewUsageHook(logger *logx.Logger) *UsageHook {
	if logger == nil {
		logger = logx.NewLogger("usage")
	}
	return &UsageHook{
		logger: logger,
		totals: make(map[string]*SessionUsage),
	}
}

func (u *UsageHook) Name() string { return "usage" }

func (u *UsageHook) Events() []string {
	return []string{EventLoopTurn, EventLoopLimit, EventStageEnd}
}

func (u *UsageHook) Handle(_ context.Context, ev *Event) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch ev.Name {
	case EventLoopTurn:
		t := u.totals[ev.Session]
		if t == nil {
			t = &SessionUsage{}
			u.totals[ev.Session] = t
		}
		t.PromptTokens += intPayload(ev.Payload, "prompt_tokens")
		t.CompletionTokens += intPayload(ev.Payload, "completion_tokens")
		t.ProviderCalls++
	case EventLoopLimit:
		// The limit payload carries the run's accumulated totals, which
		// the turn events already counted. Informational only.
		u.logger.Info("session %s hit its turn budget (%v)", ev.Session, ev.Payload["max_turns"])
	case EventStageEnd:
		if t := u.totals[ev.Session]; t != nil {
			u.logger.Info("session %s usage: %d prompt + %d completion tokens over %d calls",
				ev.Session, t.PromptTokens, t.CompletionTokens, t.ProviderCalls)
		}
	}
	return nil
}

// Totals returns a copy of the tally for a session.
func (u *UsageHook) Totals(session string) SessionUsage {
	u.mu.Lock()
	defer u.mu.Unlock()
	if t := u.totals[session]; t != nil {
		return *t
	}
	return SessionUsage{}
}

func intPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
