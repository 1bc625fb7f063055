// Package hooks delivers lifecycle events to observer modules. Hooks are
// strictly observational: a failing hook is logged and dropped, it can
// never alter what the runtime does.
package hooks

import (
	"context"
	"time"

	"conductor/pkg/logx"
)

// Event names emitted by the runtime.
const (
	EventToolPre         = "tool:pre"
	EventToolPost        = "tool:post"
	EventToolError       = "tool:error"
	EventLoopTurn        = "loop:turn"
	EventLoopLimit       = "loop:limit"
	EventStageStart      = "stage:start"
	EventStageEnd        = "stage:end"
	EventApprovalPending = "approval:pending"
	EventApprovalDecided = "approval:decided"
)

// Event is one lifecycle notification.
type Event struct {
	Name    string
	Session string
	Payload map[string]any
	Time    time.Time
}

// Hook observes events. Events() lists subscriptions; "*" subscribes to
// everything.
type Hook interface {
	Name() string
	Events() []string
	Handle(ctx context.Context, ev *Event) error
}

// Emitter fans events out to hooks.
type Emitter struct {
	hooks  []Hook
	logger *logx.Logger
}

// NewEmitter creates an emitter over a fixed hook set.
func NewEmitter(hooks []Hook, logger *logx.Logger) *Emitter {
	if logger == nil {
		logger = logx.NewLogger("hooks")
	}
	return &Emitter{hooks: hooks, logger: logger}
}

// Emit delivers the event to every subscribed hook, in registration
// order. Handler errors are logged and swallowed.
func (e *Emitter) Emit(ctx context.Context, name, session string, payload map[string]any) {
	if e == nil || len(e.hooks) == 0 {
		return
	}
	ev := &Event{
		Name:    name,
		Session: session,
		Payload: payload,
		Time:    time.Now(),
	}
	for _, h := range e.hooks {
		if !subscribed(h, name) {
			continue
		}
		if err := h.Handle(ctx, ev); err != nil {
			e.logger.Warn("hook %s failed on %s: %v", h.Name(), name, err)
		}
	}
}

func subscribed(h Hook, event string) bool {
	for _, want := range h.Events() {
		if want == "*" || want == event {
			return true
		}
	}
	return false
}

// Func adapts a function into a Hook.
type Func struct {
	HookName   string
	Subscribed []string
	Fn         func(ctx context.Context, ev *Event) error
}

func (f *Func) Name() string     { return f.HookName }
func (f *Func) Events() []string { return f.Subscribed }
func (f *Func) Handle(ctx context.Context, ev *Event) error {
	return f.Fn(ctx, ev)
}
