// Package loop runs the provider/tool conversation cycle: ask the
// provider, execute whatever tools it requests, feed the results back,
// repeat until the provider answers in plain text or the turn budget
// runs out. The transcript in the context manager is the single source
// of truth; the loop is its only writer while a run is in flight.
package loop

import (
	"context"
	"fmt"
	"time"

	"conductor/pkg/contextmgr"
	"conductor/pkg/dispatch"
	"conductor/pkg/hooks"
	"conductor/pkg/llm"
	"conductor/pkg/llm/retry"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/tools"
)

// State names one phase of the conversation machine.
type State int

const (
	StateAwaitingProvider State = iota
	StateHaveResponse
	StateDispatchingTools
	StateToolsComplete
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateAwaitingProvider:
		return "awaiting_provider"
	case StateHaveResponse:
		return "have_response"
	case StateDispatchingTools:
		return "dispatching_tools"
	case StateToolsComplete:
		return "tools_complete"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome classifies how a run ended.
type Outcome string

const (
	// OutcomeCompleted: the provider answered without requesting tools.
	OutcomeCompleted Outcome = "completed"
	// OutcomeRecursionLimit: the turn budget ran out and the run ended
	// with the wrap-up call. A defined ending, not an error.
	OutcomeRecursionLimit Outcome = "recursion_limit"
	// OutcomeError: a provider call failed past retries, or the run was
	// cancelled.
	OutcomeError Outcome = "error"
)

// DefaultMaxTurns bounds provider→tool cycles when the request does not
// say otherwise.
const DefaultMaxTurns = 10

// limitNotice is injected when the turn budget is exhausted, ahead of
// the one final call that gets no tools.
const limitNotice = "Tool budget exhausted. Summarize your findings and give your best final answer from what you have; further tool calls are not available."

// Request describes one conversation run.
type Request struct {
	Provider   llm.Provider
	Context    *contextmgr.Manager
	Dispatcher *dispatch.Dispatcher
	Emitter    *hooks.Emitter

	Tools       []tools.ToolDefinition
	Model       string
	MaxTurns    int
	MaxTokens   int
	Temperature float32
	Session     string

	// Retry wraps every provider call; nil means retry.Default().
	Retry *retry.Policy
	// CallTimeout bounds each provider attempt; zero disables.
	CallTimeout time.Duration
}

// Result is the run's ending.
type Result struct {
	Outcome Outcome
	// Content is the final assistant text.
	Content string
	// Turns counts completed provider→tools cycles, not provider calls.
	Turns int
	// Usage is accumulated across every provider call in the run.
	Usage llm.Usage
	// Err is set when Outcome is OutcomeError.
	Err error
}

// Orchestrator executes conversation runs. One orchestrator serves many
// runs; per-run state lives on the stack of Run.
type Orchestrator struct {
	logger   *logx.Logger
	recorder metrics.Recorder
}

// New creates an orchestrator.
func New(logger *logx.Logger, recorder metrics.Recorder) *Orchestrator {
	if logger == nil {
		logger = logx.NewLogger("loop")
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	return &Orchestrator{logger: logger, recorder: recorder}
}

// Run drives one conversation to a terminal state. The returned error is
// non-nil only for unusable requests; provider and dispatch failures end
// the run with OutcomeError and Result.Err set.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Provider == nil {
		return nil, fmt.Errorf("loop: provider is required")
	}
	if req.Context == nil {
		return nil, fmt.Errorf("loop: context manager is required")
	}
	if req.MaxTurns <= 0 {
		req.MaxTurns = DefaultMaxTurns
	}

	provider := o.wrap(req)
	result := &Result{}

	var (
		state     = StateAwaitingProvider
		resp      *llm.Response
		calls     []llm.ToolCall
		results   []llm.ToolResult
		offered   = req.Tools
		finalCall = false
	)

	for state != StateTerminal {
		o.logger.Debug("session %s: state=%s turn=%d", req.Session, state, result.Turns)

		switch state {
		case StateAwaitingProvider:
			req.Context.CompactIfNeeded()

			var err error
			resp, err = provider.Complete(ctx, llm.Request{
				Messages:    req.Context.Messages(),
				Tools:       offered,
				Model:       req.Model,
				MaxTokens:   req.MaxTokens,
				Temperature: req.Temperature,
			})
			if err != nil {
				o.logger.Error("session %s: provider failed: %v", req.Session, err)
				if llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt) {
					if msgs := req.Context.Messages(); len(msgs) > 0 {
						o.logger.Debug("session %s: rejected prompt: %s", req.Session,
							llmerrors.SanitizePrompt(msgs[len(msgs)-1].Content, 400))
					}
				}
				result.Outcome = OutcomeError
				result.Err = err
				state = StateTerminal
				continue
			}
			result.Usage.Add(resp.Usage)
			req.Emitter.Emit(ctx, hooks.EventLoopTurn, req.Session, map[string]any{
				"prompt_tokens":     resp.Usage.PromptTokens,
				"completion_tokens": resp.Usage.CompletionTokens,
				"tool_calls":        len(resp.ToolCalls),
			})
			state = StateHaveResponse

		case StateHaveResponse:
			calls = llm.NormalizeToolCalls(resp.ToolCalls)
			// Commit the assistant message before any tool runs, so a
			// crash mid-dispatch never loses what the provider said.
			req.Context.AddAssistantMessage(resp.Content, calls)

			switch {
			case finalCall:
				// The wrap-up call's text is the answer even if the
				// provider asked for tools again; none are dispatched.
				result.Outcome = OutcomeRecursionLimit
				result.Content = resp.Content
				state = StateTerminal
			case len(calls) == 0:
				result.Outcome = OutcomeCompleted
				result.Content = resp.Content
				state = StateTerminal
			default:
				state = StateDispatchingTools
			}

		case StateDispatchingTools:
			if req.Dispatcher == nil {
				result.Outcome = OutcomeError
				result.Err = fmt.Errorf("provider requested tools but no dispatcher is configured")
				state = StateTerminal
				continue
			}
			results = req.Dispatcher.Run(ctx, calls)
			if ctx.Err() != nil {
				// Cancelled mid-batch: leave the transcript at the last
				// committed message rather than appending a torn batch.
				result.Outcome = OutcomeError
				result.Err = ctx.Err()
				state = StateTerminal
				continue
			}
			state = StateToolsComplete

		case StateToolsComplete:
			req.Context.AddToolResults(results)
			result.Turns++
			if result.Turns >= req.MaxTurns {
				o.logger.Info("session %s: turn budget (%d) reached, wrapping up", req.Session, req.MaxTurns)
				req.Emitter.Emit(ctx, hooks.EventLoopLimit, req.Session, map[string]any{
					"max_turns":         req.MaxTurns,
					"prompt_tokens":     result.Usage.PromptTokens,
					"completion_tokens": result.Usage.CompletionTokens,
				})
				req.Context.AddUserMessage(limitNotice)
				offered = nil
				finalCall = true
			}
			state = StateAwaitingProvider
		}
	}

	o.logger.Info("session %s: run finished outcome=%s turns=%d tokens=%d",
		req.Session, result.Outcome, result.Turns, result.Usage.Total())
	return result, nil
}

// wrap layers retry, per-call timeout and metrics around the provider.
// Retry sits outermost so each attempt gets a fresh timeout and its own
// metrics observation.
func (o *Orchestrator) wrap(req Request) llm.Provider {
	policy := req.Retry
	if policy == nil {
		policy = retry.Default()
	}

	mws := []llm.Middleware{retry.Middleware(policy, o.logger)}
	if req.CallTimeout > 0 {
		mws = append(mws, llm.WithTimeout(req.CallTimeout))
	}
	mws = append(mws, metrics.ProviderMiddleware(o.recorder, req.Session))
	return llm.Chain(req.Provider, mws...)
}
