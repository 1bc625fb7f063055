// Package dispatch fans a batch of tool calls out to their tools and
// collects results in call order. One dispatch answers one assistant
// message: every call gets exactly one result, failures included, so the
// transcript never ends up with an unanswered tool call.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/hooks"
	"conductor/pkg/host"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/tools"
)

// Source resolves tool names to live tools.
type Source interface {
	Lookup(name string) (tools.Tool, error)
}

// ToolNotFoundError reports a call to a tool that is not mounted.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// CoordinatorSource looks tools up on a host coordinator's tools point.
type CoordinatorSource struct {
	Coordinator *host.Coordinator
}

// Lookup implements Source.
func (s *CoordinatorSource) Lookup(name string) (tools.Tool, error) {
	tool, err := host.GetAs[tools.Tool](s.Coordinator, host.PointTools, name)
	if err != nil {
		return nil, &ToolNotFoundError{Name: name}
	}
	return tool, nil
}

// FilteredSource restricts a source to an allowlist. Recipe stages use it
// to narrow the mounted tool set without remounting anything.
type FilteredSource struct {
	Base    Source
	Allowed map[string]bool
}

// NewFilteredSource builds a FilteredSource from a name list. An empty
// list means everything passes through.
func NewFilteredSource(base Source, names []string) *FilteredSource {
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return &FilteredSource{Base: base, Allowed: allowed}
}

// Lookup implements Source.
func (s *FilteredSource) Lookup(name string) (tools.Tool, error) {
	if len(s.Allowed) > 0 && !s.Allowed[name] {
		return nil, &ToolNotFoundError{Name: name}
	}
	return s.Base.Lookup(name)
}

// DefaultTimeout bounds a single tool execution unless configured
// otherwise.
const DefaultTimeout = 2 * time.Minute

// Dispatcher executes tool call batches.
type Dispatcher struct {
	source   Source
	timeout  time.Duration
	logger   *logx.Logger
	emitter  *hooks.Emitter
	recorder metrics.Recorder
	session  string
}

// Options configure a Dispatcher beyond its tool source.
type Options struct {
	Timeout  time.Duration
	Logger   *logx.Logger
	Emitter  *hooks.Emitter
	Recorder metrics.Recorder
	Session  string
}

// New creates a dispatcher over a tool source.
func New(source Source, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("dispatch")
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NopRecorder{}
	}
	return &Dispatcher{
		source:   source,
		timeout:  opts.Timeout,
		logger:   opts.Logger,
		emitter:  opts.Emitter,
		recorder: opts.Recorder,
		session:  opts.Session,
	}
}

// Run executes every call concurrently and returns exactly one result per
// call, in input order. Tools are independent, so completion order does
// not matter; each result lands at its call's index. Cancelling ctx
// flows into every in-flight call.
func (d *Dispatcher) Run(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]llm.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			results[i] = d.runOne(ctx, call)
		}(i, calls[i])
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	d.emitter.Emit(ctx, hooks.EventToolPre, d.session, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})

	tool, err := d.source.Lookup(call.Name)
	if err != nil {
		d.logger.Warn("tool lookup failed: %v", err)
		return d.failed(ctx, call, 0, err.Error())
	}

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := d.execute(execCtx, tool, call.Parameters)
	duration := time.Since(start)

	switch {
	case err != nil && execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		d.logger.Warn("tool %s timed out after %s", call.Name, d.timeout)
		return d.failed(ctx, call, duration, fmt.Sprintf("tool execution timed out after %s", d.timeout))
	case err != nil:
		d.logger.Warn("tool %s failed after %.3fs: %v", call.Name, duration.Seconds(), err)
		return d.failed(ctx, call, duration, err.Error())
	}

	d.logger.Debug("tool %s completed in %.3fs", call.Name, duration.Seconds())
	d.recorder.ObserveToolExecution(call.Name, true, duration)
	d.emitter.Emit(ctx, hooks.EventToolPost, d.session, map[string]any{
		"tool":        call.Name,
		"call_id":     call.ID,
		"duration_ms": duration.Milliseconds(),
	})
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    result.Content,
	}
}

// execute invokes the tool, converting a panic into an error so one
// misbehaving tool cannot take down the batch.
func (d *Dispatcher) execute(ctx context.Context, tool tools.Tool, args map[string]any) (result *tools.ExecResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	result, err = tool.Exec(ctx, args)
	if err == nil && result == nil {
		err = fmt.Errorf("tool returned no result")
	}
	return result, err
}

func (d *Dispatcher) failed(ctx context.Context, call llm.ToolCall, duration time.Duration, msg string) llm.ToolResult {
	d.recorder.ObserveToolExecution(call.Name, false, duration)
	d.emitter.Emit(ctx, hooks.EventToolError, d.session, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
		"error":   msg,
	})
	return llm.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    msg,
		IsError:    true,
	}
}
