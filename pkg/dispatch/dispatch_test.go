package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/llm"
	"conductor/pkg/tools"
)

type fakeTool struct {
	name string
	exec func(ctx context.Context, args map[string]any) (*tools.ExecResult, error)
}

func (f *fakeTool) Name() string                     { return f.name }
func (f *fakeTool) Definition() tools.ToolDefinition { return tools.ToolDefinition{Name: f.name} }
func (f *fakeTool) PromptDocumentation() string      { return "" }
func (f *fakeTool) Exec(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
	return f.exec(ctx, args)
}

type mapSource map[string]tools.Tool

func (m mapSource) Lookup(name string) (tools.Tool, error) {
	if t, ok := m[name]; ok {
		return t, nil
	}
	return nil, &ToolNotFoundError{Name: name}
}

func echoTool(name string) tools.Tool {
	return &fakeTool{name: name, exec: func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
		return &tools.ExecResult{Content: fmt.Sprintf("echo:%v", args["msg"])}, nil
	}}
}

func calls(names ...string) []llm.ToolCall {
	out := make([]llm.ToolCall, len(names))
	for i, n := range names {
		out[i] = llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: n, Parameters: map[string]any{"msg": i}}
	}
	return out
}

func TestRunOrderedResults(t *testing.T) {
	src := mapSource{
		"ok_a": echoTool("ok_a"),
		"bad": &fakeTool{name: "bad", exec: func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
			return nil, errors.New("disk on fire")
		}},
		"ok_b": echoTool("ok_b"),
	}
	d := New(src, Options{})

	results := d.Run(context.Background(), calls("ok_a", "bad", "ok_b"))
	require.Len(t, results, 3)

	assert.Equal(t, "call_0", results[0].ToolCallID)
	assert.False(t, results[0].IsError)
	assert.Equal(t, "echo:0", results[0].Content)

	assert.Equal(t, "call_1", results[1].ToolCallID)
	assert.True(t, results[1].IsError)
	assert.Contains(t, results[1].Content, "disk on fire")

	assert.Equal(t, "call_2", results[2].ToolCallID)
	assert.False(t, results[2].IsError)
}

func TestRunUnknownTool(t *testing.T) {
	d := New(mapSource{"known": echoTool("known")}, Options{})

	results := d.Run(context.Background(), calls("known", "ghost"))
	require.Len(t, results, 2)
	assert.False(t, results[0].IsError)
	assert.True(t, results[1].IsError)
	assert.Contains(t, results[1].Content, `tool "ghost" not found`)
}

func TestRunTimeout(t *testing.T) {
	slow := &fakeTool{name: "slow", exec: func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &tools.ExecResult{Content: "done"}, nil
		}
	}}
	d := New(mapSource{"slow": slow}, Options{Timeout: 30 * time.Millisecond})

	results := d.Run(context.Background(), calls("slow"))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "timed out after")
}

func TestRunRecoversPanic(t *testing.T) {
	src := mapSource{
		"boom": &fakeTool{name: "boom", exec: func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
			panic("unexpected nil")
		}},
		"fine": echoTool("fine"),
	}
	d := New(src, Options{})

	var results []llm.ToolResult
	require.NotPanics(t, func() {
		results = d.Run(context.Background(), calls("boom", "fine"))
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "tool panicked")
	assert.False(t, results[1].IsError)
}

func TestRunConcurrent(t *testing.T) {
	var inFlight, peak atomic.Int32
	blocker := func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return &tools.ExecResult{Content: "ok"}, nil
	}
	src := mapSource{
		"p1": &fakeTool{name: "p1", exec: blocker},
		"p2": &fakeTool{name: "p2", exec: blocker},
		"p3": &fakeTool{name: "p3", exec: blocker},
	}
	d := New(src, Options{})

	start := time.Now()
	results := d.Run(context.Background(), calls("p1", "p2", "p3"))
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "calls should overlap")
	assert.Less(t, elapsed, 140*time.Millisecond, "batch should not run serially")
}

func TestRunCancellation(t *testing.T) {
	waiter := &fakeTool{name: "waiter", exec: func(ctx context.Context, args map[string]any) (*tools.ExecResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := New(mapSource{"waiter": waiter}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	results := d.Run(ctx, calls("waiter"))
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestRunEmptyBatch(t *testing.T) {
	d := New(mapSource{}, Options{})
	assert.Nil(t, d.Run(context.Background(), nil))
}

func TestFilteredSource(t *testing.T) {
	base := mapSource{"shell": echoTool("shell"), "web_fetch": echoTool("web_fetch")}

	restricted := NewFilteredSource(base, []string{"shell"})
	_, err := restricted.Lookup("shell")
	assert.NoError(t, err)
	_, err = restricted.Lookup("web_fetch")
	var notFound *ToolNotFoundError
	assert.ErrorAs(t, err, &notFound)

	// An empty allowlist passes everything through.
	open := NewFilteredSource(base, nil)
	_, err = open.Lookup("web_fetch")
	assert.NoError(t, err)
}
