package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
)

func TestObserveProviderRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveProviderRequest("anthropic", "claude-sonnet-4", "s1",
		ProviderUsage{PromptTokens: 100, CompletionTokens: 40}, true, "", 250*time.Millisecond)
	rec.ObserveProviderRequest("anthropic", "claude-sonnet-4", "s1",
		ProviderUsage{}, false, "rate_limit", 50*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["provider_requests_total"])
	assert.True(t, names["provider_tokens_total"])
	assert.True(t, names["provider_request_duration_seconds"])

	prompt := testutil.ToFloat64(rec.tokensTotal.WithLabelValues("anthropic", "claude-sonnet-4", "s1", "prompt"))
	assert.Equal(t, float64(100), prompt)

	failures := testutil.ToFloat64(rec.requestsTotal.WithLabelValues("anthropic", "claude-sonnet-4", "s1", "error", "rate_limit"))
	assert.Equal(t, float64(1), failures)
}

func TestObserveToolExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.ObserveToolExecution("shell", true, 10*time.Millisecond)
	rec.ObserveToolExecution("shell", false, 5*time.Millisecond)
	rec.ObserveToolExecution("read_file", true, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(rec.toolsTotal.WithLabelValues("shell", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.toolsTotal.WithLabelValues("shell", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.toolsTotal.WithLabelValues("read_file", "success")))
}

func TestIncStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.IncStage("completed")
	rec.IncStage("completed")
	rec.IncStage("failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.stagesTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.stagesTotal.WithLabelValues("failed")))
}

func TestProviderMiddlewareRecordsAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	failing := &llm.ProviderFunc{
		ProviderName: "openai",
		Fn: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return nil, llmerrors.NewError(llmerrors.ErrorTypeTransient, "blip")
		},
	}
	p := llm.Chain(failing, ProviderMiddleware(rec, "sess-9"))
	_, err := p.Complete(context.Background(), llm.Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.True(t, errors.As(err, new(*llmerrors.Error)))

	count := testutil.ToFloat64(rec.requestsTotal.WithLabelValues("openai", "gpt-4o", "sess-9", "error", "transient"))
	assert.Equal(t, float64(1), count)

	ok := &llm.ProviderFunc{
		ProviderName: "openai",
		Fn: func(_ context.Context, _ llm.Request) (*llm.Response, error) {
			return &llm.Response{Content: "hi", Usage: llm.Usage{PromptTokens: 7, CompletionTokens: 3}}, nil
		},
	}
	p = llm.Chain(ok, ProviderMiddleware(rec, "sess-9"))
	_, err = p.Complete(context.Background(), llm.Request{Model: "gpt-4o"})
	require.NoError(t, err)

	tokens := testutil.ToFloat64(rec.tokensTotal.WithLabelValues("openai", "gpt-4o", "sess-9", "completion"))
	assert.Equal(t, float64(3), tokens)
}

func TestNopRecorder(t *testing.T) {
	var rec Recorder = NopRecorder{}
	rec.ObserveProviderRequest("x", "y", "z", ProviderUsage{}, true, "", 0)
	rec.ObserveToolExecution("shell", true, 0)
	rec.IncStage("completed")
}
