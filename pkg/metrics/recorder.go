// Package metrics provides Prometheus-based metrics recording for provider
// calls, tool executions and recipe stage transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives runtime observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObserveProviderRequest(provider, model, session string, usage ProviderUsage, success bool, errorType string, duration time.Duration)
	ObserveToolExecution(tool string, success bool, duration time.Duration)
	IncStage(status string)
}

// ProviderUsage carries token counts for one provider call.
type ProviderUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// PrometheusRecorder implements Recorder with Prometheus vectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	toolsTotal      *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	stagesTotal     *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry so
// repeated construction does not panic on duplicate registration.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Total number of provider requests by backend, model, session and status",
			},
			[]string{"provider", "model", "session", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_tokens_total",
				Help: "Total number of tokens used in provider requests",
			},
			[]string{"provider", "model", "session", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_request_duration_seconds",
				Help:    "Duration of provider requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model", "session"},
		),
		toolsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		toolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		stagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recipe_stages_total",
				Help: "Total number of recipe stage completions by status",
			},
			[]string{"status"},
		),
	}
}

// ObserveProviderRequest records metrics for a completed provider request.
func (p *PrometheusRecorder) ObserveProviderRequest(
	provider, model, session string,
	usage ProviderUsage,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(provider, model, session, status, errorType).Inc()

	// Tokens are only meaningful on success.
	if success {
		p.tokensTotal.WithLabelValues(provider, model, session, "prompt").Add(float64(usage.PromptTokens))
		p.tokensTotal.WithLabelValues(provider, model, session, "completion").Add(float64(usage.CompletionTokens))
	}

	p.requestDuration.WithLabelValues(provider, model, session).Observe(duration.Seconds())
}

// ObserveToolExecution records metrics for one tool call.
func (p *PrometheusRecorder) ObserveToolExecution(tool string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.toolsTotal.WithLabelValues(tool, status).Inc()
	p.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// IncStage counts a recipe stage completion.
func (p *PrometheusRecorder) IncStage(status string) {
	p.stagesTotal.WithLabelValues(status).Inc()
}

// NopRecorder discards all observations.
type NopRecorder struct{}

func (NopRecorder) ObserveProviderRequest(string, string, string, ProviderUsage, bool, string, time.Duration) {
}
func (NopRecorder) ObserveToolExecution(string, bool, time.Duration) {}
func (NopRecorder) IncStage(string)                                  {}
