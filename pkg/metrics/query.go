package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionMetrics represents aggregated token usage for one session.
type SessionMetrics struct {
	Session          string `json:"session"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
}

// QueryService answers usage questions from a Prometheus server that
// scrapes the host's /metrics endpoint.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) scalar(ctx context.Context, promql string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, promql, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

// GetSessionMetrics aggregates token and request counts for a session
// across every provider it touched.
func (q *QueryService) GetSessionMetrics(ctx context.Context, session string) (*SessionMetrics, error) {
	m := &SessionMetrics{Session: session}

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(provider_tokens_total{session=%q, type="prompt"})`, session))
	if err != nil {
		return nil, fmt.Errorf("query prompt tokens: %w", err)
	}
	m.PromptTokens = prompt

	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(provider_tokens_total{session=%q, type="completion"})`, session))
	if err != nil {
		return nil, fmt.Errorf("query completion tokens: %w", err)
	}
	m.CompletionTokens = completion
	m.TotalTokens = m.PromptTokens + m.CompletionTokens

	requests, err := q.scalar(ctx, fmt.Sprintf(`sum(provider_requests_total{session=%q})`, session))
	if err != nil {
		return nil, fmt.Errorf("query request count: %w", err)
	}
	m.Requests = requests

	return m, nil
}

// GetSessionMetricsByProvider breaks session usage down per backend.
func (q *QueryService) GetSessionMetricsByProvider(ctx context.Context, session string) (map[string]*SessionMetrics, error) {
	result := make(map[string]*SessionMetrics)

	providersQuery := fmt.Sprintf(`group by (provider) (provider_tokens_total{session=%q})`, session)
	providersResult, _, err := q.queryAPI.Query(ctx, providersQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}

	var providers []string
	if vector, ok := providersResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["provider"]; ok {
				providers = append(providers, string(name))
			}
		}
	}

	for _, name := range providers {
		m := &SessionMetrics{Session: session}

		prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(provider_tokens_total{session=%q, provider=%q, type="prompt"})`, session, name))
		if err != nil {
			return nil, fmt.Errorf("query prompt tokens for provider %s: %w", name, err)
		}
		m.PromptTokens = prompt

		completion, err := q.scalar(ctx, fmt.Sprintf(`sum(provider_tokens_total{session=%q, provider=%q, type="completion"})`, session, name))
		if err != nil {
			return nil, fmt.Errorf("query completion tokens for provider %s: %w", name, err)
		}
		m.CompletionTokens = completion
		m.TotalTokens = m.PromptTokens + m.CompletionTokens

		result[name] = m
	}

	return result, nil
}
