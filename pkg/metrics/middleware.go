package metrics

import (
	"context"
	"time"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
)

// ProviderMiddleware records one observation per provider attempt. Place it
// inside the retry middleware so every attempt is counted.
func ProviderMiddleware(rec Recorder, session string) llm.Middleware {
	return func(next llm.Provider) llm.Provider {
		return &llm.ProviderFunc{
			ProviderName: next.Name(),
			Fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				if err != nil {
					rec.ObserveProviderRequest(next.Name(), req.Model, session,
						ProviderUsage{}, false, llmerrors.TypeOf(err).String(), duration)
					return nil, err
				}

				rec.ObserveProviderRequest(next.Name(), req.Model, session,
					ProviderUsage{
						PromptTokens:     resp.Usage.PromptTokens,
						CompletionTokens: resp.Usage.CompletionTokens,
					}, true, "", duration)
				return resp, nil
			},
		}
	}
}
