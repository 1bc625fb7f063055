package retry

import (
	"context"
	"time"

	"conductor/pkg/llm"
	"conductor/pkg/llmerrors"
	"conductor/pkg/logx"
)

// Middleware wraps a provider so every Complete runs under the policy.
// Exhausting the budget on a retryable error yields a service-unavailable
// error; non-retryable errors pass through on the first failure.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("retry")
	}
	return func(next llm.Provider) llm.Provider {
		return &llm.ProviderFunc{
			ProviderName: next.Name(),
			Fn: func(ctx context.Context, req llm.Request) (*llm.Response, error) {
				var lastErr error
				for attempt := 1; ; attempt++ {
					if delay := policy.CalculateDelay(attempt, lastErr); delay > 0 {
						logger.Warn("provider %s attempt %d/%d failed (%v), retrying in %s",
							next.Name(), attempt-1, policy.Config.MaxAttempts, lastErr, delay)
						select {
						case <-ctx.Done():
							return nil, ctx.Err()
						case <-time.After(delay):
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						if attempt > 1 {
							logger.Info("provider %s recovered on attempt %d", next.Name(), attempt)
						}
						return resp, nil
					}
					lastErr = err

					if !policy.ShouldRetry(err, attempt) {
						// Budget exhausted on a retryable error means the
						// backend is effectively down. Cancellation is
						// reported as-is.
						if attempt >= policy.Config.MaxAttempts && llmerrors.Retryable(err) && ctx.Err() == nil {
							return nil, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
						}
						return nil, err
					}
				}
			},
		}
	}
}
