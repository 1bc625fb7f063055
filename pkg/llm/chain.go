package llm

import (
	"context"
	"time"
)

// Middleware wraps a Provider with additional behavior.
type Middleware func(next Provider) Provider

// Chain composes middlewares around a base provider. The first middleware
// becomes the outermost layer:
//
//	Chain(p, retry, timeout, metrics)
//
// builds the call stack retry -> timeout -> metrics -> p.
func Chain(base Provider, middlewares ...Middleware) Provider {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// ProviderFunc adapts a completion function into a Provider.
type ProviderFunc struct {
	ProviderName string
	Fn           func(ctx context.Context, req Request) (*Response, error)
}

func (f *ProviderFunc) Name() string {
	return f.ProviderName
}

func (f *ProviderFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f.Fn(ctx, req)
}

// WithTimeout bounds every provider call with a per-call deadline.
// A non-positive timeout disables the bound.
func WithTimeout(timeout time.Duration) Middleware {
	return func(next Provider) Provider {
		if timeout <= 0 {
			return next
		}
		return &ProviderFunc{
			ProviderName: next.Name(),
			Fn: func(ctx context.Context, req Request) (*Response, error) {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				return next.Complete(callCtx, req)
			},
		}
	}
}
