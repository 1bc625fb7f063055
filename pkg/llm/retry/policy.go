// Package retry implements the loop-boundary retry policy applied to
// provider calls. The policy is supplied from outside the orchestration
// loop; the loop itself never hard-codes retry behavior.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"conductor/pkg/llmerrors"
)

// Config defines retry behavior for provider calls.
type Config struct {
	MaxAttempts   int           `json:"max_attempts"`   // total call budget, including the first attempt
	InitialDelay  time.Duration `json:"initial_delay"`  // delay before the first retry
	MaxDelay      time.Duration `json:"max_delay"`      // upper bound on backoff
	BackoffFactor float64       `json:"backoff_factor"` // multiplier per retry
	Jitter        bool          `json:"jitter"`         // +/-10% to avoid thundering herd
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Policy combines configuration with error classification.
type Policy struct {
	Config     Config
	Classifier Classifier
}

// NewPolicy creates a retry policy. A nil classifier uses the llmerrors
// blocklist (auth and bad-prompt failures are never retried).
func NewPolicy(cfg Config, classifier Classifier) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if classifier == nil {
		classifier = llmerrors.Retryable
	}
	return &Policy{Config: cfg, Classifier: classifier}
}

// Default returns a policy with default config and classifier.
func Default() *Policy {
	return NewPolicy(DefaultConfig(), nil)
}

// ShouldRetry reports whether the given attempt (1-based) may be followed
// by another. Context cancellation is never retried.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.Config.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return p.Classifier(err)
}

// CalculateDelay returns the backoff before the given attempt (1-based).
// The first attempt starts immediately. Classified errors use their
// per-type backoff table; everything else uses the policy config.
func (p *Policy) CalculateDelay(attempt int, err error) time.Duration {
	if attempt <= 1 {
		return 0
	}

	initial := p.Config.InitialDelay
	maxDelay := p.Config.MaxDelay
	factor := p.Config.BackoffFactor
	jitter := p.Config.Jitter

	var perr *llmerrors.Error
	if errors.As(err, &perr) {
		if tc := perr.GetRetryConfig(); tc.InitialDelay > 0 {
			initial = tc.InitialDelay
			maxDelay = tc.MaxDelay
			factor = tc.BackoffFactor
			jitter = tc.Jitter
		}
	}

	delay := time.Duration(float64(initial) * math.Pow(factor, float64(attempt-2)))
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	if jitter && delay > 0 {
		tenth := delay / 10
		if time.Now().UnixNano()%2 == 0 {
			delay += tenth
		} else {
			delay -= tenth
		}
	}
	return delay
}
