package client

import (
	"context"
	"errors"

	"github.com/modelpanel/api/internal/resilience"
)

// Protected wraps a Backend so every call runs under retry with backoff
// and a shared circuit breaker. The breaker must be the single instance
// guarding this backend process-wide, otherwise failure counting is
// meaningless.
type Protected struct {
	backend Backend
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
}

// NewProtected builds the resilience-wrapped port the executor consumes
func NewProtected(backend Backend, breaker *resilience.Breaker, retry resilience.RetryConfig) *Protected {
	if retry.Retryable == nil {
		// A rejected call proves nothing new about the backend; retrying
		// against an open breaker only burns attempts. Cancellation is
		// terminal for the same reason.
		retry.Retryable = func(err error) bool {
			return !errors.Is(err, resilience.ErrBreakerOpen) &&
				!errors.Is(err, context.Canceled)
		}
	}
	return &Protected{
		backend: backend,
		breaker: breaker,
		retry:   retry,
	}
}

func (p *Protected) Name() string {
	return p.backend.Name()
}

// Generate calls the underlying backend; each attempt passes through the
// breaker and is bounded by the per-attempt timeout.
func (p *Protected) Generate(ctx context.Context, prompt string) (string, error) {
	var output string
	err := resilience.WithRetry(ctx, p.retry, func(ctx context.Context) error {
		return p.breaker.Execute(func() error {
			out, err := p.backend.Generate(ctx, prompt)
			if err != nil {
				return err
			}
			output = out
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return output, nil
}
