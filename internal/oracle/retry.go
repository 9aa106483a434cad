package oracle

import (
	"context"
	"math"
	"time"
)

// Retrying wraps an Oracle with exponential backoff on transient failures.
// Malformed output is not a transport failure and is never retried here.
type Retrying struct {
	inner      Oracle
	maxRetries int
	baseDelay  time.Duration
}

// WithRetry wraps o. maxRetries of 0 disables retrying.
func WithRetry(o Oracle, maxRetries int) *Retrying {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Retrying{inner: o, maxRetries: maxRetries, baseDelay: 500 * time.Millisecond}
}

// Generate calls the wrapped oracle, retrying transient failures.
func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		out, err := r.inner.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == r.maxRetries {
			break
		}
		if err := r.backoff(ctx, attempt); err != nil {
			break
		}
	}
	return "", lastErr
}

func (r *Retrying) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(r.baseDelay) * math.Pow(2, float64(attempt)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
