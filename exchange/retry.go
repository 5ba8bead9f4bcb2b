package exchange

import (
	"context"
	"errors"
	"time"
)

const rateLimitMaxAttempts = 3

// rateLimitBackoff is the exponential backoff schedule between
// attempts (spec §4.A, "back off exponentially (2, 4, 8 s capped at
// 60 s) and retry up to a per-call maximum of 3; on the third failure
// fail with RateLimited").
var rateLimitBackoff = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// WithRateLimitRetry runs attempt, retrying on a venue 429
// (*RateLimitedError) with the spec's backoff schedule, capped at
// rateLimitMaxAttempts total tries. Any other error returns
// immediately without retry.
func WithRateLimitRetry(ctx context.Context, attempt func() ([]byte, error)) ([]byte, error) {
	var lastErr error
	for i := 0; i < rateLimitMaxAttempts; i++ {
		data, err := attempt()
		if err == nil {
			return data, nil
		}
		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			return nil, err
		}
		lastErr = err
		if i == rateLimitMaxAttempts-1 {
			break
		}

		delay := rateLimitBackoff[i]
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
