// Package retry provides bounded exponential backoff for transient failures.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy describes a bounded exponential backoff curve.
type Policy struct {
	Attempts       int
	InitialBackoff time.Duration
	Factor         float64
	MaxBackoff     time.Duration
}

// Default matches the engine-wide retry policy: 3 attempts, 1s initial
// backoff, doubling.
var Default = Policy{
	Attempts:       3,
	InitialBackoff: time.Second,
	Factor:         2.0,
	MaxBackoff:     time.Minute,
}

// Do runs fn until it succeeds, declines to retry, or the attempt budget is
// exhausted. retryable decides whether a given failure is transient; a nil
// retryable retries every failure. The last error is returned wrapped with
// the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.InitialBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.Factor)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
