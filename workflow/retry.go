package workflow

import (
	"context"
	"time"
)

// WithTransientRetry runs fn up to the configured attempt budget, backing off
// between attempts. Validation and state errors abort immediately; only
// transient failures are retried.
func WithTransientRetry(ctx context.Context, attempts int, initialBackoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := initialBackoff
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
