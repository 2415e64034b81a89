package util

import (
	"context"
	"time"
)

// maxRetryDelay caps the exponential backoff so a long retry chain does not
// sleep for minutes between attempts.
const maxRetryDelay = 30 * time.Second

// Retry calls fn up to maxAttempts times, doubling the delay between
// attempts starting from baseDelay. It returns nil as soon as fn succeeds,
// the context error if cancelled while waiting, and otherwise the error
// from the final attempt.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= maxAttempts {
			return err
		}

		delay := baseDelay << (attempt - 1)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
