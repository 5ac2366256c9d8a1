// Package retry is the single bounded-retry-with-backoff helper used for
// every outbound call the coordinator makes (reload pushes, checkpoint
// writes). Failures are explicit outcomes: an operation either succeeds,
// fails retryably, or fails permanently via Fatal.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Do runs op with exponential backoff, at most maxTries attempts, giving
// up early when ctx is cancelled. The last error is returned once the
// attempt budget is exhausted.
func Do[T any](ctx context.Context, maxTries uint, initial time.Duration, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial

	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
}

// Fatal marks err as permanent so Do stops retrying immediately.
func Fatal(err error) error {
	return backoff.Permanent(err)
}
