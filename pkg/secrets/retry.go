package secrets

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExponentialLoadRetry returns a WithLoadRetry policy that keeps retrying an
// unreachable store with exponential backoff until maxElapsed has passed.
func ExponentialLoadRetry(maxElapsed time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 250 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = maxElapsed
		return b
	}
}
