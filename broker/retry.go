package broker

import (
	"context"
	"time"
)

// Backoff bounds a retry loop: a fixed number of attempts with an
// exponentially growing sleep between them, capped at Ceiling. It drives
// order submission retries; status polling (Submitter.PollUntilTerminal)
// runs its own doubling loop and does not use Backoff.
type Backoff struct {
	MaxAttempts int
	Initial     time.Duration
	Ceiling     time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}
	if b.Initial <= 0 {
		b.Initial = 500 * time.Millisecond
	}
	if b.Ceiling <= 0 {
		b.Ceiling = 30 * time.Second
	}
	return b
}

// Retry invokes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. retryable decides whether a given error is
// worth another attempt; a nil retryable retries every error. The last
// error is returned on exhaustion.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	b = b.withDefaults()
	interval := b.Initial
	var err error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
			interval *= 2
			if interval > b.Ceiling {
				interval = b.Ceiling
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
