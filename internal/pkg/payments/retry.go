package payments

import (
	"context"
	"time"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d <= 0 || d > p.MaxDelay) {
		return p.MaxDelay
	}
	if d <= 0 {
		return p.BaseDelay
	}
	return d
}

// Do runs fn until it succeeds, returns an error retryable rejects, the
// attempts are used up or ctx ends. It returns the number of attempts made
// and the last error.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return i, nil
		}
		if !retryable(err) || i == attempts {
			return i, err
		}

		timer := time.NewTimer(p.delay(i))
		select {
		case <-ctx.Done():
			timer.Stop()
			return i, err
		case <-timer.C:
		}
	}
	return attempts, err
}
