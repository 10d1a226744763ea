package analysis

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// retryPolicy runs an operation up to maxAttempts times. After failed attempt
// k it waits min(initial*2^(k-1), max), without jitter.
type retryPolicy struct {
	maxAttempts int
	initial     time.Duration
	max         time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// retryNotify is called before each wait.
type retryNotify func(attempt int, delay time.Duration, err error)

func (p retryPolicy) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.max,
	}
	b.Reset()
	return b
}

// do returns the operation's value, the number of attempts made and the last
// error. Cancellation of ctx ends the loop early.
func (p retryPolicy) do(ctx context.Context, op func(context.Context) (string, error), notify retryNotify) (string, int, error) {
	maxAttempts := p.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	schedule := p.schedule()
	for attempt := 1; ; attempt++ {
		out, err := op(ctx)
		if err == nil {
			return out, attempt, nil
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return "", attempt, err
		}
		delay := schedule.NextBackOff()
		if notify != nil {
			notify(attempt, delay, err)
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return "", attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
