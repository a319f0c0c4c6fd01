package querycache

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"github.com/unkn0wn-root/querycache/key"
)

// Retry is an exponential-backoff retry policy for fetches. The zero value
// performs a single attempt. Zero BaseDelay/MaxDelay/Factor fall back to
// 100ms / 10s / 2.
type Retry struct {
	MaxAttempts int // total attempts including the first; <=0 => 1
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool
}

func (c *Client[V]) resolveRetry(override *Retry) Retry {
	if override != nil {
		return *override
	}
	return c.retry
}

// runWithRetry executes fn until it succeeds, attempts are exhausted, or
// ctx is cancelled. Sleeps go through the injected clock.
func (c *Client[V]) runWithRetry(ctx context.Context, can key.Canonical, fn FetchFunc[V], pol Retry) (V, error) {
	var zero V
	attempts := pol.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    pol.BaseDelay,
		Max:    pol.MaxDelay,
		Factor: pol.Factor,
		Jitter: pol.Jitter,
	}
	var lastErr error
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt >= attempts {
			break
		}
		d := b.Duration()
		c.hooks.FetchRetryScheduled(can.String(), attempt, d)
		c.log.Debug("fetch retry scheduled", Fields{"key": can.String(), "attempt": attempt, "delay": d})
		select {
		case <-c.clock.After(d):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, lastErr
}
