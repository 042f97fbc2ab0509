package lock

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy is bounded exponential backoff with equal jitter: the n-th delay
// is drawn from [c/2, c) where c = min(MaxBackoff, BaseBackoff*2^(n-1)).
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

func NewRetryPolicy(maxRetries int, base, max time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseBackoff: base, MaxBackoff: max}
}

func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	if p.BaseBackoff <= 0 {
		return errors.New("base backoff must be positive")
	}
	if p.MaxBackoff < p.BaseBackoff {
		return errors.New("max backoff must not be below base backoff")
	}
	return nil
}

// NextDelay returns the delay before retry number attempt (1-based), or false
// once MaxRetries retries have been scheduled.
func (p RetryPolicy) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}
	return p.Backoff(attempt), true
}

// Backoff is NextDelay without the retry budget. Spin polling is bounded by
// its wait deadline instead.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	c := p.ceiling(attempt)
	if c <= 0 {
		return 0
	}
	half := c / 2
	return half + time.Duration(p.jitter()*float64(c-half))
}

// MaxTotalWait bounds the sum of every delay NextDelay can return.
func (p RetryPolicy) MaxTotalWait() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxRetries; i++ {
		total += p.ceiling(i)
	}
	return total
}

func (p RetryPolicy) ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	c := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		if c >= p.MaxBackoff/2 {
			return p.MaxBackoff
		}
		c *= 2
	}
	if c > p.MaxBackoff {
		return p.MaxBackoff
	}
	return c
}

func (p RetryPolicy) jitter() float64 {
	if p.Jitter != nil {
		return p.Jitter()
	}
	return rand.Float64()
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
