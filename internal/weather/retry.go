package weather

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls per-city exponential backoff with jitter.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter adds up to Jitter*delay of uniform random delay. 0 disables it.
	Jitter float64

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultRetryPolicy retries five times starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Minute,
		Jitter:     1.0,
	}
}

// Delay returns the wait before retry number n (0-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}

	delay := p.BaseDelay
	if exp := math.Pow(2, float64(n)); float64(delay)*exp < float64(math.MaxInt64/2) {
		delay = time.Duration(float64(delay) * exp)
	} else {
		delay = time.Duration(math.MaxInt64 / 2)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		delay += time.Duration(rnd() * p.Jitter * float64(delay))
	}
	return delay
}

// sleepWithContext waits for delay or returns early when ctx is canceled.
func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
