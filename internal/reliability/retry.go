package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy decides whether and when to retry.
type Policy interface {
	// Next returns the delay before the retry following attempt (0-based),
	// or false when no retry should happen.
	Next(attempt int, err error) (time.Duration, bool)
}

// ExponentialBackoff multiplies the delay after each attempt.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      int
	// Jitter spreads each delay by ±Jitter/2 of its value.
	Jitter float64
}

// NewExponentialBackoff creates an exponential policy with 30% jitter.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Jitter:          0.3,
	}
}

func (b *ExponentialBackoff) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= b.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	return b.Delay(attempt), true
}

// Delay returns the wait after the given attempt.
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(attempt))
	if b.MaxInterval > 0 && delay > float64(b.MaxInterval) {
		delay = float64(b.MaxInterval)
	}
	if b.Jitter > 0 {
		delay += (rand.Float64() - 0.5) * b.Jitter * delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same time between attempts.
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxRetries: maxRetries}
}

func (f *FixedDelay) Next(attempt int, err error) (time.Duration, bool) {
	if attempt >= f.MaxRetries || !IsRetryable(err) {
		return 0, false
	}
	return f.Delay, true
}

// NoRetry runs the operation once.
func NoRetry() Policy {
	return &FixedDelay{}
}

// Retry runs fn until it succeeds or policy stops. A single failed attempt
// returns fn's error unchanged; exhausted retries return a *RetryError.
func Retry(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, again := policy.Next(attempt, err)
		if !again {
			if attempt == 0 {
				return err
			}
			return &RetryError{Attempts: attempt + 1, Duration: time.Since(start), LastError: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
