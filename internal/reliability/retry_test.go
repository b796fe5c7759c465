package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows and is capped", func(t *testing.T) {
		b := NewExponentialBackoff(10*time.Millisecond, 50*time.Millisecond, 2, 5)
		b.Jitter = 0

		assert.Equal(t, 10*time.Millisecond, b.Delay(0))
		assert.Equal(t, 20*time.Millisecond, b.Delay(1))
		assert.Equal(t, 40*time.Millisecond, b.Delay(2))
		assert.Equal(t, 50*time.Millisecond, b.Delay(3))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 5)
		for i := 0; i < 50; i++ {
			d := b.Delay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})

	t.Run("stops after max retries", func(t *testing.T) {
		b := NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 2)
		_, again := b.Next(2, errors.New("boom"))
		assert.False(t, again)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns RetryError when exhausted", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func(ctx context.Context) error {
			calls++
			return boom
		})

		var rerr *RetryError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, 3, rerr.Attempts)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		boom := errors.New("bad payload")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			calls++
			return Permanent(boom)
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("NoRetry runs once and returns the raw error", func(t *testing.T) {
		boom := errors.New("boom")
		err := Retry(context.Background(), NoRetry(), func(ctx context.Context) error { return boom })
		assert.Equal(t, boom, err)
	})

	t.Run("stops waiting when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("boom")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(&CircuitOpenError{Name: "t"}))
}
