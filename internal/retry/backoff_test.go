package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  4,
		Jitter:       false,
	}
}

func TestRetrySucceedsEventually(t *testing.T) {
	b := NewBackoff(fastConfig())

	attempts := 0
	err := b.Retry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	b := NewBackoff(fastConfig())

	boom := errors.New("persistent")
	attempts := 0
	err := b.Retry(context.Background(), func() error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, attempts)
}

func TestRetryWithPredicateStopsEarly(t *testing.T) {
	b := NewBackoff(fastConfig())

	fatal := errors.New("fatal")
	attempts := 0
	err := b.RetryWithPredicate(context.Background(), func() error {
		attempts++
		return fatal
	}, func(err error) bool { return false })

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "non-retryable errors must not be retried")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.InitialDelay = time.Second
	b := NewBackoff(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := b.Retry(ctx, func() error {
		attempts++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDelayGrowsAndCaps(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       false,
	})

	assert.Equal(t, 10*time.Millisecond, b.GetNextDelay(1))
	assert.Equal(t, 20*time.Millisecond, b.GetNextDelay(2))
	assert.Equal(t, 40*time.Millisecond, b.GetNextDelay(3))
	assert.Equal(t, 40*time.Millisecond, b.GetNextDelay(6), "delay must cap at MaxDelay")
}

func TestJitteredDelayStaysBounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	})

	for i := 0; i < 50; i++ {
		d := b.GetNextDelay(3)
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
}
