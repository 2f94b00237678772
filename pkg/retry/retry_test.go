package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), Options{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	var seen []Attempt
	err := WithRetry(context.Background(), Options{
		Attempts:  4,
		BaseDelay: time.Millisecond,
		OnRetry:   func(a Attempt) { seen = append(seen, a) },
	}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].Attempt)
	assert.Equal(t, 2, seen[1].Attempt)
	assert.Equal(t, 4, seen[0].Attempts)
	assert.EqualError(t, seen[0].Err, "transient")
}

func TestWithRetryPropagatesLastError(t *testing.T) {
	calls := 0
	first := errors.New("first")
	last := errors.New("last")
	err := WithRetry(context.Background(), Options{Attempts: 3, BaseDelay: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return first
		}
		return last
	})
	require.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestWithRetryJitterWithinWindow(t *testing.T) {
	var delays []time.Duration
	_ = WithRetry(context.Background(), Options{
		Attempts:  4,
		BaseDelay: 8 * time.Millisecond,
		OnRetry:   func(a Attempt) { delays = append(delays, a.Delay) },
	}, func() error { return errors.New("always") })

	require.Len(t, delays, 3)
	assert.LessOrEqual(t, delays[0], 8*time.Millisecond)
	assert.LessOrEqual(t, delays[1], 16*time.Millisecond)
	assert.LessOrEqual(t, delays[2], 32*time.Millisecond)
}

func TestWithRetryHonorsMaxDelay(t *testing.T) {
	var delays []time.Duration
	_ = WithRetry(context.Background(), Options{
		Attempts:  5,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  15 * time.Millisecond,
		OnRetry:   func(a Attempt) { delays = append(delays, a.Delay) },
	}, func() error { return errors.New("always") })

	for _, d := range delays {
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	terminal := errors.New("bad request")
	err := WithRetry(context.Background(), Options{Attempts: 5, BaseDelay: time.Millisecond}, func() error {
		calls++
		return Permanent(terminal)
	})
	require.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, Options{Attempts: 10, BaseDelay: 50 * time.Millisecond}, func() error {
		calls++
		cancel()
		return errors.New("fail then cancel")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10, "cancellation must cut the retry budget short")
}
