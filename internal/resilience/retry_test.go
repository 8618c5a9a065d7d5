package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRetryable = errors.New("retryable")

func fastConfig(shouldRetry func(error) bool) RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ShouldRetry:    shouldRetry,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(nil), func(_ context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(func(err error) bool { return errors.Is(err, errRetryable) }),
		func(_ context.Context) error {
			calls++
			if calls < 3 {
				return errRetryable
			}
			return nil
		})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_BoundedAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(func(error) bool { return true }),
		func(_ context.Context) error {
			calls++
			return errRetryable
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(func(err error) bool { return errors.Is(err, errRetryable) }),
		func(_ context.Context) error {
			calls++
			return permanent
		})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_NilShouldRetryNeverRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(nil), func(_ context.Context) error {
		calls++
		return errRetryable
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(func(error) bool { return true }), func(_ context.Context) error {
		calls++
		cancel()
		return errRetryable
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_PreservesValue(t *testing.T) {
	calls := 0
	v, err := DoVal(context.Background(), fastConfig(func(error) bool { return true }),
		func(_ context.Context) (int, error) {
			calls++
			if calls < 2 {
				return 0, errRetryable
			}
			return 42, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestComputeBackoff_Capped(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialBackoff: time.Second, MaxBackoff: 2 * time.Second})
	for attempt := 0; attempt < 8; attempt++ {
		d := computeBackoff(attempt, cfg)
		assert.LessOrEqual(t, d, 3*time.Second) // cap + max jitter
	}
}
