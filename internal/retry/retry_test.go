package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func retryableClassifier(err error) bool {
	return errors.Is(err, errTransient)
}

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), retryableClassifier, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableThenSucceeds(t *testing.T) {
	calls := 0
	policy := Policy{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	err := Do(context.Background(), policy, retryableClassifier, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoFailsImmediatelyOnNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultPolicy(), retryableClassifier, func(ctx context.Context, attempt int) error {
		calls++
		return errFatal
	})
	require.ErrorIs(t, err, errFatal)
	require.Equal(t, 1, calls)
}

func TestDoExhaustsAndReturnsExhaustedError(t *testing.T) {
	policy := Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	calls := 0
	err := Do(context.Background(), policy, retryableClassifier, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})
	require.True(t, IsExhausted(err))
	require.Equal(t, 3, calls) // initial + 2 retries
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := Policy{MaxRetries: 5, InitialDelay: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, retryableClassifier, func(ctx context.Context, attempt int) error {
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDelayIsExponential(t *testing.T) {
	policy := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Hour, Jitter: 0}
	require.Equal(t, 100*time.Millisecond, policy.Delay(1))
	require.Equal(t, 200*time.Millisecond, policy.Delay(2))
	require.Equal(t, 400*time.Millisecond, policy.Delay(3))
}

func TestDelayRespectsMax(t *testing.T) {
	policy := Policy{InitialDelay: 100 * time.Millisecond, Multiplier: 10, MaxDelay: 500 * time.Millisecond, Jitter: 0}
	require.Equal(t, 500*time.Millisecond, policy.Delay(5))
}
