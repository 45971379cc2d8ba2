package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return cfg
}

func TestDo_Success(t *testing.T) {
	count := 0
	v, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		count++
		return 42, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, count)
}

func TestDo_FailThenSuccess(t *testing.T) {
	count := 0
	var retries []int
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (struct{}, error) {
		count++
		if count < 3 {
			return struct{}{}, Temporary(errors.New("503"), 0)
		}
		return struct{}{}, nil
	}, func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("timeout")
	count := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		count++
		return 0, Temporary(cause, 0)
	}, nil)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, count)
}

func TestDo_NonTemporaryStopsImmediately(t *testing.T) {
	cause := errors.New("404")
	count := 0
	_, err := Do(context.Background(), fastConfig(), func(ctx context.Context) (int, error) {
		count++
		return 0, cause
	}, nil)

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, count)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	_, err := Do(ctx, fastConfig(), func(ctx context.Context) (int, error) {
		count++
		return 0, nil
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, count)
}

func TestDo_WaitsOnClock(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = fc
	cfg.Jitter = false

	var delays []time.Duration
	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
			return 0, Temporary(errors.New("429"), 5*time.Second)
		}, func(_ int, d time.Duration, _ error) {
			delays = append(delays, d)
		})
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			var exhausted *ExhaustedError
			require.ErrorAs(t, err, &exhausted)
			// retry-after beats the 1s and 2s backoff steps
			assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, delays)
			return
		case <-deadline:
			t.Fatal("retry loop did not finish")
		default:
			if fc.HasWaiters() {
				fc.Step(time.Minute)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: time.Second, MaxDelay: 3 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, calculateDelay(0, cfg))
	assert.Equal(t, 2*time.Second, calculateDelay(1, cfg))
	assert.Equal(t, 3*time.Second, calculateDelay(2, cfg))
}
