package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"k8s.io/utils/clock"
)

// Config configures retry behavior.
type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
	Clock         clock.Clock
}

// DefaultConfig mirrors the dashboard client defaults: three attempts, one second doubling.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		Clock:         clock.RealClock{},
	}
}

// Temporary marks err as retryable. A positive after overrides the computed delay when it is longer.
func Temporary(err error, after time.Duration) error {
	return &temporaryError{err: err, after: after}
}

type temporaryError struct {
	err   error
	after time.Duration
}

func (e *temporaryError) Error() string {
	return e.err.Error()
}

func (e *temporaryError) Unwrap() error {
	return e.err
}

// IsTemporary reports whether err was marked with Temporary.
func IsTemporary(err error) bool {
	var t *temporaryError
	return errors.As(err, &t)
}

// ExhaustedError is returned when every attempt failed with a temporary error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Do calls fn until it succeeds, returns a non-temporary error, or the attempts run out.
// onRetry, if set, is called before each wait.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error), onRetry func(attempt int, delay time.Duration, err error)) (T, error) {
	var result T
	var lastErr error

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var err error
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var tmp *temporaryError
		if !errors.As(err, &tmp) {
			return result, err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		delay := calculateDelay(attempt, cfg)
		if tmp.after > delay {
			delay = tmp.after
		}
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-clk.After(delay):
		}
	}

	return result, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func calculateDelay(attempt int, cfg Config) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))

	if cfg.Jitter {
		// Add up to 25% jitter
		delay += delay * 0.25 * rand.Float64()
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
