// Package retry provides retry logic with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"

	appLog "mirrorcal/internal/log"
)

// Config holds the configuration for retry logic.
type Config struct {
	// MaxAttempts is the total number of attempts. Values below 1 mean 1.
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the multiplier for exponential backoff
	Multiplier float64

	// JitterFraction is the fraction of delay to add as random jitter (0.0 to 1.0)
	JitterFraction float64
}

// FeedFetchConfig returns the backoff used for calendar feeds with the
// given number of retries after the first attempt.
func FeedFetchConfig(retries int) Config {
	return Config{
		MaxAttempts:    retries + 1,
		InitialDelay:   2 * time.Second,
		MaxDelay:       15 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// WithBackoff executes fn until it succeeds, returns a non-retryable
// error, or MaxAttempts is reached. The last error is returned unwrapped
// so callers can still match it with errors.Is / errors.As.
func WithBackoff(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				appLog.Info("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		if !IsRetryable(lastErr) || attempt == attempts {
			return lastErr
		}

		appLog.Warn("operation failed, retrying", lastErr,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay.String(),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		delay = addJitter(delay, cfg.JitterFraction)
	}

	return lastErr
}

// IsRetryable determines if an error is worth retrying. Errors may opt in
// by implementing Retryable() bool.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// addJitter adds random jitter to a duration to prevent thundering herd.
func addJitter(duration time.Duration, jitterFraction float64) time.Duration {
	if jitterFraction <= 0 {
		return duration
	}
	if jitterFraction > 1.0 {
		jitterFraction = 1.0
	}
	// #nosec G404 -- jitter does not need cryptographic randomness.
	jitter := time.Duration(rand.Float64() * float64(duration) * jitterFraction)
	return duration + jitter
}
