package coordinator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// retryConfig configures exponential backoff retry around coordinator
// database calls.
type retryConfig struct {
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
}

var defaultRetry = retryConfig{maxRetries: 3, backoffBase: 100 * time.Millisecond, backoffMax: 2 * time.Second}

// withRetry runs fn with exponential backoff and jitter, retrying only on
// errors that look like transient connection trouble rather than a
// constraint violation or bad query. Used around coordinator calls that
// run once at startup or on a fixed heartbeat cadence, where a retry loop
// is cheap insurance against a brief connection blip.
func withRetry(ctx context.Context, cfg retryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt, cfg.backoffBase, cfg.backoffMax)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
	}

	return fmt.Errorf("coordinator: retries exhausted: %w", lastErr)
}

func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))
	if backoff > max {
		backoff = max
	}
	jitterRange := float64(backoff) * 0.25
	backoff += time.Duration((rand.Float64() - 0.5) * 2 * jitterRange)
	if backoff < 0 {
		backoff = base
	}
	return backoff
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "timeout") ||
		strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "too many connections")
}
