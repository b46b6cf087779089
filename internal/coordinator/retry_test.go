package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		attempts := 0
		cfg := retryConfig{maxRetries: 3, backoffBase: 5 * time.Millisecond, backoffMax: 50 * time.Millisecond}

		err := withRetry(context.Background(), cfg, func() error {
			attempts++
			return nil
		})

		if err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("success after transient errors", func(t *testing.T) {
		attempts := 0
		cfg := retryConfig{maxRetries: 3, backoffBase: 5 * time.Millisecond, backoffMax: 50 * time.Millisecond}

		err := withRetry(context.Background(), cfg, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})

		if err != nil {
			t.Errorf("expected no error, got: %v", err)
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("non-transient error fails fast", func(t *testing.T) {
		attempts := 0
		cfg := retryConfig{maxRetries: 3, backoffBase: 5 * time.Millisecond, backoffMax: 50 * time.Millisecond}

		err := withRetry(context.Background(), cfg, func() error {
			attempts++
			return errors.New("unique constraint violation")
		})

		if err == nil {
			t.Fatal("expected an error")
		}
		if attempts != 1 {
			t.Errorf("expected 1 attempt for a non-transient error, got %d", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		attempts := 0
		cfg := retryConfig{maxRetries: 2, backoffBase: 5 * time.Millisecond, backoffMax: 50 * time.Millisecond}

		err := withRetry(context.Background(), cfg, func() error {
			attempts++
			return errors.New("connection refused")
		})

		if err == nil {
			t.Fatal("expected an error")
		}
		if attempts != 3 {
			t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
		}
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cfg := retryConfig{maxRetries: 5, backoffBase: 50 * time.Millisecond, backoffMax: 200 * time.Millisecond}

		attempts := 0
		done := make(chan error, 1)
		go func() {
			done <- withRetry(ctx, cfg, func() error {
				attempts++
				cancel()
				return errors.New("timeout")
			})
		}()

		select {
		case err := <-done:
			if err == nil {
				t.Fatal("expected an error")
			}
		case <-time.After(time.Second):
			t.Fatal("withRetry did not respect context cancellation")
		}
	})
}
