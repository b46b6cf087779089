package limiter

import (
	"context"
	"testing"
	"time"
)

func TestSemaphore_AcquireRelease(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()

	if err := s.Acquire(ctx, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.TryAcquire(1) {
		t.Fatal("expected semaphore to be full")
	}
	s.Release(1)
	if !s.TryAcquire(1) {
		t.Fatal("expected a slot to be free after release")
	}
}

func TestSemaphore_FIFOOrdering(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()
	if err := s.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	order := make(chan int, 2)
	go func() {
		s.Acquire(ctx, 1)
		order <- 1
	}()
	time.Sleep(20 * time.Millisecond)
	go func() {
		s.Acquire(ctx, 1)
		order <- 2
	}()
	time.Sleep(20 * time.Millisecond)

	s.Release(1) // should admit waiter 1
	first := <-order
	if first != 1 {
		t.Fatalf("expected FIFO waiter 1 to be admitted first, got %d", first)
	}

	s.Release(1) // should admit waiter 2
	second := <-order
	if second != 2 {
		t.Fatalf("expected FIFO waiter 2 admitted second, got %d", second)
	}
}

func TestSemaphore_AcquireRespectsContextCancellation(t *testing.T) {
	s := NewSemaphore(1)
	if err := s.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx, 1)
	if err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestSemaphore_SetMaxAdmitsWaiters(t *testing.T) {
	s := NewSemaphore(1)
	ctx := context.Background()
	if err := s.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		s.Acquire(ctx, 1)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	s.SetMax(2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be admitted after SetMax raised the ceiling")
	}
}

func TestSemaphore_HasCapacityRequiresEmptyQueue(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()
	if err := s.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if !s.HasCapacity(1) {
		t.Fatal("expected capacity with no waiters queued")
	}

	blocked, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Acquire(ctx, 1); err != nil {
		t.Fatal(err)
	}

	go s.Acquire(blocked, 1)
	time.Sleep(20 * time.Millisecond)

	if s.HasCapacity(0) {
		t.Fatal("expected HasCapacity to report false while a waiter is queued")
	}
}
