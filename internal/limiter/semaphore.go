package limiter

import (
	"container/list"
	"context"
	"sync"
)

type semWaiter struct {
	n        int64
	ch       chan struct{}
	admitted bool
}

// Semaphore is a counting semaphore over non-negative integers with a
// dynamic max and FIFO waiters: a waiter at the head of the queue blocks
// later waiters even if their smaller request would otherwise fit, so no
// request starves behind an unbounded stream of small ones.
type Semaphore struct {
	mu      sync.Mutex
	inUse   int64
	max     int64
	waiters *list.List
}

// NewSemaphore creates a semaphore with the given initial max.
func NewSemaphore(max int64) *Semaphore {
	return &Semaphore{max: max, waiters: list.New()}
}

// Acquire blocks until inUse+n <= max and this waiter reaches the head of
// the FIFO queue, then admits it. It returns ctx.Err() if cancelled first.
func (s *Semaphore) Acquire(ctx context.Context, n int64) error {
	s.mu.Lock()
	w := &semWaiter{n: n, ch: make(chan struct{}, 1)}
	elem := s.waiters.PushBack(w)
	s.tryAdmitLocked()
	s.mu.Unlock()

	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		if w.admitted {
			s.mu.Unlock()
			// Lost the cancellation race after being admitted; give the
			// permit back since the caller will not use it.
			s.Release(n)
			return ctx.Err()
		}
		s.waiters.Remove(elem)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// TryAcquire admits immediately without queuing if capacity is free and no
// other waiter is queued ahead (preserves FIFO fairness for the blocking
// path).
func (s *Semaphore) TryAcquire(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters.Len() == 0 && s.inUse+n <= s.max {
		s.inUse += n
		return true
	}
	return false
}

// HasCapacity reports whether n units could be admitted right now without
// actually acquiring them.
func (s *Semaphore) HasCapacity(n int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len() == 0 && s.inUse+n <= s.max
}

// Release decrements inUse by at most the current inUse, then admits
// queued waiters in FIFO order while they fit.
func (s *Semaphore) Release(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.inUse {
		n = s.inUse
	}
	s.inUse -= n
	s.tryAdmitLocked()
}

// SetMax updates the ceiling. If decreasing below current inUse, acquires
// simply wait (via tryAdmitLocked's normal capacity check) until releases
// bring inUse back under the new maximum.
func (s *Semaphore) SetMax(newMax int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = newMax
	s.tryAdmitLocked()
}

func (s *Semaphore) tryAdmitLocked() {
	for {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		w := front.Value.(*semWaiter)
		if s.inUse+w.n > s.max {
			return
		}
		s.inUse += w.n
		w.admitted = true
		s.waiters.Remove(front)
		w.ch <- struct{}{}
	}
}

// GetStats takes an instant snapshot.
func (s *Semaphore) GetStats() SemaphoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	available := s.max - s.inUse
	if available < 0 {
		available = 0
	}
	return SemaphoreStats{InUse: s.inUse, Max: s.max, Available: available, Waiting: s.waiters.Len()}
}
