package rtos

import (
	"context"
	"sync/atomic"
)

// BinarySemaphore is a single-slot rendezvous between tasks and interrupt
// handlers. Its count is either 0 (taken) or 1 (available); giving an available
// semaphore does nothing.
type BinarySemaphore struct {
	token   chan struct{}
	waiters atomic.Int32
}

// NewBinarySemaphore returns a semaphore in the taken state.
func NewBinarySemaphore() *BinarySemaphore {
	return &BinarySemaphore{token: make(chan struct{}, 1)}
}

// Take blocks until the semaphore is available, timeout ticks elapse or ctx is
// done. A zero timeout makes a single non-blocking attempt.
func (s *BinarySemaphore) Take(ctx context.Context, timeout Ticks) error {
	select {
	case <-s.token:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrTimeout
	}
	expired, stop := deadline(timeout)
	defer stop()
	s.waiters.Add(1)
	defer s.waiters.Add(-1)
	select {
	case <-s.token:
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TakeFromISR never blocks.
func (s *BinarySemaphore) TakeFromISR() bool {
	select {
	case <-s.token:
		return true
	default:
		return false
	}
}

// Give makes the semaphore available. It reports false if it already was.
func (s *BinarySemaphore) Give() bool {
	select {
	case s.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// GiveFromISR is Give for interrupt context. woken is true when a task was
// blocked in Take and is now runnable, i.e. the handler should yield.
func (s *BinarySemaphore) GiveFromISR() (woken bool) {
	if !s.Give() {
		return false
	}
	return s.waiters.Load() > 0
}

func (s *BinarySemaphore) Available() bool {
	return len(s.token) == 1
}
