package rtos

import (
	"context"
	"sync/atomic"
)

// Queue is a fixed-capacity FIFO of bytes. Producer and consumer may sit on
// opposite sides of the interrupt boundary. A full queue never overwrites.
type Queue struct {
	items     chan byte
	senders   atomic.Int32
	receivers atomic.Int32
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{items: make(chan byte, capacity)}
}

// Send appends b, waiting up to timeout ticks for room.
func (q *Queue) Send(ctx context.Context, b byte, timeout Ticks) error {
	select {
	case q.items <- b:
		return nil
	default:
	}
	if timeout == 0 {
		return ErrTimeout
	}
	expired, stop := deadline(timeout)
	defer stop()
	q.senders.Add(1)
	defer q.senders.Add(-1)
	select {
	case q.items <- b:
		return nil
	case <-expired:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive removes the oldest byte, waiting up to timeout ticks for one to arrive.
func (q *Queue) Receive(ctx context.Context, timeout Ticks) (byte, error) {
	select {
	case b := <-q.items:
		return b, nil
	default:
	}
	if timeout == 0 {
		return 0, ErrTimeout
	}
	expired, stop := deadline(timeout)
	defer stop()
	q.receivers.Add(1)
	defer q.receivers.Add(-1)
	select {
	case b := <-q.items:
		return b, nil
	case <-expired:
		return 0, ErrTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// SendFromISR never blocks. woken is true when a task blocked in Receive can
// now make progress.
func (q *Queue) SendFromISR(b byte) (ok, woken bool) {
	select {
	case q.items <- b:
		return true, q.receivers.Load() > 0
	default:
		return false, false
	}
}

// ReceiveFromISR never blocks. woken is true when a task blocked in Send can
// now make progress.
func (q *Queue) ReceiveFromISR() (b byte, ok, woken bool) {
	select {
	case b = <-q.items:
		return b, true, q.senders.Load() > 0
	default:
		return 0, false, false
	}
}

func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) Cap() int {
	return cap(q.items)
}
