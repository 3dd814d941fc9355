// Package rtos provides the scheduler-tick based synchronization primitives the
// peripheral drivers share with their interrupt handlers: a binary semaphore and a
// bounded byte queue, each with blocking task-side calls and non-blocking
// interrupt-safe variants.
//
// Every blocking call is bounded by a number of scheduler ticks. There is no
// "wait forever" value.
package rtos

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Ticks is the unit in which every bounded wait is expressed.
type Ticks uint32

const DefaultTickPeriod = time.Millisecond

var ErrTimeout = errors.New("rtos: bounded wait expired")

var tickPeriod atomic.Int64

func init() {
	tickPeriod.Store(int64(DefaultTickPeriod))
}

// SetTickPeriod changes the wall-clock length of one tick. It is meant to be
// called once at startup, before any driver is initialized.
func SetTickPeriod(period time.Duration) {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	tickPeriod.Store(int64(period))
}

func TickPeriod() time.Duration {
	return time.Duration(tickPeriod.Load())
}

func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * TickPeriod()
}

// TicksFor returns the number of ticks covering d, rounded up.
func TicksFor(d time.Duration) Ticks {
	if d <= 0 {
		return 0
	}
	p := TickPeriod()
	return Ticks((d + p - 1) / p)
}

// DelayUntil blocks until period ticks after *last and then advances *last by
// the period, giving a fixed-rate loop regardless of how long the body took.
// A zero *last is initialized to the current time.
func DelayUntil(ctx context.Context, last *time.Time, period Ticks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if last.IsZero() {
		*last = time.Now()
	}
	next := last.Add(period.Duration())
	*last = next
	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deadline returns a channel firing after timeout ticks. A zero timeout yields
// a nil channel; callers must treat it as a non-blocking attempt.
func deadline(timeout Ticks) (<-chan time.Time, func()) {
	if timeout == 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout.Duration())
	return timer.C, func() { timer.Stop() }
}
