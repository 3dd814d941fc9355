// Package irq models a nested-vector style interrupt controller for the
// simulated peripherals. Lines are level triggered: a line fires while it is
// enabled and its peripheral reports a pending condition. All handlers run on a
// single goroutine (the interrupt context), one at a time, highest priority
// first. Handlers must never block.
package irq

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// Handler is an interrupt service routine.
type Handler func()

// Level reports whether the peripheral behind a line is asserting it.
type Level func() bool

type Line struct {
	ctrl     *Controller
	name     string
	handler  Handler
	level    Level
	priority atomic.Uint32
	enabled  atomic.Bool
	fired    atomic.Uint64
}

// Enable unmasks the line. A condition already pending fires immediately.
func (l *Line) Enable() {
	l.enabled.Store(true)
	l.ctrl.poke()
}

func (l *Line) Disable() {
	l.enabled.Store(false)
}

func (l *Line) Enabled() bool {
	return l.enabled.Load()
}

// SetPriority sets the line priority; lower numbers are served first.
func (l *Line) SetPriority(priority uint8) {
	l.priority.Store(uint32(priority))
}

// Pend tells the controller the peripheral level may have changed.
func (l *Line) Pend() {
	l.ctrl.poke()
}

// Fired returns how many times the handler ran.
func (l *Line) Fired() uint64 {
	return l.fired.Load()
}

func (l *Line) Name() string {
	return l.name
}

func (l *Line) asserted() bool {
	return l.enabled.Load() && l.level()
}

type Controller struct {
	mx     sync.RWMutex
	lines  []*Line
	wake   chan struct{}
	yields atomic.Uint64
}

func NewController() *Controller {
	return &Controller{wake: make(chan struct{}, 1)}
}

// Register adds a disabled line. level must be safe to call from any goroutine.
func (c *Controller) Register(name string, priority uint8, handler Handler, level Level) *Line {
	l := &Line{ctrl: c, name: name, handler: handler, level: level}
	l.priority.Store(uint32(priority))
	c.mx.Lock()
	c.lines = append(c.lines, l)
	c.mx.Unlock()
	slog.Debug("interrupt line registered", "line", name, "priority", priority)
	return l
}

// Run is the interrupt context. It returns when ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		}
		c.dispatch(ctx)
	}
}

// YieldFromISR requests a deferred task switch when a handler made a waiting
// task runnable.
func (c *Controller) YieldFromISR(woken bool) {
	if !woken {
		return
	}
	c.yields.Add(1)
	runtime.Gosched()
}

func (c *Controller) Yields() uint64 {
	return c.yields.Load()
}

// Lines returns the number of registered lines.
func (c *Controller) Lines() int {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return len(c.lines)
}

func (c *Controller) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		line := c.next()
		if line == nil {
			return
		}
		line.handler()
		line.fired.Add(1)
		// a handler that leaves its condition set keeps firing, like real hardware,
		// but lets the tasks run in between
		runtime.Gosched()
	}
}

func (c *Controller) next() *Line {
	c.mx.RLock()
	defer c.mx.RUnlock()
	var best *Line
	for _, l := range c.lines {
		if !l.asserted() {
			continue
		}
		if best == nil || l.priority.Load() < best.priority.Load() {
			best = l
		}
	}
	return best
}

func (c *Controller) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
