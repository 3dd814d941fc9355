// Package sim provides register-level models of the peripherals the drivers in
// this module program: a two-wire bus master, DMA streams, a USART and a
// scanning ADC. Each model exposes the status flags and control bits the real
// hardware has and asserts an interrupt line on an irq.Controller, so the
// drivers keep the exact interrupt/task hand-off they use on silicon.
package sim

import (
	"errors"
	"sync/atomic"

	"github.com/mklimuk/rclink/irq"
)

var (
	ErrUnsupported   = errors.New("sim: operation not supported by peripheral")
	ErrNotConfigured = errors.New("sim: peripheral not configured")
	ErrStreamEnabled = errors.New("sim: stream must be disabled to be reconfigured")
	ErrStopped       = errors.New("sim: peripheral stopped")
)

// irqSource is the wiring between a peripheral and its interrupt line. The
// driver owning the peripheral supplies the handler.
type irqSource struct {
	ctrl *irq.Controller
	name string
	line atomic.Pointer[irq.Line]
}

func (s *irqSource) register(priority uint8, handler irq.Handler, level irq.Level) *irq.Line {
	l := s.ctrl.Register(s.name, priority, handler, level)
	s.line.Store(l)
	return l
}

// IRQ returns the registered line or nil.
func (s *irqSource) IRQ() *irq.Line {
	return s.line.Load()
}

func (s *irqSource) pend() {
	if l := s.line.Load(); l != nil {
		l.Pend()
	}
}

// Name returns the peripheral instance name.
func (s *irqSource) Name() string {
	return s.name
}
