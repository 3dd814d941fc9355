// Package busmaster drives a two-wire bus master peripheral for write
// transfers. The payload is moved by a DMA stream; the START, address and
// STOP phases are sequenced by the bus event interrupt. One transfer is in
// flight at a time and every wait is bounded by scheduler ticks.
package busmaster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/irq"
	"github.com/mklimuk/rclink/rtos"
	"github.com/mklimuk/rclink/sim"
)

var _ rclink.AddressableWriter = &Engine{}

// MaxAddress is the highest 7-bit target address.
const MaxAddress = 0x7F

type TransferState uint32

const (
	Idle TransferState = iota
	Transmitting
)

func (s TransferState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Transmitting:
		return "transmitting"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// PendingTransfer is what the event handler needs to know about the transfer
// in flight. Address is already shifted for the wire (write bit clear).
type PendingTransfer struct {
	Address byte
	Length  int
}

type EngineOpts struct {
	TakeTimeout       rtos.Ticks
	CompletionTimeout rtos.Ticks
	Speed             physic.Frequency
	EventPriority     uint8
	DMAPriority       uint8
}

type EngineOpt func(*EngineOpts)

// WithTakeTimeout bounds the wait for a previous transfer to finish.
func WithTakeTimeout(ticks rtos.Ticks) EngineOpt {
	return func(o *EngineOpts) {
		o.TakeTimeout = ticks
	}
}

// WithCompletionTimeout bounds the wait for the transfer just started.
func WithCompletionTimeout(ticks rtos.Ticks) EngineOpt {
	return func(o *EngineOpts) {
		o.CompletionTimeout = ticks
	}
}

func WithSpeed(speed physic.Frequency) EngineOpt {
	return func(o *EngineOpts) {
		o.Speed = speed
	}
}

func WithEventPriority(priority uint8) EngineOpt {
	return func(o *EngineOpts) {
		o.EventPriority = priority
	}
}

func WithDMAPriority(priority uint8) EngineOpt {
	return func(o *EngineOpts) {
		o.DMAPriority = priority
	}
}

type Engine struct {
	config EngineOpts

	ctrl *irq.Controller
	bus  *sim.I2C
	dma  *sim.DMAStream

	done    *rtos.BinarySemaphore
	state   atomic.Uint32
	aborts  atomic.Uint64
	mx      sync.Mutex
	pending PendingTransfer
	initMx  sync.Mutex
	ready   atomic.Bool
}

func New(ctrl *irq.Controller, bus *sim.I2C, dma *sim.DMAStream, opts ...EngineOpt) *Engine {
	config := EngineOpts{
		TakeTimeout:       10,
		CompletionTimeout: 10,
		Speed:             400 * physic.KiloHertz,
		EventPriority:     5,
		DMAPriority:       5,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Engine{
		config: config,
		ctrl:   ctrl,
		bus:    bus,
		dma:    dma,
		done:   rtos.NewBinarySemaphore(),
	}
}

// Init programs bus timing and wires both interrupt lines. The peripheral
// event interrupt itself stays masked until a transfer starts.
func (e *Engine) Init(ctx context.Context) error {
	e.initMx.Lock()
	defer e.initMx.Unlock()
	if e.ready.Load() {
		return nil
	}
	if err := e.bus.Configure(e.config.Speed); err != nil {
		return fmt.Errorf("could not configure bus: %w", err)
	}
	e.bus.EnableDMA()
	e.bus.DisableEventInterrupt()
	e.state.Store(uint32(Idle))
	e.done.Give()
	e.bus.SetHandler(e.config.EventPriority, e.onEvent).Enable()
	e.dma.SetHandler(e.config.DMAPriority, e.onDMAComplete).Enable()
	e.ready.Store(true)
	slog.Debug("bus master ready", "bus", e.bus.Name(), "speed", e.config.Speed.String())
	return nil
}

// Write sends data to the target at a 7-bit address and waits for the STOP
// condition. ErrBusy means the previous transfer still holds the engine, this
// one did not finish in time or it was aborted by Release. A transfer that
// did not finish in time keeps the engine held until it completes.
//
// The semaphore is both the engine lock and the completion signal, so state
// is only written while it is held or from the event handler.
func (e *Engine) Write(ctx context.Context, data []byte, address byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty write buffer: %w", rclink.ErrInvalidArgument)
	}
	if address > MaxAddress {
		return fmt.Errorf("address %#x is not a 7-bit address: %w", address, rclink.ErrInvalidArgument)
	}
	if !e.ready.Load() {
		return fmt.Errorf("bus master not initialized: %w", sim.ErrNotConfigured)
	}
	if err := e.done.Take(ctx, e.config.TakeTimeout); err != nil {
		return fmt.Errorf("%w: waiting for previous transfer: %w", rclink.ErrBusy, err)
	}

	err := e.dma.Configure(sim.DMAConfig{
		Priority:          sim.PriorityHigh,
		Direction:         sim.MemoryToPeripheral,
		ElementSize:       sim.Size8Bit,
		MemoryIncrement:   true,
		CompleteInterrupt: true,
		Memory:            sim.ByteMemory(append([]byte(nil), data...)),
		Peripheral:        e.bus,
	})
	if err != nil {
		e.done.Give()
		return fmt.Errorf("%w: could not program dma: %w", rclink.ErrBusy, err)
	}
	e.mx.Lock()
	e.pending = PendingTransfer{Address: address << 1, Length: len(data)}
	e.mx.Unlock()
	aborts := e.aborts.Load()
	e.state.Store(uint32(Transmitting))
	e.bus.EnableEventInterrupt()
	e.bus.GenerateStart()

	if err := e.done.Take(ctx, e.config.CompletionTimeout); err != nil {
		// the handler gives the semaphore once the transfer ends
		return fmt.Errorf("%w: transfer to %#x not finished: %w", rclink.ErrBusy, address, err)
	}
	e.state.Store(uint32(Idle))
	e.done.Give()
	if e.aborts.Load() != aborts {
		return fmt.Errorf("%w: transfer to %#x aborted", rclink.ErrBusy, address)
	}
	return nil
}

// WriteToAddr is Write with the argument order of rclink.AddressableWriter.
func (e *Engine) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return e.Write(ctx, buffer, address)
}

// Release aborts a transfer in flight and frees the engine. A target that
// never acknowledged its address leaves the engine held until Release; there
// is no automatic bus error recovery. A Write still waiting for the aborted
// transfer returns ErrBusy. Release does nothing on an idle engine.
func (e *Engine) Release(ctx context.Context) error {
	if !e.state.CompareAndSwap(uint32(Transmitting), uint32(Idle)) {
		return nil
	}
	e.aborts.Add(1)
	e.dma.Disable()
	e.dma.ClearTransferComplete()
	e.bus.DisableEventInterrupt()
	e.bus.GenerateStop()
	e.done.Give()
	slog.Debug("bus master released", "bus", e.bus.Name())
	return nil
}

// TransferTime is the bus time of a write of n payload bytes: the address
// byte and the payload, nine clocks each.
func TransferTime(n int, speed physic.Frequency) time.Duration {
	return time.Duration(n+1) * 9 * speed.Period()
}

func (e *Engine) State() TransferState {
	return TransferState(e.state.Load())
}

// Pending returns the last transfer handed to the event handler.
func (e *Engine) Pending() PendingTransfer {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.pending
}

// SetSpeed reprograms bus timing. It must not be called with a transfer in
// flight.
func (e *Engine) SetSpeed(speed physic.Frequency) error {
	if err := e.bus.Configure(speed); err != nil {
		return err
	}
	e.config.Speed = speed
	return nil
}

func (e *Engine) onEvent() {
	st := e.bus.Status()
	switch {
	case st.StartSent:
		e.bus.WriteData(e.Pending().Address)
	case st.AddrAcked:
		e.bus.ClearAddr()
		e.bus.DisableEventInterrupt()
		if err := e.dma.Enable(); err != nil {
			slog.Warn("could not start dma", "bus", e.bus.Name(), "error", err)
		}
	case st.ByteTransferFinished:
		e.bus.DisableEventInterrupt()
		// Release may have taken the transfer over
		if !e.state.CompareAndSwap(uint32(Transmitting), uint32(Idle)) {
			return
		}
		e.bus.GenerateStop()
		e.ctrl.YieldFromISR(e.done.GiveFromISR())
	}
}

func (e *Engine) onDMAComplete() {
	if !e.dma.TransferComplete() {
		return
	}
	e.dma.ClearTransferComplete()
	e.dma.Disable()
	e.bus.EnableEventInterrupt()
}
