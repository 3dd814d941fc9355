// Package stream is an interrupt driven full-duplex byte link on top of a
// USART. Outgoing bytes are queued by the caller and drained by the transmit
// interrupt; incoming bytes are queued by the receive interrupt and drained by
// the caller.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/irq"
	"github.com/mklimuk/rclink/rtos"
	"github.com/mklimuk/rclink/sim"
)

var _ rclink.ByteStream = &Driver{}

const DefaultQueueCapacity = 32

type DriverOpts struct {
	QueueCapacity int
	TakeTimeout   rtos.Ticks
	ByteTimeout   rtos.Ticks
	Baud          int
	Priority      uint8
}

type DriverOpt func(*DriverOpts)

func WithQueueCapacity(capacity int) DriverOpt {
	return func(o *DriverOpts) {
		o.QueueCapacity = capacity
	}
}

// WithTakeTimeout bounds the wait for the direction to become free.
func WithTakeTimeout(ticks rtos.Ticks) DriverOpt {
	return func(o *DriverOpts) {
		o.TakeTimeout = ticks
	}
}

// WithByteTimeout bounds the wait for each queued byte.
func WithByteTimeout(ticks rtos.Ticks) DriverOpt {
	return func(o *DriverOpts) {
		o.ByteTimeout = ticks
	}
}

func WithBaud(baud int) DriverOpt {
	return func(o *DriverOpts) {
		o.Baud = baud
	}
}

func WithPriority(priority uint8) DriverOpt {
	return func(o *DriverOpts) {
		o.Priority = priority
	}
}

type Stats struct {
	Accepted  uint64 `yaml:"accepted"`
	TxDropped uint64 `yaml:"tx_dropped"`
	Received  uint64 `yaml:"received"`
	RxDropped uint64 `yaml:"rx_dropped"`
}

type Driver struct {
	config DriverOpts
	ctrl   *irq.Controller
	usart  *sim.USART

	txSem, rxSem *rtos.BinarySemaphore
	txQ, rxQ     *rtos.Queue

	initMx sync.Mutex
	ready  atomic.Bool

	accepted, txDropped, received, rxDropped atomic.Uint64
}

func New(ctrl *irq.Controller, usart *sim.USART, opts ...DriverOpt) *Driver {
	config := DriverOpts{
		QueueCapacity: DefaultQueueCapacity,
		TakeTimeout:   10,
		ByteTimeout:   5,
		Baud:          9600,
		Priority:      6,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Driver{
		config: config,
		ctrl:   ctrl,
		usart:  usart,
		txSem:  rtos.NewBinarySemaphore(),
		rxSem:  rtos.NewBinarySemaphore(),
		txQ:    rtos.NewQueue(config.QueueCapacity),
		rxQ:    rtos.NewQueue(config.QueueCapacity),
	}
}

// Init enables the USART with its receive interrupt and starts it on the
// attached wire. The peripheral runs until ctx is done.
func (d *Driver) Init(ctx context.Context) error {
	d.initMx.Lock()
	defer d.initMx.Unlock()
	if d.ready.Load() {
		return nil
	}
	if err := d.usart.Configure(d.config.Baud); err != nil {
		return fmt.Errorf("could not configure usart: %w", err)
	}
	d.txSem.Give()
	d.rxSem.Give()
	d.usart.EnableRxInterrupt()
	d.usart.EnableReceiver()
	d.usart.EnableTransmitter()
	d.usart.SetHandler(d.config.Priority, d.onInterrupt).Enable()
	if err := d.usart.Start(ctx); err != nil {
		return fmt.Errorf("could not start usart: %w", err)
	}
	d.ready.Store(true)
	slog.Debug("stream ready", "usart", d.usart.Name(), "baud", d.config.Baud)
	return nil
}

// Send queues buffer for transmission and returns the number of bytes
// accepted. Bytes that do not fit in the queue within the byte timeout are
// dropped. The call returns before the bytes are on the wire; the next Send
// waits until the queue has drained.
func (d *Driver) Send(ctx context.Context, buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, fmt.Errorf("empty send buffer: %w", rclink.ErrInvalidArgument)
	}
	if !d.ready.Load() {
		return 0, fmt.Errorf("stream not initialized: %w", sim.ErrNotConfigured)
	}
	if err := d.txSem.Take(ctx, d.config.TakeTimeout); err != nil {
		return 0, fmt.Errorf("%w: transmitter: %w", rclink.ErrBusy, err)
	}
	accepted := 0
	for _, b := range buffer {
		if err := d.txQ.Send(ctx, b, d.config.ByteTimeout); err != nil {
			d.txDropped.Add(1)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		d.txSem.Give()
		return 0, fmt.Errorf("%w: transmit queue full", rclink.ErrBusy)
	}
	if accepted < len(buffer) {
		slog.Debug("send truncated", "usart", d.usart.Name(), "accepted", accepted, "requested", len(buffer))
	}
	d.accepted.Add(uint64(accepted))
	d.usart.EnableTxInterrupt()
	return accepted, nil
}

// Receive reads up to len(buffer) bytes and returns how many were read. It
// stops at the first byte that does not arrive within the byte timeout. Once
// the receive side has been taken it is only handed back by incoming data.
func (d *Driver) Receive(ctx context.Context, buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, fmt.Errorf("empty receive buffer: %w", rclink.ErrInvalidArgument)
	}
	if !d.ready.Load() {
		return 0, fmt.Errorf("stream not initialized: %w", sim.ErrNotConfigured)
	}
	if err := d.rxSem.Take(ctx, d.config.TakeTimeout); err != nil {
		return 0, fmt.Errorf("%w: receiver: %w", rclink.ErrBusy, err)
	}
	n := 0
	for n < len(buffer) {
		b, err := d.rxQ.Receive(ctx, d.config.ByteTimeout)
		if err != nil {
			break
		}
		buffer[n] = b
		n++
	}
	return n, nil
}

func (d *Driver) Stats() Stats {
	return Stats{
		Accepted:  d.accepted.Load(),
		TxDropped: d.txDropped.Load(),
		Received:  d.received.Load(),
		RxDropped: d.rxDropped.Load(),
	}
}

func (d *Driver) onInterrupt() {
	woken := false
	st := d.usart.Status()
	// TXE is idle-high; only drain while a Send has armed the interrupt
	if st.TxEmpty && d.usart.TxInterruptEnabled() {
		if b, ok, w := d.txQ.ReceiveFromISR(); ok {
			woken = woken || w
			d.usart.WriteData(b)
		} else {
			woken = d.txSem.GiveFromISR() || woken
			d.usart.DisableTxInterrupt()
		}
	}
	if st.RxNotEmpty {
		b := d.usart.ReadData()
		if ok, w := d.rxQ.SendFromISR(b); ok {
			d.received.Add(1)
			woken = w || woken
			woken = d.rxSem.GiveFromISR() || woken
		} else {
			d.rxDropped.Add(1)
		}
	}
	d.ctrl.YieldFromISR(woken)
}
