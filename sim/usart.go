package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mklimuk/rclink/irq"
)

type USARTStatus struct {
	TxEmpty    bool // TXE
	RxNotEmpty bool // RXNE
}

type USARTStats struct {
	Sent     uint64 `yaml:"sent"`
	Received uint64 `yaml:"received"`
	Overruns uint64 `yaml:"overruns"`
}

// USART is a byte-oriented serial peripheral. The transmitter shifts one byte
// per frame time onto the wire; the receiver latches one incoming byte in the
// data register and flags an overrun when the previous one was not read within
// a frame time.
type USART struct {
	irqSource
	mx       sync.Mutex
	baud     int
	byteTime time.Duration
	wire     io.ReadWriter

	txe, rxne     atomic.Bool
	txeie, rxneie atomic.Bool
	te, re        atomic.Bool
	rxData        atomic.Uint32

	shift  chan byte
	rxFree chan struct{}

	sent, received, overruns atomic.Uint64
}

func NewUSART(ctrl *irq.Controller, name string) *USART {
	u := &USART{
		irqSource: irqSource{ctrl: ctrl, name: name},
		shift:     make(chan byte, 1),
		rxFree:    make(chan struct{}, 1),
	}
	u.txe.Store(true)
	_ = u.Configure(9600)
	return u
}

// SetHandler registers the global USART interrupt handler.
func (u *USART) SetHandler(priority uint8, handler irq.Handler) *irq.Line {
	return u.register(priority, handler, u.interruptPending)
}

// Configure sets the baud rate; a frame is 10 bit times (8N1).
func (u *USART) Configure(baud int) error {
	if baud <= 0 {
		return fmt.Errorf("usart %s: invalid baud rate %d", u.name, baud)
	}
	u.mx.Lock()
	u.baud = baud
	u.byteTime = time.Second * 10 / time.Duration(baud)
	u.mx.Unlock()
	return nil
}

// Attach connects the TX and RX pins to wire.
func (u *USART) Attach(wire io.ReadWriter) {
	u.mx.Lock()
	u.wire = wire
	u.mx.Unlock()
}

// Start runs the transmitter and receiver until ctx is done.
func (u *USART) Start(ctx context.Context) error {
	u.mx.Lock()
	wire := u.wire
	u.mx.Unlock()
	if wire == nil {
		return fmt.Errorf("usart %s: no wire attached: %w", u.name, ErrNotConfigured)
	}
	go u.transmit(ctx, wire)
	go u.receive(ctx, wire)
	return nil
}

func (u *USART) EnableTransmitter() { u.te.Store(true) }
func (u *USART) EnableReceiver()    { u.re.Store(true) }

func (u *USART) EnableRxInterrupt() {
	u.rxneie.Store(true)
	u.pend()
}

func (u *USART) EnableTxInterrupt() {
	u.txeie.Store(true)
	u.pend()
}

func (u *USART) DisableTxInterrupt() {
	u.txeie.Store(false)
}

func (u *USART) TxInterruptEnabled() bool {
	return u.txeie.Load()
}

func (u *USART) Status() USARTStatus {
	return USARTStatus{TxEmpty: u.txe.Load(), RxNotEmpty: u.rxne.Load()}
}

// ReadData reads the data register, clearing RXNE.
func (u *USART) ReadData() byte {
	b := byte(u.rxData.Load())
	if u.rxne.Swap(false) {
		select {
		case u.rxFree <- struct{}{}:
		default:
		}
	}
	return b
}

// WriteData loads the data register, clearing TXE until the byte is shifted out.
func (u *USART) WriteData(b byte) {
	if !u.te.Load() {
		return
	}
	u.txe.Store(false)
	select {
	case u.shift <- b:
	default:
		// data register written while not empty: the byte is lost, as on hardware
		u.txe.Store(true)
	}
}

func (u *USART) Stats() USARTStats {
	return USARTStats{
		Sent:     u.sent.Load(),
		Received: u.received.Load(),
		Overruns: u.overruns.Load(),
	}
}

func (u *USART) frameTime() time.Duration {
	u.mx.Lock()
	defer u.mx.Unlock()
	return u.byteTime
}

func (u *USART) interruptPending() bool {
	return (u.txeie.Load() && u.txe.Load()) || (u.rxneie.Load() && u.rxne.Load())
}

func (u *USART) transmit(ctx context.Context, wire io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-u.shift:
			if err := sleep(ctx, u.frameTime()); err != nil {
				return
			}
			if _, err := wire.Write([]byte{b}); err != nil {
				slog.Warn("usart transmit failed", "usart", u.name, "error", err)
			} else {
				u.sent.Add(1)
			}
			u.txe.Store(true)
			u.pend()
		}
	}
}

func (u *USART) receive(ctx context.Context, wire io.Reader) {
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := wire.Read(buf)
		for i := 0; i < n; i++ {
			u.latch(ctx, buf[i])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n == 0 {
				if sleep(ctx, u.frameTime()) != nil {
					return
				}
				continue
			}
			if ctx.Err() == nil {
				slog.Warn("usart receive failed", "usart", u.name, "error", err)
			}
			return
		}
	}
}

func (u *USART) latch(ctx context.Context, b byte) {
	if !u.re.Load() {
		return
	}
	if u.rxne.Load() {
		timer := time.NewTimer(u.frameTime())
		select {
		case <-u.rxFree:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
		if u.rxne.Load() {
			u.overruns.Add(1)
			return
		}
	}
	// drop a stale wake-up left by a read that happened without contention
	select {
	case <-u.rxFree:
	default:
	}
	u.rxData.Store(uint32(b))
	u.rxne.Store(true)
	u.received.Add(1)
	u.pend()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
