package sim

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink/irq"
	"github.com/mklimuk/rclink/linkctx"
)

// MaxBusSpeed is the fast-mode plus ceiling accepted by Configure.
const MaxBusSpeed = 1 * physic.MegaHertz

// Target is a device on the simulated bus. It receives each completed write
// frame addressed to it. The host bus in package i2c satisfies it.
type Target interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
}

type I2CStatus struct {
	StartSent            bool // SB
	AddrAcked            bool // ADDR
	ByteTransferFinished bool // BTF
}

type I2CStats struct {
	Starts          uint64 `yaml:"starts"`
	OverlappedStart uint64 `yaml:"overlapped_starts"`
	Nacks           uint64 `yaml:"nacks"`
	Frames          uint64 `yaml:"frames"`
	DeliveryErrors  uint64 `yaml:"delivery_errors"`
}

type frame struct {
	address byte
	payload []byte
}

// I2C is a two-wire bus master. Timing is derived from the configured speed:
// each flag rises one byte time (9 bit clocks) after the action causing it.
type I2C struct {
	irqSource
	mx         sync.Mutex
	byteTime   time.Duration
	targets    map[byte]Target
	fallback   Target
	frameAddr  byte
	frameData  []byte
	dataPhase  bool
	generation uint64

	sb, addr, btf atomic.Bool
	eventIE       atomic.Bool
	dmaEN         atomic.Bool
	onBus         atomic.Bool

	starts, overlaps, nacks, frames, deliveryErrors atomic.Uint64

	deliveries  chan frame
	deliveryCtx context.Context
	quit        chan struct{}
	closeOnce   sync.Once
}

func NewI2C(ctrl *irq.Controller, name string) *I2C {
	i := &I2C{
		irqSource:   irqSource{ctrl: ctrl, name: name},
		targets:     map[byte]Target{},
		deliveries:  make(chan frame, 64),
		deliveryCtx: context.Background(),
		quit:        make(chan struct{}),
	}
	_ = i.Configure(100 * physic.KiloHertz)
	go i.deliver()
	return i
}

// SetHandler registers the bus event interrupt handler.
func (i *I2C) SetHandler(priority uint8, handler irq.Handler) *irq.Line {
	return i.register(priority, handler, i.eventPending)
}

// SetDeliveryContext sets the context passed to targets with each frame. A
// verbose context (see linkctx) also dumps every payload at debug level.
func (i *I2C) SetDeliveryContext(ctx context.Context) {
	i.mx.Lock()
	i.deliveryCtx = ctx
	i.mx.Unlock()
}

// Attach puts target at a 7-bit address.
func (i *I2C) Attach(address byte, target Target) {
	i.mx.Lock()
	i.targets[address&0x7F] = target
	i.mx.Unlock()
}

// AttachDefault acknowledges every address without a dedicated target and
// forwards its frames to target.
func (i *I2C) AttachDefault(target Target) {
	i.mx.Lock()
	i.fallback = target
	i.mx.Unlock()
}

func (i *I2C) Configure(speed physic.Frequency) error {
	if speed <= 0 || speed > MaxBusSpeed {
		return fmt.Errorf("i2c %s: unsupported bus speed %s", i.name, speed)
	}
	i.mx.Lock()
	i.byteTime = 9 * speed.Period()
	i.mx.Unlock()
	return nil
}

func (i *I2C) EnableDMA() {
	i.dmaEN.Store(true)
}

func (i *I2C) EnableEventInterrupt() {
	i.eventIE.Store(true)
	i.pend()
}

func (i *I2C) DisableEventInterrupt() {
	i.eventIE.Store(false)
}

func (i *I2C) Status() I2CStatus {
	return I2CStatus{
		StartSent:            i.sb.Load(),
		AddrAcked:            i.addr.Load(),
		ByteTransferFinished: i.btf.Load(),
	}
}

// GenerateStart asserts a START condition; SB rises one byte time later.
func (i *I2C) GenerateStart() {
	i.starts.Add(1)
	if i.onBus.Swap(true) {
		i.overlaps.Add(1)
	}
	i.mx.Lock()
	i.dataPhase = false
	i.frameData = nil
	i.generation++
	gen := i.generation
	d := i.byteTime
	i.mx.Unlock()
	time.AfterFunc(d, func() {
		if i.current(gen) {
			i.sb.Store(true)
			i.pend()
		}
	})
}

// GenerateStop releases the bus and hands the frame to its target.
func (i *I2C) GenerateStop() {
	i.sb.Store(false)
	i.addr.Store(false)
	i.btf.Store(false)
	i.mx.Lock()
	i.generation++
	f := frame{address: i.frameAddr, payload: i.frameData}
	deliver := i.dataPhase
	i.dataPhase = false
	i.frameData = nil
	i.mx.Unlock()
	if !i.onBus.Swap(false) || !deliver {
		return
	}
	select {
	case i.deliveries <- f:
	default:
		i.deliveryErrors.Add(1)
	}
}

// ClearAddr models the SR1-then-SR2 read sequence clearing ADDR.
func (i *I2C) ClearAddr() {
	i.addr.Store(false)
	i.mx.Lock()
	i.dataPhase = true
	i.mx.Unlock()
}

// WriteData loads the data register. After START it is the address byte,
// during the data phase a payload byte.
func (i *I2C) WriteData(b byte) {
	if i.sb.Swap(false) {
		i.address(b)
		return
	}
	i.mx.Lock()
	if !i.dataPhase {
		i.mx.Unlock()
		return
	}
	i.btf.Store(false)
	i.frameData = append(i.frameData, b)
	i.generation++
	gen := i.generation
	d := i.byteTime
	i.mx.Unlock()
	time.AfterFunc(d, func() {
		if i.current(gen) {
			i.btf.Store(true)
			i.pend()
		}
	})
}

func (i *I2C) ReadElement(ctx context.Context) (uint32, error) {
	return 0, ErrUnsupported
}

// WriteElement is the DMA request path into the data register.
func (i *I2C) WriteElement(ctx context.Context, v uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !i.dmaEN.Load() {
		return fmt.Errorf("i2c %s: dma requests disabled: %w", i.name, ErrNotConfigured)
	}
	i.WriteData(byte(v))
	return nil
}

func (i *I2C) Stats() I2CStats {
	return I2CStats{
		Starts:          i.starts.Load(),
		OverlappedStart: i.overlaps.Load(),
		Nacks:           i.nacks.Load(),
		Frames:          i.frames.Load(),
		DeliveryErrors:  i.deliveryErrors.Load(),
	}
}

// Close stops frame delivery.
func (i *I2C) Close() error {
	i.closeOnce.Do(func() { close(i.quit) })
	return nil
}

func (i *I2C) address(b byte) {
	i.mx.Lock()
	addr := b >> 1
	_, ok := i.targets[addr]
	if !ok && i.fallback != nil {
		ok = true
	}
	i.frameAddr = addr
	gen := i.generation
	d := i.byteTime
	i.mx.Unlock()
	if !ok {
		// nobody acknowledges; the master sees no further event
		i.nacks.Add(1)
		slog.Debug("i2c address not acknowledged", "bus", i.name, "address", fmt.Sprintf("%#x", addr))
		return
	}
	time.AfterFunc(d, func() {
		if i.current(gen) {
			i.addr.Store(true)
			i.pend()
		}
	})
}

// current reports whether no bus action happened since generation gen.
func (i *I2C) current(gen uint64) bool {
	i.mx.Lock()
	defer i.mx.Unlock()
	return gen == i.generation
}

func (i *I2C) eventPending() bool {
	if !i.eventIE.Load() {
		return false
	}
	return i.sb.Load() || i.addr.Load() || i.btf.Load()
}

func (i *I2C) deliver() {
	for {
		var f frame
		select {
		case <-i.quit:
			return
		case f = <-i.deliveries:
		}
		i.mx.Lock()
		target, ok := i.targets[f.address]
		if !ok {
			target = i.fallback
		}
		ctx := i.deliveryCtx
		i.mx.Unlock()
		if target == nil {
			continue
		}
		if linkctx.IsVerbose(ctx) {
			slog.Debug("i2c frame", "bus", i.name, "address", fmt.Sprintf("%#x", f.address), "payload", hex.EncodeToString(f.payload))
		}
		i.frames.Add(1)
		if err := target.WriteToAddr(ctx, f.address, f.payload); err != nil {
			i.deliveryErrors.Add(1)
			slog.Warn("i2c frame delivery failed", "bus", i.name, "address", fmt.Sprintf("%#x", f.address), "error", err)
		}
	}
}
