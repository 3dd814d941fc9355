package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mklimuk/rclink/irq"
)

type Direction uint8

const (
	PeripheralToMemory Direction = iota
	MemoryToPeripheral
)

type ElementSize uint8

const (
	Size8Bit ElementSize = iota
	Size16Bit
	Size32Bit
)

func (s ElementSize) mask() uint32 {
	switch s {
	case Size8Bit:
		return 0xFF
	case Size16Bit:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityVeryHigh
)

// Memory is the memory side of a transfer, addressed in elements.
type Memory interface {
	Len() int
	Load(i int) uint32
	Store(i int, v uint32)
}

// Port is the peripheral data register side of a transfer. ReadElement blocks
// until the peripheral has data (a DMA request), WriteElement until it accepted
// the element.
type Port interface {
	ReadElement(ctx context.Context) (uint32, error)
	WriteElement(ctx context.Context, v uint32) error
}

// ByteMemory adapts a byte slice as DMA memory.
type ByteMemory []byte

func (m ByteMemory) Len() int              { return len(m) }
func (m ByteMemory) Load(i int) uint32     { return uint32(m[i]) }
func (m ByteMemory) Store(i int, v uint32) { m[i] = byte(v) }

type DMAConfig struct {
	Channel           uint8
	Priority          Priority
	Direction         Direction
	ElementSize       ElementSize
	MemoryIncrement   bool
	Circular          bool
	CompleteInterrupt bool
	Memory            Memory
	Peripheral        Port
	// Count is the number of elements (NDTR); zero means Memory.Len().
	Count int
}

// DMAStream is one stream of a DMA controller.
type DMAStream struct {
	irqSource
	mx          sync.Mutex
	cfg         DMAConfig
	configured  bool
	cancel      context.CancelFunc
	enabled     atomic.Bool
	complete    atomic.Bool
	interrupt   atomic.Bool
	transferred atomic.Uint64
}

func NewDMAStream(ctrl *irq.Controller, name string) *DMAStream {
	return &DMAStream{irqSource: irqSource{ctrl: ctrl, name: name}}
}

// SetHandler registers the stream interrupt handler. The line stays masked
// until enabled.
func (d *DMAStream) SetHandler(priority uint8, handler irq.Handler) *irq.Line {
	return d.register(priority, handler, d.interruptPending)
}

func (d *DMAStream) Configure(cfg DMAConfig) error {
	if d.enabled.Load() {
		return ErrStreamEnabled
	}
	if cfg.Memory == nil || cfg.Peripheral == nil {
		return fmt.Errorf("dma %s: memory and peripheral are required: %w", d.name, ErrNotConfigured)
	}
	if cfg.Count == 0 {
		cfg.Count = cfg.Memory.Len()
	}
	if cfg.Count > cfg.Memory.Len() && cfg.MemoryIncrement {
		return fmt.Errorf("dma %s: count %d exceeds memory of %d elements", d.name, cfg.Count, cfg.Memory.Len())
	}
	d.mx.Lock()
	d.cfg = cfg
	d.configured = true
	d.mx.Unlock()
	d.interrupt.Store(cfg.CompleteInterrupt)
	return nil
}

// Enable starts the transfer. Enabling a running stream does nothing.
func (d *DMAStream) Enable() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	if d.enabled.Swap(true) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	cfg := d.cfg
	if cfg.Direction == MemoryToPeripheral {
		go d.memoryToPeripheral(ctx, cfg)
	} else {
		go d.peripheralToMemory(ctx, cfg)
	}
	return nil
}

// Disable stops the stream. It never blocks and may be called from a handler.
func (d *DMAStream) Disable() {
	d.enabled.Store(false)
	d.mx.Lock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.mx.Unlock()
}

func (d *DMAStream) Enabled() bool {
	return d.enabled.Load()
}

func (d *DMAStream) TransferComplete() bool {
	return d.complete.Load()
}

func (d *DMAStream) ClearTransferComplete() {
	d.complete.Store(false)
}

// Transferred returns the number of elements moved since creation.
func (d *DMAStream) Transferred() uint64 {
	return d.transferred.Load()
}

func (d *DMAStream) interruptPending() bool {
	return d.interrupt.Load() && d.complete.Load()
}

func (d *DMAStream) memoryToPeripheral(ctx context.Context, cfg DMAConfig) {
	mask := cfg.ElementSize.mask()
	for {
		for i := 0; i < cfg.Count; i++ {
			idx := 0
			if cfg.MemoryIncrement {
				idx = i
			}
			if err := cfg.Peripheral.WriteElement(ctx, cfg.Memory.Load(idx)&mask); err != nil {
				return
			}
			d.transferred.Add(1)
		}
		if !d.finishBlock(cfg) {
			return
		}
	}
}

func (d *DMAStream) peripheralToMemory(ctx context.Context, cfg DMAConfig) {
	mask := cfg.ElementSize.mask()
	for {
		for i := 0; i < cfg.Count; i++ {
			v, err := cfg.Peripheral.ReadElement(ctx)
			if err != nil {
				return
			}
			idx := 0
			if cfg.MemoryIncrement {
				idx = i
			}
			cfg.Memory.Store(idx, v&mask)
			d.transferred.Add(1)
		}
		if !d.finishBlock(cfg) {
			return
		}
	}
}

// finishBlock flags transfer complete and reports whether the stream restarts.
func (d *DMAStream) finishBlock(cfg DMAConfig) bool {
	if !cfg.Circular {
		d.enabled.Store(false)
	}
	d.complete.Store(true)
	d.pend()
	return cfg.Circular && d.enabled.Load()
}
