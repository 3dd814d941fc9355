package sim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	ADCChannels  = 19
	ADCMaxSample = 0x0FFF
)

type ADCConfig struct {
	// Sequence lists hardware channels in scan order.
	Sequence       []uint8
	Scan           bool
	Continuous     bool
	DMA            bool
	ConversionTime time.Duration
}

// ADC is a 12-bit converter with a regular scan sequence. Inputs are set by the
// test bench or the CLI through SetInput.
type ADC struct {
	mx       sync.Mutex
	cfg      ADCConfig
	pos      int
	inputs   [ADCChannels]atomic.Uint32
	running  atomic.Bool
	started  chan struct{}
	startOne sync.Once
	conv     atomic.Uint64
}

func NewADC() *ADC {
	return &ADC{started: make(chan struct{})}
}

func (a *ADC) Configure(cfg ADCConfig) error {
	if len(cfg.Sequence) == 0 || len(cfg.Sequence) > 16 {
		return fmt.Errorf("adc: sequence length %d out of range 1..16", len(cfg.Sequence))
	}
	for _, ch := range cfg.Sequence {
		if int(ch) >= ADCChannels {
			return fmt.Errorf("adc: channel %d out of range", ch)
		}
	}
	if len(cfg.Sequence) > 1 && !cfg.Scan {
		return fmt.Errorf("adc: multi-channel sequence requires scan mode")
	}
	if cfg.ConversionTime <= 0 {
		cfg.ConversionTime = 10 * time.Microsecond
	}
	a.mx.Lock()
	a.cfg = cfg
	a.pos = 0
	a.mx.Unlock()
	return nil
}

// SetInput sets the analog level of a channel as a raw 12-bit code.
func (a *ADC) SetInput(channel uint8, raw uint16) {
	if int(channel) >= ADCChannels {
		return
	}
	if raw > ADCMaxSample {
		raw = ADCMaxSample
	}
	a.inputs[channel].Store(uint32(raw))
}

// Start triggers conversion of the regular sequence (SWSTART).
func (a *ADC) Start() {
	a.running.Store(true)
	a.startOne.Do(func() { close(a.started) })
}

func (a *ADC) Stop() {
	a.running.Store(false)
}

// Conversions returns the number of completed conversions.
func (a *ADC) Conversions() uint64 {
	return a.conv.Load()
}

// ReadElement waits for the next conversion of the sequence and returns it.
// It is the DMA request path; only one stream may consume it.
func (a *ADC) ReadElement(ctx context.Context) (uint32, error) {
	select {
	case <-a.started:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if !a.running.Load() {
		return 0, ErrStopped
	}
	a.mx.Lock()
	cfg := a.cfg
	a.mx.Unlock()
	if len(cfg.Sequence) == 0 || !cfg.DMA {
		return 0, ErrNotConfigured
	}
	if err := sleep(ctx, cfg.ConversionTime); err != nil {
		return 0, err
	}
	a.mx.Lock()
	seq := a.cfg.Sequence
	if a.pos >= len(seq) {
		a.pos = 0
	}
	ch := seq[a.pos]
	a.pos++
	if a.pos == len(seq) {
		a.pos = 0
		if !a.cfg.Continuous {
			a.running.Store(false)
		}
	}
	a.mx.Unlock()
	a.conv.Add(1)
	return a.inputs[ch].Load() & ADCMaxSample, nil
}

func (a *ADC) WriteElement(ctx context.Context, v uint32) error {
	return ErrUnsupported
}
