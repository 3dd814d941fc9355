// Package sampler keeps the latest conversion of a fixed set of analog
// channels in memory. The converter scans its sequence continuously and a
// circular DMA stream stores every result into its slot, so reads never wait
// for the hardware.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/sim"
)

var _ rclink.SampleReader = &Sampler{}

const (
	MinRaw = 0
	MaxRaw = sim.ADCMaxSample

	// FullScaleMillivolts is the input voltage of a MaxRaw sample.
	FullScaleMillivolts = 3300
)

// Channel ids of the default joystick board.
const (
	SpeedController = 0
	AngleController = 1
	BatteryMonitor  = 2
)

// DefaultChannels maps the default channel ids to converter inputs.
var DefaultChannels = []uint8{10, 11, 12}

// SlotArray is DMA memory whose slots can be read while the stream writes
// them. Each slot is a single atomic word, so a read never sees half a sample.
type SlotArray []atomic.Uint32

func (s SlotArray) Len() int              { return len(s) }
func (s SlotArray) Load(i int) uint32     { return s[i].Load() }
func (s SlotArray) Store(i int, v uint32) { s[i].Store(v) }

type SamplerOpts struct {
	ConversionTime time.Duration
}

type SamplerOpt func(*SamplerOpts)

// WithConversionTime sets how long one conversion of one channel takes.
func WithConversionTime(d time.Duration) SamplerOpt {
	return func(o *SamplerOpts) {
		o.ConversionTime = d
	}
}

type Sampler struct {
	config   SamplerOpts
	adc      *sim.ADC
	dma      *sim.DMAStream
	channels []uint8
	slots    SlotArray
}

// New creates a sampler over the given converter inputs; channel id i reads
// channels[i]. Without channels DefaultChannels is used.
func New(adc *sim.ADC, dma *sim.DMAStream, channels []uint8, opts ...SamplerOpt) *Sampler {
	config := SamplerOpts{
		ConversionTime: 100 * time.Microsecond,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if len(channels) == 0 {
		channels = DefaultChannels
	}
	return &Sampler{
		config:   config,
		adc:      adc,
		dma:      dma,
		channels: append([]uint8(nil), channels...),
		slots:    make(SlotArray, len(channels)),
	}
}

// Init programs the stream and the converter and starts conversion. Sampling
// runs until Stop.
func (s *Sampler) Init(ctx context.Context) error {
	err := s.dma.Configure(sim.DMAConfig{
		Priority:        sim.PriorityMedium,
		Direction:       sim.PeripheralToMemory,
		ElementSize:     sim.Size32Bit,
		MemoryIncrement: true,
		Circular:        true,
		Memory:          s.slots,
		Peripheral:      s.adc,
	})
	if err != nil {
		return fmt.Errorf("could not configure dma: %w", err)
	}
	err = s.adc.Configure(sim.ADCConfig{
		Sequence:       s.channels,
		Scan:           true,
		Continuous:     true,
		DMA:            true,
		ConversionTime: s.config.ConversionTime,
	})
	if err != nil {
		return fmt.Errorf("could not configure adc: %w", err)
	}
	if err := s.dma.Enable(); err != nil {
		return fmt.Errorf("could not enable dma: %w", err)
	}
	s.adc.Start()
	slog.Debug("sampler started", "channels", s.channels)
	return nil
}

func (s *Sampler) Stop() {
	s.adc.Stop()
	s.dma.Disable()
}

// Channels returns the number of channel ids.
func (s *Sampler) Channels() int {
	return len(s.slots)
}

// Read returns the most recent raw sample of a channel id. It never blocks.
func (s *Sampler) Read(channel int) (int32, error) {
	if channel < 0 || channel >= len(s.slots) {
		return 0, fmt.Errorf("channel %d out of range 0..%d: %w", channel, len(s.slots)-1, rclink.ErrInvalidArgument)
	}
	return int32(s.slots[channel].Load()), nil
}

// Scale maps the latest sample of a channel linearly onto [min, max].
func (s *Sampler) Scale(channel int, min, max int32) (int32, error) {
	raw, err := s.Read(channel)
	if err != nil {
		return 0, err
	}
	return ScaleRaw(raw, min, max), nil
}

// ScaleRaw maps a raw sample onto [min, max] with integer arithmetic. The
// quotient truncates toward zero. Any int32 range is accepted.
func ScaleRaw(raw, min, max int32) int32 {
	span := int64(max) - int64(min)
	return int32(int64(raw-MinRaw)*span/(MaxRaw-MinRaw) + int64(min))
}

// BatteryMillivolts converts the battery monitor channel to millivolts.
func (s *Sampler) BatteryMillivolts() (int32, error) {
	return s.Scale(BatteryMonitor, 0, FullScaleMillivolts)
}
