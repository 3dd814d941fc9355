package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mklimuk/rclink/busmaster"
	"github.com/mklimuk/rclink/config"
	"github.com/mklimuk/rclink/display"
	"github.com/mklimuk/rclink/i2c"
	"github.com/mklimuk/rclink/irq"
	"github.com/mklimuk/rclink/rtos"
	"github.com/mklimuk/rclink/sampler"
	"github.com/mklimuk/rclink/sim"
	"github.com/mklimuk/rclink/stream"
)

// Interrupt priorities of the joystick board.
const (
	prioBusEvent uint8 = 5
	prioBusDMA   uint8 = 5
	prioUSART    uint8 = 6
)

// board is the joystick remote: a display bus, the radio module USART and the
// joystick converter, each behind its driver.
type board struct {
	cfg     config.Config
	ctrl    *irq.Controller
	bus     *sim.I2C
	usart   *sim.USART
	adc     *sim.ADC
	engine  *busmaster.Engine
	display *display.Display
	stream  *stream.Driver
	sampler *sampler.Sampler
	closers []io.Closer
	cancel  context.CancelFunc
}

func newBoard(cfg config.Config) *board {
	rtos.SetTickPeriod(cfg.TickPeriod)
	ctrl := irq.NewController()
	b := &board{
		cfg:   cfg,
		ctrl:  ctrl,
		bus:   sim.NewI2C(ctrl, "i2c1"),
		usart: sim.NewUSART(ctrl, "usart2"),
		adc:   sim.NewADC(),
	}
	b.closers = append(b.closers, b.bus)
	return b
}

// start runs the interrupt context until ctx is done.
func (b *board) start(ctx context.Context) context.Context {
	ctx, b.cancel = context.WithCancel(ctx)
	go func() {
		if err := b.ctrl.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("interrupt context stopped", "error", err)
		}
	}()
	return ctx
}

// initBus brings up the bus master. opts override the configured engine
// options.
func (b *board) initBus(ctx context.Context, opts ...busmaster.EngineOpt) error {
	speed, err := b.cfg.Bus.Frequency()
	if err != nil {
		return err
	}
	switch b.cfg.Bus.Wire {
	case config.WireHost:
		host, err := i2c.NewGenericBus(b.cfg.Bus.Device)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, host)
		b.bus.AttachDefault(host)
	default:
		b.bus.AttachDefault(logTarget{})
	}
	b.bus.SetDeliveryContext(ctx)
	opts = append([]busmaster.EngineOpt{
		busmaster.WithSpeed(speed),
		busmaster.WithTakeTimeout(b.cfg.Bus.TakeTimeout),
		busmaster.WithCompletionTimeout(b.cfg.Bus.CompletionTimeout),
		busmaster.WithEventPriority(prioBusEvent),
		busmaster.WithDMAPriority(prioBusDMA),
	}, opts...)
	b.engine = busmaster.New(b.ctrl, b.bus, sim.NewDMAStream(b.ctrl, "dma1_stream6"), opts...)
	return b.engine.Init(ctx)
}

// displayOpts stretches the completion timeout to fit a full display frame.
func (b *board) displayOpts() []busmaster.EngineOpt {
	speed, err := b.cfg.Bus.Frequency()
	if err != nil {
		return nil
	}
	frame := b.cfg.Display.Width*b.cfg.Display.Height/8 + 1
	need := rtos.TicksFor(2 * busmaster.TransferTime(frame, speed))
	if need <= b.cfg.Bus.CompletionTimeout {
		return nil
	}
	slog.Debug("completion timeout raised for display frames", "ticks", need)
	return []busmaster.EngineOpt{busmaster.WithCompletionTimeout(need)}
}

func (b *board) initDisplay(ctx context.Context) error {
	b.display = display.New(b.engine.AsGobotConnector(ctx),
		display.WithAddress(b.cfg.Display.Address),
		display.WithSize(b.cfg.Display.Width, b.cfg.Display.Height),
		display.WithExternalVCC(b.cfg.Display.ExternalVCC),
	)
	if err := b.display.Start(); err != nil {
		return err
	}
	return b.display.Clear()
}

func (b *board) initStream(ctx context.Context) error {
	switch b.cfg.Stream.Wire {
	case config.WireSerial:
		wire, err := sim.OpenSerialWire(b.cfg.Stream.Device, b.cfg.Stream.Baud, b.cfg.Stream.ReadTimeout)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, wire)
		b.usart.Attach(wire)
	default:
		wire := sim.NewLoopback(256)
		b.closers = append(b.closers, wire)
		b.usart.Attach(wire)
	}
	b.stream = stream.New(b.ctrl, b.usart,
		stream.WithBaud(b.cfg.Stream.Baud),
		stream.WithQueueCapacity(b.cfg.Stream.QueueCapacity),
		stream.WithTakeTimeout(b.cfg.Stream.TakeTimeout),
		stream.WithByteTimeout(b.cfg.Stream.ByteTimeout),
		stream.WithPriority(prioUSART),
	)
	return b.stream.Init(ctx)
}

func (b *board) initSampler(ctx context.Context) error {
	for ch, raw := range b.cfg.Sampler.Inputs {
		b.adc.SetInput(ch, raw)
	}
	b.sampler = sampler.New(b.adc, sim.NewDMAStream(b.ctrl, "dma2_stream0"), b.cfg.Sampler.Channels,
		sampler.WithConversionTime(b.cfg.Sampler.ConversionTime),
	)
	return b.sampler.Init(ctx)
}

// logTarget acknowledges every address and logs the frames it receives.
type logTarget struct{}

func (logTarget) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	slog.Info("frame received", "address", fmt.Sprintf("%#x", address), "len", len(buffer))
	return nil
}

func (b *board) Close() error {
	if b.sampler != nil {
		b.sampler.Stop()
	}
	if b.cancel != nil {
		b.cancel()
	}
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
