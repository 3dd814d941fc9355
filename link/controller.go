package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/rtos"
	"github.com/mklimuk/rclink/sampler"
)

// MaxRange is the largest magnitude a control frame carries.
const MaxRange = 0xFF

// Axis binds a frame tag to a sampler channel id.
type Axis struct {
	Tag     byte
	Channel int
}

var DefaultAxes = []Axis{
	{Tag: TagSpeed, Channel: sampler.SpeedController},
	{Tag: TagAngle, Channel: sampler.AngleController},
}

type ControllerOpts struct {
	Period rtos.Ticks
	Range  int32
	Axes   []Axis
}

type ControllerOpt func(*ControllerOpts)

// WithPeriod sets the time slot of one axis.
func WithPeriod(ticks rtos.Ticks) ControllerOpt {
	return func(o *ControllerOpts) {
		o.Period = ticks
	}
}

// WithRange sets the magnitude of a fully deflected axis, 1..MaxRange.
func WithRange(r int32) ControllerOpt {
	return func(o *ControllerOpts) {
		o.Range = r
	}
}

func WithAxes(axes ...Axis) ControllerOpt {
	return func(o *ControllerOpts) {
		o.Axes = axes
	}
}

type ControllerStats struct {
	Sent uint64 `yaml:"sent"`
	Busy uint64 `yaml:"busy"`
}

// Controller streams the joystick position to the car, one axis per period.
type Controller struct {
	config  ControllerOpts
	samples rclink.SampleReader
	out     rclink.ByteSender

	sent, busy atomic.Uint64
}

func NewController(samples rclink.SampleReader, out rclink.ByteSender, opts ...ControllerOpt) *Controller {
	config := ControllerOpts{
		Period: 5,
		Range:  100,
		Axes:   DefaultAxes,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Controller{config: config, samples: samples, out: out}
}

// Run sends control frames until ctx is done. A busy stream loses that frame;
// the next period carries a fresh position anyway.
func (c *Controller) Run(ctx context.Context) error {
	if len(c.config.Axes) == 0 {
		return fmt.Errorf("no axes configured: %w", rclink.ErrInvalidArgument)
	}
	if c.config.Range < 1 || c.config.Range > MaxRange {
		return fmt.Errorf("range %d out of 1..%d: %w", c.config.Range, MaxRange, rclink.ErrInvalidArgument)
	}
	for {
		for _, axis := range c.config.Axes {
			last := time.Now()
			if err := c.step(ctx, axis); err != nil {
				return err
			}
			if err := rtos.DelayUntil(ctx, &last, c.config.Period); err != nil {
				return err
			}
		}
	}
}

func (c *Controller) step(ctx context.Context, axis Axis) error {
	v, err := c.samples.Scale(axis.Channel, -c.config.Range, c.config.Range)
	if err != nil {
		return fmt.Errorf("could not sample axis %c: %w", axis.Tag, err)
	}
	frame, err := ControlFrame{Tag: axis.Tag, Value: int16(v)}.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = c.out.Send(ctx, frame)
	switch {
	case errors.Is(err, rclink.ErrBusy):
		c.busy.Add(1)
		slog.Debug("control frame dropped", "axis", string(axis.Tag), "error", err)
	case err != nil:
		return fmt.Errorf("could not send control frame: %w", err)
	default:
		c.sent.Add(1)
	}
	return nil
}

func (c *Controller) Stats() ControllerStats {
	return ControllerStats{Sent: c.sent.Load(), Busy: c.busy.Load()}
}
