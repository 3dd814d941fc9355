// Package config loads the board description used by the rclink command: tick
// length, driver timeouts and which wire each peripheral is connected to.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink/link"
	"github.com/mklimuk/rclink/rtos"
)

const (
	WireLoopback = "loopback"
	WireSerial   = "serial"
	WireHost     = "host"
	WireNone     = "none"
)

type Config struct {
	TickPeriod time.Duration `yaml:"tick_period"`
	Bus        Bus           `yaml:"bus"`
	Stream     Stream        `yaml:"stream"`
	Sampler    Sampler       `yaml:"sampler"`
	Link       Link          `yaml:"link"`
	Display    Display       `yaml:"display"`
}

type Bus struct {
	Speed             string     `yaml:"speed"`
	TakeTimeout       rtos.Ticks `yaml:"take_timeout"`
	CompletionTimeout rtos.Ticks `yaml:"completion_timeout"`
	// Wire is "none" (frames are logged) or "host" (forwarded to Device).
	Wire   string `yaml:"wire"`
	Device string `yaml:"device"`
}

type Stream struct {
	Baud          int        `yaml:"baud"`
	QueueCapacity int        `yaml:"queue_capacity"`
	TakeTimeout   rtos.Ticks `yaml:"take_timeout"`
	ByteTimeout   rtos.Ticks `yaml:"byte_timeout"`
	// Wire is "loopback" or "serial" (host port Device).
	Wire        string        `yaml:"wire"`
	Device      string        `yaml:"device"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type Sampler struct {
	Channels       []uint8       `yaml:"channels"`
	ConversionTime time.Duration `yaml:"conversion_time"`
	// Inputs are the simulated raw levels per converter channel.
	Inputs map[uint8]uint16 `yaml:"inputs"`
}

type Link struct {
	InitSequence   []string   `yaml:"init_sequence"`
	CommandSpacing rtos.Ticks `yaml:"command_spacing"`
	Period         rtos.Ticks `yaml:"period"`
	Range          int32      `yaml:"range"`
}

type Display struct {
	Address     int  `yaml:"address"`
	Width       int  `yaml:"width"`
	Height      int  `yaml:"height"`
	ExternalVCC bool `yaml:"external_vcc"`
}

// Default returns the configuration of the stock joystick board.
func Default() Config {
	return Config{
		TickPeriod: rtos.DefaultTickPeriod,
		Bus: Bus{
			Speed:             "400kHz",
			TakeTimeout:       10,
			CompletionTimeout: 10,
			Wire:              WireNone,
			Device:            "",
		},
		Stream: Stream{
			Baud:          9600,
			QueueCapacity: 32,
			TakeTimeout:   10,
			ByteTimeout:   5,
			Wire:          WireLoopback,
			ReadTimeout:   100 * time.Millisecond,
		},
		Sampler: Sampler{
			Channels:       []uint8{10, 11, 12},
			ConversionTime: 100 * time.Microsecond,
			Inputs:         map[uint8]uint16{10: 2048, 11: 2048, 12: 3723},
		},
		Link: Link{
			InitSequence: []string{
				"DEFAULT",
				"NAMECONTROLLER",
				"ROLE1",
				"IMME0",
				"INQ",
				"CONADDR_MAC",
			},
			CommandSpacing: 1000,
			Period:         5,
			Range:          100,
		},
		Display: Display{
			Address: 0x3C,
			Width:   128,
			Height:  64,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TickPeriod <= 0 {
		return fmt.Errorf("tick_period must be positive")
	}
	if _, err := c.Bus.Frequency(); err != nil {
		return err
	}
	switch c.Bus.Wire {
	case WireNone:
	case WireHost:
		if c.Bus.Device == "" {
			return fmt.Errorf("bus.device is required for the host wire")
		}
	default:
		return fmt.Errorf("unknown bus wire %q", c.Bus.Wire)
	}
	switch c.Stream.Wire {
	case WireLoopback:
	case WireSerial:
		if c.Stream.Device == "" {
			return fmt.Errorf("stream.device is required for the serial wire")
		}
	default:
		return fmt.Errorf("unknown stream wire %q", c.Stream.Wire)
	}
	if c.Stream.Baud <= 0 || c.Stream.QueueCapacity <= 0 {
		return fmt.Errorf("stream baud and queue_capacity must be positive")
	}
	if len(c.Sampler.Channels) == 0 {
		return fmt.Errorf("sampler.channels must not be empty")
	}
	if c.Link.Range < 1 || c.Link.Range > link.MaxRange {
		return fmt.Errorf("link.range must be within 1..%d", link.MaxRange)
	}
	if c.Display.Address < 0 || c.Display.Address > 0x7F {
		return fmt.Errorf("display.address %#x is not a 7-bit address", c.Display.Address)
	}
	switch [2]int{c.Display.Width, c.Display.Height} {
	case [2]int{128, 64}, [2]int{128, 32}, [2]int{96, 16}:
	default:
		return fmt.Errorf("unsupported display size %dx%d", c.Display.Width, c.Display.Height)
	}
	return nil
}

// Frequency parses the bus speed, e.g. "400kHz".
func (b Bus) Frequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(b.Speed); err != nil {
		return 0, fmt.Errorf("invalid bus speed %q: %w", b.Speed, err)
	}
	return f, nil
}
