// Package display brings up the remote's SSD1306 OLED controller. The
// controller command sequences come from the gobot SSD1306 driver; every one
// of them is a write transfer on whatever bus the connector provides.
package display

import (
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/drivers/i2c"
)

// DefaultAddress is the 7-bit address of the display controller.
const DefaultAddress = 0x3C

type Opts struct {
	Address     int
	Width       int
	Height      int
	ExternalVCC bool
}

type Opt func(*Opts)

func WithAddress(address int) Opt {
	return func(o *Opts) {
		o.Address = address
	}
}

// WithSize selects the panel geometry: 128x64, 128x32 or 96x16.
func WithSize(width, height int) Opt {
	return func(o *Opts) {
		o.Width = width
		o.Height = height
	}
}

func WithExternalVCC(external bool) Opt {
	return func(o *Opts) {
		o.ExternalVCC = external
	}
}

type Display struct {
	opts   Opts
	driver *i2c.SSD1306Driver
}

func New(conn i2c.Connector, opts ...Opt) *Display {
	o := Opts{
		Address: DefaultAddress,
		Width:   128,
		Height:  64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	driver := i2c.NewSSD1306Driver(conn,
		i2c.WithAddress(o.Address),
		i2c.WithSSD1306DisplayWidth(o.Width),
		i2c.WithSSD1306DisplayHeight(o.Height),
		i2c.WithSSD1306ExternalVCC(o.ExternalVCC),
	)
	return &Display{opts: o, driver: driver}
}

// Start sends the controller init sequence and switches the panel on.
func (d *Display) Start() error {
	if err := d.driver.Start(); err != nil {
		return fmt.Errorf("could not initialize display at %#x: %w", d.opts.Address, err)
	}
	slog.Debug("display ready", "address", fmt.Sprintf("%#x", d.opts.Address), "width", d.opts.Width, "height", d.opts.Height)
	return nil
}

// Clear blanks the panel.
func (d *Display) Clear() error {
	d.driver.Clear()
	if err := d.driver.Display(); err != nil {
		return fmt.Errorf("could not clear display: %w", err)
	}
	return nil
}

func (d *Display) SetContrast(contrast byte) error {
	return d.driver.SetContrast(contrast)
}

func (d *Display) On() error {
	return d.driver.On()
}

// Off switches the panel off and releases the driver.
func (d *Display) Off() error {
	if err := d.driver.Off(); err != nil {
		return err
	}
	return d.driver.Halt()
}

// FrameLen is the size of one full-panel transfer, control byte included.
func (d *Display) FrameLen() int {
	return d.opts.Width*d.opts.Height/8 + 1
}
