package busmaster

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/sim"
)

var _ i2c.Bus = &periphBus{}

type periphBus struct {
	engine *Engine
}

// AsPeriphBus exposes the engine as a periph.io bus so periph device drivers
// can write through it. Reads are not supported.
func (e *Engine) AsPeriphBus() i2c.Bus {
	return &periphBus{engine: e}
}

func (b *periphBus) String() string {
	return "busmaster/" + b.engine.bus.Name()
}

func (b *periphBus) Tx(addr uint16, w, r []byte) error {
	if len(r) > 0 {
		return fmt.Errorf("read of %d bytes from %#x: %w", len(r), addr, sim.ErrUnsupported)
	}
	if addr > MaxAddress {
		return fmt.Errorf("address %#x is not a 7-bit address: %w", addr, rclink.ErrInvalidArgument)
	}
	return b.engine.Write(context.Background(), w, byte(addr))
}

func (b *periphBus) SetSpeed(f physic.Frequency) error {
	return b.engine.SetSpeed(f)
}
