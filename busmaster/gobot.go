package busmaster

import (
	"context"
	"fmt"

	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/sim"
)

var (
	_ i2c.Connector          = &GobotConnector{}
	_ gobot.I2cSystemDevicer = &gobotBus{}
)

// GobotConnector hands gobot i2c drivers a connection whose writes are
// transfers of the engine. The engine drives a single bus, number 0.
type GobotConnector struct {
	bus *gobotBus
}

// AsGobotConnector binds ctx to every transfer a gobot driver issues, since
// the gobot bus API carries no context.
func (e *Engine) AsGobotConnector(ctx context.Context) *GobotConnector {
	return &GobotConnector{bus: &gobotBus{engine: e, ctx: ctx}}
}

func (c *GobotConnector) GetI2cConnection(address int, busNr int) (i2c.Connection, error) {
	if busNr != 0 {
		return nil, fmt.Errorf("no i2c bus %d: %w", busNr, rclink.ErrInvalidArgument)
	}
	if address < 0 || address > MaxAddress {
		return nil, fmt.Errorf("address %#x is not a 7-bit address: %w", address, rclink.ErrInvalidArgument)
	}
	return i2c.NewConnection(c.bus, address), nil
}

func (c *GobotConnector) DefaultI2cBus() int {
	return 0
}

// gobotBus maps the SMBus write sequences onto single engine transfers. The
// engine cannot read, so every read sequence fails.
type gobotBus struct {
	engine *Engine
	ctx    context.Context
}

func (b *gobotBus) write(address int, data []byte) error {
	if address < 0 || address > MaxAddress {
		return fmt.Errorf("address %#x is not a 7-bit address: %w", address, rclink.ErrInvalidArgument)
	}
	return b.engine.Write(b.ctx, data, byte(address))
}

func (b *gobotBus) Write(address int, data []byte) (int, error) {
	if err := b.write(address, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (b *gobotBus) WriteBytes(address int, data []byte) error {
	return b.write(address, data)
}

func (b *gobotBus) WriteByte(address int, val byte) error {
	return b.write(address, []byte{val})
}

func (b *gobotBus) WriteByteData(address int, reg uint8, val uint8) error {
	return b.write(address, []byte{reg, val})
}

// WriteWordData sends the low byte first.
func (b *gobotBus) WriteWordData(address int, reg uint8, val uint16) error {
	return b.write(address, []byte{reg, byte(val), byte(val >> 8)})
}

// WriteBlockData is an SMBus block write: the register, a count, the data.
func (b *gobotBus) WriteBlockData(address int, reg uint8, data []byte) error {
	if len(data) > 0xFF {
		return fmt.Errorf("block of %d bytes: %w", len(data), rclink.ErrInvalidArgument)
	}
	return b.write(address, append([]byte{reg, byte(len(data))}, data...))
}

func (b *gobotBus) Read(address int, data []byte) (int, error) {
	return 0, sim.ErrUnsupported
}

func (b *gobotBus) ReadByte(address int) (byte, error) {
	return 0, sim.ErrUnsupported
}

func (b *gobotBus) ReadByteData(address int, reg uint8) (uint8, error) {
	return 0, sim.ErrUnsupported
}

func (b *gobotBus) ReadWordData(address int, reg uint8) (uint16, error) {
	return 0, sim.ErrUnsupported
}

func (b *gobotBus) ReadBlockData(address int, reg uint8, data []byte) error {
	return sim.ErrUnsupported
}

// Close does nothing; the engine outlives its gobot connections.
func (b *gobotBus) Close() error {
	return nil
}
