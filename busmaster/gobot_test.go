package busmaster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gobot.io/x/gobot/v2/drivers/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/sim"
)

type frames struct {
	mu  sync.Mutex
	all [][]byte
}

func (f *frames) record(args mock.Arguments) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, append([]byte(nil), args.Get(2).([]byte)...))
}

func (f *frames) get() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.all...)
}

func TestGobotConnector_Connection(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	conn := engine.AsGobotConnector(context.Background())

	assert.Equal(t, 0, conn.DefaultI2cBus())
	_, err := conn.GetI2cConnection(displayAddress, 1)
	assert.ErrorIs(t, err, rclink.ErrInvalidArgument)
	_, err = conn.GetI2cConnection(0x80, 0)
	assert.ErrorIs(t, err, rclink.ErrInvalidArgument)

	c, err := conn.GetI2cConnection(displayAddress, 0)
	require.NoError(t, err)
	_, err = c.ReadByte()
	assert.ErrorIs(t, err, sim.ErrUnsupported)
	_, err = c.ReadWordData(0x10)
	assert.ErrorIs(t, err, sim.ErrUnsupported)
	assert.ErrorIs(t, c.WriteBlockData(0x10, make([]byte, 256)), rclink.ErrInvalidArgument)
	assert.NoError(t, c.Close())
}

func TestGobotConnector_SMBusWriteLayout(t *testing.T) {
	engine, _, target := newTestEngine(t, WithSpeed(physic.MegaHertz), WithCompletionTimeout(200))
	var got frames
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Run(got.record).Return(nil)
	c, err := engine.AsGobotConnector(context.Background()).GetI2cConnection(displayAddress, 0)
	require.NoError(t, err)

	require.NoError(t, c.WriteByte(0xAF))
	require.NoError(t, c.WriteByteData(0x81, 0x7F))
	require.NoError(t, c.WriteWordData(0x21, 0x1234))
	require.NoError(t, c.WriteBlockData(0x40, []byte{1, 2, 3}))

	assert.Eventually(t, func() bool { return target.delivered.Load() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, [][]byte{
		{0xAF},
		{0x81, 0x7F},
		{0x21, 0x34, 0x12},
		{0x40, 3, 1, 2, 3},
	}, got.get())
}

func TestGobotConnector_DrivesSSD1306(t *testing.T) {
	engine, bus, target := newTestEngine(t, WithSpeed(physic.MegaHertz), WithCompletionTimeout(200))
	var got frames
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Run(got.record).Return(nil)
	driver := i2c.NewSSD1306Driver(engine.AsGobotConnector(context.Background()),
		i2c.WithSSD1306DisplayWidth(128),
		i2c.WithSSD1306DisplayHeight(32),
	)

	require.NoError(t, driver.Start())

	assert.Eventually(t, func() bool { return target.delivered.Load() == 5 }, time.Second, time.Millisecond)
	writes := got.get()
	require.Len(t, writes, 5)
	assert.Equal(t, []byte{0x80, 0xAE}, writes[0])
	assert.Equal(t, []byte{0x80, 0x22, 0x80, 0x00, 0x80, 3}, writes[3])
	assert.Equal(t, []byte{0x80, 0xAF}, writes[4])
	assert.Equal(t, uint64(5), bus.Stats().Starts)
	assert.Equal(t, Idle, engine.State())
}

func TestTransferTime(t *testing.T) {
	assert.Equal(t, 9*time.Microsecond, TransferTime(0, physic.MegaHertz))
	assert.Equal(t, 27*time.Microsecond, TransferTime(2, physic.MegaHertz))
	assert.Equal(t, 1025*9*10*time.Microsecond, TransferTime(1024, 100*physic.KiloHertz))
}
