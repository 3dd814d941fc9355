package sim

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink/irq"
)

type recordingTarget struct {
	mu     sync.Mutex
	frames map[byte][][]byte
}

func (r *recordingTarget) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames == nil {
		r.frames = map[byte][][]byte{}
	}
	r.frames[address] = append(r.frames[address], append([]byte(nil), buffer...))
	return nil
}

func (r *recordingTarget) get(address byte) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[address]
}

type sinkPort struct {
	mu   sync.Mutex
	data []uint32
}

func (s *sinkPort) ReadElement(ctx context.Context) (uint32, error) { return 0, ErrUnsupported }

func (s *sinkPort) WriteElement(ctx context.Context, v uint32) error {
	s.mu.Lock()
	s.data = append(s.data, v)
	s.mu.Unlock()
	return nil
}

func (s *sinkPort) written() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.data...)
}

type counterPort struct {
	mu sync.Mutex
	n  uint32
}

func (c *counterPort) ReadElement(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n, nil
}

func (c *counterPort) WriteElement(ctx context.Context, v uint32) error { return ErrUnsupported }

func TestDMA_MemoryToPeripheral(t *testing.T) {
	ctrl := irq.NewController()
	dma := NewDMAStream(ctrl, "dma1")
	sink := &sinkPort{}

	require.ErrorIs(t, dma.Enable(), ErrNotConfigured)
	require.NoError(t, dma.Configure(DMAConfig{
		Direction:         MemoryToPeripheral,
		ElementSize:       Size8Bit,
		MemoryIncrement:   true,
		CompleteInterrupt: true,
		Memory:            ByteMemory{0x01, 0x02, 0x03},
		Peripheral:        sink,
	}))
	require.NoError(t, dma.Enable())

	assert.Eventually(t, dma.TransferComplete, time.Second, time.Millisecond)
	assert.False(t, dma.Enabled())
	assert.Equal(t, []uint32{0x01, 0x02, 0x03}, sink.written())
	assert.Equal(t, uint64(3), dma.Transferred())

	dma.ClearTransferComplete()
	assert.False(t, dma.TransferComplete())
}

func TestDMA_CircularWraps(t *testing.T) {
	ctrl := irq.NewController()
	dma := NewDMAStream(ctrl, "dma2")
	mem := make(ByteMemory, 4)
	require.NoError(t, dma.Configure(DMAConfig{
		Direction:       PeripheralToMemory,
		ElementSize:     Size8Bit,
		MemoryIncrement: true,
		Circular:        true,
		Memory:          mem,
		Peripheral:      &counterPort{},
	}))
	require.NoError(t, dma.Enable())
	assert.Eventually(t, func() bool { return dma.Transferred() > 8 }, time.Second, time.Millisecond)
	assert.True(t, dma.Enabled())
	assert.ErrorIs(t, dma.Configure(DMAConfig{Memory: mem, Peripheral: &counterPort{}}), ErrStreamEnabled)
	dma.Disable()
	assert.False(t, dma.Enabled())
}

func TestDMA_ConfigureValidation(t *testing.T) {
	dma := NewDMAStream(irq.NewController(), "dma3")
	assert.ErrorIs(t, dma.Configure(DMAConfig{}), ErrNotConfigured)
	assert.Error(t, dma.Configure(DMAConfig{
		MemoryIncrement: true,
		Memory:          make(ByteMemory, 2),
		Peripheral:      &sinkPort{},
		Count:           3,
	}))
}

func TestI2C_WriteFrameDelivered(t *testing.T) {
	bus := NewI2C(irq.NewController(), "i2c1")
	defer bus.Close()
	target := &recordingTarget{}
	bus.Attach(0x3C, target)
	require.NoError(t, bus.Configure(physic.MegaHertz))

	bus.GenerateStart()
	require.Eventually(t, func() bool { return bus.Status().StartSent }, time.Second, 10*time.Microsecond)
	bus.WriteData(0x3C << 1)
	require.Eventually(t, func() bool { return bus.Status().AddrAcked }, time.Second, 10*time.Microsecond)
	bus.ClearAddr()
	bus.WriteData(0xAA)
	bus.WriteData(0x55)
	require.Eventually(t, func() bool { return bus.Status().ByteTransferFinished }, time.Second, 10*time.Microsecond)
	bus.GenerateStop()

	assert.Eventually(t, func() bool { return len(target.get(0x3C)) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0xAA, 0x55}, target.get(0x3C)[0])
	stats := bus.Stats()
	assert.Equal(t, uint64(1), stats.Starts)
	assert.Equal(t, uint64(0), stats.OverlappedStart)
	assert.Equal(t, uint64(0), stats.Nacks)
}

func TestI2C_AbsentTargetNacks(t *testing.T) {
	bus := NewI2C(irq.NewController(), "i2c1")
	defer bus.Close()
	require.NoError(t, bus.Configure(physic.MegaHertz))

	bus.GenerateStart()
	require.Eventually(t, func() bool { return bus.Status().StartSent }, time.Second, 10*time.Microsecond)
	bus.WriteData(0x20 << 1)
	time.Sleep(time.Millisecond)
	assert.False(t, bus.Status().AddrAcked)
	assert.Equal(t, uint64(1), bus.Stats().Nacks)

	bus.GenerateStart()
	assert.Equal(t, uint64(1), bus.Stats().OverlappedStart)
}

func TestI2C_DefaultTargetAcknowledgesAll(t *testing.T) {
	bus := NewI2C(irq.NewController(), "i2c1")
	defer bus.Close()
	target := &recordingTarget{}
	bus.AttachDefault(target)
	require.NoError(t, bus.Configure(physic.MegaHertz))
	bus.EnableDMA()

	bus.GenerateStart()
	require.Eventually(t, func() bool { return bus.Status().StartSent }, time.Second, 10*time.Microsecond)
	bus.WriteData(0x51 << 1)
	require.Eventually(t, func() bool { return bus.Status().AddrAcked }, time.Second, 10*time.Microsecond)
	bus.ClearAddr()
	require.NoError(t, bus.WriteElement(context.Background(), 0x07))
	bus.GenerateStop()
	assert.Eventually(t, func() bool { return len(target.get(0x51)) == 1 }, time.Second, time.Millisecond)
}

func TestI2C_ConfigureRejectsSpeed(t *testing.T) {
	bus := NewI2C(irq.NewController(), "i2c1")
	defer bus.Close()
	assert.Error(t, bus.Configure(0))
	assert.Error(t, bus.Configure(2*physic.MegaHertz))
	assert.NoError(t, bus.Configure(400*physic.KiloHertz))
}

func TestUSART_Loopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := NewUSART(irq.NewController(), "usart1")
	wire := NewLoopback(16)
	defer wire.Close()
	require.ErrorIs(t, u.Start(ctx), ErrNotConfigured)
	u.Attach(wire)
	require.NoError(t, u.Configure(1_000_000))
	u.EnableTransmitter()
	u.EnableReceiver()
	require.NoError(t, u.Start(ctx))

	assert.True(t, u.Status().TxEmpty)
	u.WriteData('A')
	require.Eventually(t, func() bool { return u.Status().RxNotEmpty }, time.Second, 10*time.Microsecond)
	assert.Equal(t, byte('A'), u.ReadData())
	assert.False(t, u.Status().RxNotEmpty)
	assert.Eventually(t, func() bool { return u.Status().TxEmpty }, time.Second, 10*time.Microsecond)

	stats := u.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Received)
}

func TestUSART_Overrun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u := NewUSART(irq.NewController(), "usart2")
	wire := NewLoopback(16)
	defer wire.Close()
	u.Attach(wire)
	require.NoError(t, u.Configure(1_000_000))
	u.EnableReceiver()
	require.NoError(t, u.Start(ctx))

	_, err := wire.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return u.Stats().Overruns == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(1), u.ReadData())
}

func TestUSART_TransmitterDisabledIgnoresWrites(t *testing.T) {
	u := NewUSART(irq.NewController(), "usart3")
	u.WriteData('x')
	assert.True(t, u.Status().TxEmpty)
	assert.Error(t, u.Configure(0))
}

func TestLoopback_Close(t *testing.T) {
	wire := NewLoopback(1)
	require.NoError(t, wire.Close())
	_, err := wire.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	_, err = wire.Write([]byte{1, 2})
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestADC_ScanSequence(t *testing.T) {
	ctx := context.Background()
	adc := NewADC()
	require.NoError(t, adc.Configure(ADCConfig{
		Sequence:       []uint8{10, 11, 12},
		Scan:           true,
		Continuous:     true,
		DMA:            true,
		ConversionTime: time.Microsecond,
	}))
	adc.SetInput(10, 100)
	adc.SetInput(11, 200)
	adc.SetInput(12, 0xFFFF)
	adc.Start()

	var got []uint32
	for i := 0; i < 6; i++ {
		v, err := adc.ReadElement(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []uint32{100, 200, ADCMaxSample, 100, 200, ADCMaxSample}, got)
	assert.Equal(t, uint64(6), adc.Conversions())
}

func TestADC_SingleShotStops(t *testing.T) {
	ctx := context.Background()
	adc := NewADC()
	require.NoError(t, adc.Configure(ADCConfig{Sequence: []uint8{3}, DMA: true, ConversionTime: time.Microsecond}))
	adc.SetInput(3, 42)
	adc.Start()
	v, err := adc.ReadElement(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	_, err = adc.ReadElement(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestADC_ConfigureValidation(t *testing.T) {
	adc := NewADC()
	tests := []struct {
		name string
		cfg  ADCConfig
	}{
		{name: "empty sequence", cfg: ADCConfig{}},
		{name: "channel out of range", cfg: ADCConfig{Sequence: []uint8{ADCChannels}}},
		{name: "multi channel without scan", cfg: ADCConfig{Sequence: []uint8{1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, adc.Configure(tt.cfg))
		})
	}
}

func TestADC_WaitsForStart(t *testing.T) {
	adc := NewADC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := adc.ReadElement(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
