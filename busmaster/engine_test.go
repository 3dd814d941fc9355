package busmaster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/irq"
	"github.com/mklimuk/rclink/rtos"
	"github.com/mklimuk/rclink/sim"
)

const displayAddress = 0x3C

// MockTarget is a bus target built on testify/mock
type MockTarget struct {
	mock.Mock
	concurrentOps int64 // tracks concurrent deliveries
	maxConcurrent int64 // maximum concurrent deliveries observed
	delivered     atomic.Int64
	mu            sync.Mutex
}

func (m *MockTarget) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.mu.Lock()
	concurrent := atomic.AddInt64(&m.concurrentOps, 1)
	if concurrent > atomic.LoadInt64(&m.maxConcurrent) {
		atomic.StoreInt64(&m.maxConcurrent, concurrent)
	}
	m.mu.Unlock()

	args := m.Called(ctx, address, buffer)

	m.mu.Lock()
	atomic.AddInt64(&m.concurrentOps, -1)
	m.mu.Unlock()
	m.delivered.Add(1)

	return args.Error(0)
}

func newTestEngine(t *testing.T, opts ...EngineOpt) (*Engine, *sim.I2C, *MockTarget) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := irq.NewController()
	go func() { _ = ctrl.Run(ctx) }()
	bus := sim.NewI2C(ctrl, "i2c1")
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})
	target := new(MockTarget)
	bus.Attach(displayAddress, target)
	engine := New(ctrl, bus, sim.NewDMAStream(ctrl, "dma1_stream6"), opts...)
	require.NoError(t, engine.Init(ctx))
	return engine, bus, target
}

func TestEngine_WriteDeliversFrame(t *testing.T) {
	engine, bus, target := newTestEngine(t, WithCompletionTimeout(200))
	payload := []byte{0x00, 0xAE, 0xD5, 0x80}
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), payload).Return(nil).Once()

	err := engine.Write(context.Background(), payload, displayAddress)

	require.NoError(t, err)
	assert.Equal(t, Idle, engine.State())
	assert.Equal(t, PendingTransfer{Address: displayAddress << 1, Length: 4}, engine.Pending())
	assert.Eventually(t, func() bool { return target.delivered.Load() == 1 }, time.Second, time.Millisecond)
	target.AssertExpectations(t)
	assert.Equal(t, uint64(1), bus.Stats().Starts)
}

func TestEngine_InvalidArguments(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		address byte
	}{
		{name: "empty buffer", data: []byte{}, address: displayAddress},
		{name: "nil buffer", data: nil, address: displayAddress},
		{name: "address above 7 bits", data: []byte{0x01}, address: 0x80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, bus, _ := newTestEngine(t)
			err := engine.Write(context.Background(), tt.data, tt.address)
			assert.ErrorIs(t, err, rclink.ErrInvalidArgument)
			assert.Equal(t, uint64(0), bus.Stats().Starts, "no bus activity expected")
			assert.Equal(t, Idle, engine.State())
		})
	}
}

func TestEngine_NotInitialized(t *testing.T) {
	ctrl := irq.NewController()
	bus := sim.NewI2C(ctrl, "i2c2")
	defer bus.Close()
	engine := New(ctrl, bus, sim.NewDMAStream(ctrl, "dma"))
	assert.ErrorIs(t, engine.Write(context.Background(), []byte{1}, displayAddress), sim.ErrNotConfigured)
}

func TestEngine_ConcurrentWritesNeverOverlap(t *testing.T) {
	engine, bus, target := newTestEngine(t, WithTakeTimeout(2000), WithCompletionTimeout(200))
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Return(nil)

	const numOps = 8
	var wg sync.WaitGroup
	wg.Add(numOps)
	for i := 0; i < numOps; i++ {
		go func(i int) {
			defer wg.Done()
			err := engine.Write(context.Background(), []byte{byte(i), byte(i), byte(i)}, displayAddress)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return target.delivered.Load() == numOps }, time.Second, time.Millisecond)
	stats := bus.Stats()
	assert.Equal(t, uint64(numOps), stats.Starts)
	assert.Equal(t, uint64(0), stats.OverlappedStart, "a START was issued while another transfer held the bus")
	assert.LessOrEqual(t, atomic.LoadInt64(&target.maxConcurrent), int64(1))
	assert.Equal(t, Idle, engine.State())
}

// Writers racing for the engine may time out, but once they are gone the
// engine is free again.
func TestEngine_UsableAfterContention(t *testing.T) {
	engine, bus, target := newTestEngine(t,
		WithSpeed(physic.MegaHertz),
		WithTakeTimeout(200),
		WithCompletionTimeout(100),
	)
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Return(nil)

	const writers, rounds = 16, 50
	var ok atomic.Int64
	var wg sync.WaitGroup
	wg.Add(writers)
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				err := engine.Write(context.Background(), []byte{byte(w), byte(r)}, displayAddress)
				if err == nil {
					ok.Add(1)
					continue
				}
				assert.ErrorIs(t, err, rclink.ErrBusy)
			}
		}(w)
	}
	wg.Wait()

	assert.Positive(t, ok.Load())
	assert.Eventually(t, engine.done.Available, time.Second, time.Millisecond)
	assert.Equal(t, Idle, engine.State())
	require.NoError(t, engine.Write(context.Background(), []byte{0xFF}, displayAddress))
	assert.Equal(t, uint64(0), bus.Stats().OverlappedStart)
	assert.LessOrEqual(t, atomic.LoadInt64(&target.maxConcurrent), int64(1))
}

func TestEngine_ReleaseAbortsWaitingWrite(t *testing.T) {
	engine, bus, target := newTestEngine(t,
		WithSpeed(physic.KiloHertz),
		WithCompletionTimeout(1000),
	)
	ctx := context.Background()

	require.NoError(t, engine.Release(ctx), "release of an idle engine")
	assert.True(t, engine.done.Available())

	time.AfterFunc(5*time.Millisecond, func() { _ = engine.Release(ctx) })
	start := time.Now()
	err := engine.Write(ctx, []byte{1, 2, 3, 4, 5, 6, 7, 8}, displayAddress)
	assert.ErrorIs(t, err, rclink.ErrBusy)
	assert.ErrorContains(t, err, "aborted")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, Idle, engine.State())
	assert.Never(t, func() bool { return target.delivered.Load() > 0 }, 50*time.Millisecond, time.Millisecond)

	target.On("WriteToAddr", mock.Anything, byte(displayAddress), []byte{0x09}).Return(nil).Once()
	require.NoError(t, engine.SetSpeed(400*physic.KiloHertz))
	require.NoError(t, engine.Write(ctx, []byte{0x09}, displayAddress))
	assert.Eventually(t, func() bool { return target.delivered.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), bus.Stats().OverlappedStart)
}

func TestEngine_ConcurrentInitRegistersOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctrl := irq.NewController()
	go func() { _ = ctrl.Run(ctx) }()
	bus := sim.NewI2C(ctrl, "i2c3")
	defer bus.Close()
	engine := New(ctrl, bus, sim.NewDMAStream(ctrl, "dma1_stream7"))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, engine.Init(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, ctrl.Lines(), "one event and one dma line")
	assert.True(t, engine.done.Available())
}

// A target that never acknowledges leaves the engine held: there is no bus
// error recovery, only Release.
func TestEngine_NackKeepsEngineBusyUntilRelease(t *testing.T) {
	engine, bus, target := newTestEngine(t, WithTakeTimeout(5), WithCompletionTimeout(5))
	ctx := context.Background()

	err := engine.Write(ctx, []byte{0x01}, 0x20)
	assert.ErrorIs(t, err, rclink.ErrBusy)
	assert.ErrorIs(t, err, rtos.ErrTimeout)
	assert.Equal(t, Transmitting, engine.State())
	assert.Equal(t, uint64(1), bus.Stats().Nacks)

	err = engine.Write(ctx, []byte{0x02}, displayAddress)
	assert.ErrorIs(t, err, rclink.ErrBusy)
	assert.Equal(t, uint64(1), bus.Stats().Starts, "held engine must not touch the bus")

	require.NoError(t, engine.Release(ctx))
	assert.Equal(t, Idle, engine.State())

	target.On("WriteToAddr", mock.Anything, byte(displayAddress), []byte{0x03}).Return(nil).Once()
	engine.config.CompletionTimeout = 200
	require.NoError(t, engine.Write(ctx, []byte{0x03}, displayAddress))
	assert.Eventually(t, func() bool { return target.delivered.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(0), bus.Stats().OverlappedStart)
}

// A transfer that outlives the completion wait reports busy, and the engine
// stays held until the interrupt handler finishes it.
func TestEngine_SlowTransferReleasedByHandler(t *testing.T) {
	engine, _, target := newTestEngine(t,
		WithSpeed(physic.KiloHertz),
		WithTakeTimeout(0),
		WithCompletionTimeout(5),
	)
	ctx := context.Background()
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Return(nil)

	err := engine.Write(ctx, []byte{0x10, 0x20}, displayAddress)
	assert.ErrorIs(t, err, rclink.ErrBusy)

	err = engine.Write(ctx, []byte{0x30}, displayAddress)
	assert.ErrorIs(t, err, rclink.ErrBusy, "engine must stay held while the transfer is in flight")

	assert.Eventually(t, engine.done.Available, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return target.delivered.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, engine.SetSpeed(400*physic.KiloHertz))
	assert.NoError(t, engine.Write(ctx, []byte{0x30}, displayAddress))
	assert.Equal(t, Idle, engine.State())
}

func TestEngine_ContextCancelled(t *testing.T) {
	engine, _, _ := newTestEngine(t, WithSpeed(physic.KiloHertz), WithCompletionTimeout(1000))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)

	err := engine.Write(ctx, []byte{0x01}, 0x21)
	assert.ErrorIs(t, err, rclink.ErrBusy)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngine_PeriphBus(t *testing.T) {
	engine, bus, target := newTestEngine(t, WithCompletionTimeout(200))
	pb := engine.AsPeriphBus()
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), []byte{0xAF}).Return(nil).Once()

	assert.Equal(t, "busmaster/i2c1", pb.String())
	assert.ErrorIs(t, pb.Tx(displayAddress, []byte{0x00}, make([]byte, 2)), sim.ErrUnsupported)
	assert.ErrorIs(t, pb.Tx(0x100, []byte{0x00}, nil), rclink.ErrInvalidArgument)
	assert.Error(t, pb.SetSpeed(2*physic.MegaHertz))
	require.NoError(t, pb.SetSpeed(physic.MegaHertz))
	require.NoError(t, pb.Tx(displayAddress, []byte{0xAF}, nil))

	assert.Eventually(t, func() bool { return target.delivered.Load() == 1 }, time.Second, time.Millisecond)
	target.AssertExpectations(t)
	assert.Equal(t, uint64(1), bus.Stats().Starts)
}

func TestEngine_PeriphDevice(t *testing.T) {
	engine, _, target := newTestEngine(t, WithCompletionTimeout(200))
	target.On("WriteToAddr", mock.Anything, byte(displayAddress), mock.Anything).Return(nil)
	rec := &i2ctest.Record{Bus: engine.AsPeriphBus()}
	dev := &i2c.Dev{Bus: rec, Addr: displayAddress}

	require.NoError(t, dev.Tx([]byte{0x00, 0xA5}, nil))
	n, err := dev.Write([]byte{0x40, 0x01})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []i2ctest.IO{
		{Addr: displayAddress, W: []byte{0x00, 0xA5}},
		{Addr: displayAddress, W: []byte{0x40, 0x01}},
	}, rec.Ops)
	assert.Eventually(t, func() bool { return target.delivered.Load() == 2 }, time.Second, time.Millisecond)
}
