package sim

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// Loopback is a wire whose TX pin is connected to its own RX pin.
type Loopback struct {
	bytes  chan byte
	closed chan struct{}
	once   sync.Once
}

func NewLoopback(capacity int) *Loopback {
	if capacity < 1 {
		capacity = 256
	}
	return &Loopback{bytes: make(chan byte, capacity), closed: make(chan struct{})}
}

func (l *Loopback) Write(p []byte) (int, error) {
	for i, b := range p {
		select {
		case l.bytes <- b:
		case <-l.closed:
			return i, io.ErrClosedPipe
		}
	}
	return len(p), nil
}

// Read blocks for the first byte and then returns whatever else is buffered.
func (l *Loopback) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	select {
	case p[0] = <-l.bytes:
	case <-l.closed:
		return 0, io.ErrClosedPipe
	}
	n := 1
	for n < len(p) {
		select {
		case b := <-l.bytes:
			p[n] = b
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// SerialWire connects the USART pins to a host serial port.
type SerialWire struct {
	port *serial.Port
	name string
}

func OpenSerialWire(device string, baud int, readTimeout time.Duration) (*SerialWire, error) {
	port, err := serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not open serial port %s: %w", device, err)
	}
	return &SerialWire{port: port, name: device}, nil
}

// Read returns io.EOF when the read timeout expired without data so the
// receiver can poll its context.
func (w *SerialWire) Read(p []byte) (int, error) {
	n, err := w.port.Read(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (w *SerialWire) Write(p []byte) (int, error) {
	return w.port.Write(p)
}

func (w *SerialWire) Close() error {
	return w.port.Close()
}

func (w *SerialWire) String() string {
	return w.name
}
