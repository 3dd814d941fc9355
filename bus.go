package rclink

import (
	"context"
	"errors"
	"fmt"
)

// ErrBusy is returned when a bounded wait on a peripheral expired. The operation
// was not performed (or not confirmed) and may be retried by the caller.
var ErrBusy = fmt.Errorf("peripheral is busy (bounded wait expired)")

// ErrInvalidArgument is returned before any hardware action when the caller
// passed an empty buffer, a bad address or an unknown channel.
var ErrInvalidArgument = errors.New("invalid argument")

// AddressableWriter writes a whole buffer to the target at a 7-bit bus address.
type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type ByteSender interface {
	Send(ctx context.Context, buffer []byte) (int, error)
}

type ByteReceiver interface {
	Receive(ctx context.Context, buffer []byte) (int, error)
}

// ByteStream is a full-duplex link without framing. Send reports the number of
// bytes accepted for transmission, Receive the number of bytes read.
type ByteStream interface {
	ByteSender
	ByteReceiver
}

type SampleReader interface {
	Read(channel int) (int32, error)
	Scale(channel int, min, max int32) (int32, error)
}
