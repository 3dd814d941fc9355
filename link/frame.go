package link

import (
	"errors"
	"fmt"
)

// FrameLen is the size of an encoded control frame.
const FrameLen = 3

const (
	TagSpeed byte = 'S'
	TagAngle byte = 'A'
)

var ErrMalformedFrame = errors.New("link: malformed control frame")

// ControlFrame carries one axis position: a tag byte, a sign byte and the
// magnitude.
type ControlFrame struct {
	Tag   byte
	Value int16
}

func (f ControlFrame) MarshalBinary() ([]byte, error) {
	sign, mag := byte('+'), f.Value
	if f.Value < 0 {
		sign, mag = '-', -f.Value
	}
	if mag > 0xFF {
		return nil, fmt.Errorf("value %d does not fit a control frame: %w", f.Value, ErrMalformedFrame)
	}
	return []byte{f.Tag, sign, byte(mag)}, nil
}

func (f *ControlFrame) UnmarshalBinary(data []byte) error {
	if len(data) != FrameLen {
		return fmt.Errorf("frame of %d bytes: %w", len(data), ErrMalformedFrame)
	}
	switch data[1] {
	case '+':
		f.Value = int16(data[2])
	case '-':
		f.Value = -int16(data[2])
	default:
		return fmt.Errorf("sign byte %#x: %w", data[1], ErrMalformedFrame)
	}
	f.Tag = data[0]
	return nil
}

func (f ControlFrame) String() string {
	return fmt.Sprintf("%c%+d", f.Tag, f.Value)
}
