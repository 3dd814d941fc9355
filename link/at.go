// Package link talks to the wireless serial module of the remote: AT command
// setup after power-on and the periodic control frames carrying joystick
// positions to the car.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/rtos"
)

// MaxATCommandLen is the size of the module's command buffer, terminator
// included.
const MaxATCommandLen = 32

// DefaultCommandSpacing is the pause between two setup commands.
const DefaultCommandSpacing rtos.Ticks = 1000

// DefaultInitSequence configures the module as central, named CONTROLLER,
// in transparent mode and connects it to the car.
var DefaultInitSequence = []string{
	"DEFAULT",
	"NAMECONTROLLER",
	"ROLE1",
	"IMME0",
	"INQ",
	"CONADDR_MAC",
}

// ATCommand builds the wire form of a command: "AT\r\n" for an empty command,
// "AT+<cmd>\r\n" otherwise.
func ATCommand(cmd string) ([]byte, error) {
	frame := "AT"
	if cmd != "" {
		frame += "+" + cmd
	}
	frame += "\r\n"
	if len(frame) >= MaxATCommandLen {
		return nil, fmt.Errorf("at command %q is %d bytes long: %w", cmd, len(frame), rclink.ErrInvalidArgument)
	}
	return []byte(frame), nil
}

// Initialize sends cmds one by one, starting each spacing ticks after the
// previous one. A command the stream reports busy is skipped; the module
// keeps its previous setting.
func Initialize(ctx context.Context, out rclink.ByteSender, cmds []string, spacing rtos.Ticks) error {
	if spacing == 0 {
		spacing = DefaultCommandSpacing
	}
	for _, cmd := range cmds {
		last := time.Now()
		frame, err := ATCommand(cmd)
		if err != nil {
			return err
		}
		n, err := out.Send(ctx, frame)
		switch {
		case errors.Is(err, rclink.ErrBusy):
			slog.Warn("at command not sent", "command", cmd, "error", err)
		case err != nil:
			return fmt.Errorf("could not send at command %s: %w", cmd, err)
		case n < len(frame):
			slog.Warn("at command truncated", "command", cmd, "sent", n, "len", len(frame))
		default:
			slog.Debug("at command sent", "command", cmd)
		}
		if err := rtos.DelayUntil(ctx, &last, spacing); err != nil {
			return err
		}
	}
	return nil
}
