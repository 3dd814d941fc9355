package console

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/rclink"
)

// Exit codes. A busy peripheral is reported apart from other failures so a
// calling script can retry.
const (
	ExitFailure = 1
	ExitBusy    = 2
)

var (
	Yellow = color.New(color.FgYellow).SprintFunc()
	Red    = color.New(color.FgRed).SprintFunc()
	Green  = color.New(color.FgGreen).SprintFunc()
	White  = color.New(color.FgHiWhite).SprintFunc()
)

func Exit(code int, msg string, args ...any) cli.ExitCoder {
	return cli.Exit(fmt.Sprintf(msg, args...), code)
}

// Fail reports a failed operation on a peripheral.
func Fail(op string, err error) cli.ExitCoder {
	code := ExitFailure
	if errors.Is(err, rclink.ErrBusy) {
		code = ExitBusy
	}
	return cli.Exit(fmt.Sprintf("%s failed: %s", op, Red(err)), code)
}
