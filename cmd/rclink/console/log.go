package console

import (
	"fmt"
	"io"
	"os"
)

const (
	PictoFinish   = "🏁"
	PictoAntenna  = "📡"
	PictoJoystick = "🕹"
	PictoBattery  = "🔋"
)

var (
	writer    io.Writer = os.Stdout
	errWriter io.Writer = os.Stderr
)

// Trace enables Debugf output; set from the --verbose flag.
var Trace bool

func SetOutput(w, errw io.Writer) {
	writer = w
	errWriter = errw
}

func Errorf(msg string, args ...any) {
	line(errWriter, Red("ERROR")+":", msg, args)
}

func Warnf(msg string, args ...any) {
	line(errWriter, Yellow("WARN")+":", msg, args)
}

func Infof(msg string, args ...any) {
	line(writer, White("..."), msg, args)
}

func Debugf(msg string, args ...any) {
	if Trace {
		line(writer, White("[DEBUG]"), msg, args)
	}
}

// PInfof prints an info line led by a picto instead of the usual marker.
func PInfof(picto, msg string, args ...any) {
	line(writer, picto, msg, args)
}

func Print(msg string) {
	_, _ = fmt.Fprintln(writer, msg)
}

func line(w io.Writer, lead, msg string, args []any) {
	_, _ = fmt.Fprintf(w, "%s %s\n", lead, fmt.Sprintf(msg, args...))
}
