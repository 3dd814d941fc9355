package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/rclink"
	"github.com/mklimuk/rclink/cmd/rclink/console"
	"github.com/mklimuk/rclink/link"
)

var uartCmd = cli.Command{
	Name:  "uart",
	Usage: "full-duplex stream to the radio module",
	Subcommands: []*cli.Command{
		&uartSendCmd,
		&uartRecvCmd,
		&uartATCmd,
		&uartConsoleCmd,
	},
}

var uartSendCmd = cli.Command{
	Name:      "send",
	Usage:     "send text and print what comes back",
	ArgsUsage: "<text>",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "wait", Value: 200 * time.Millisecond, Usage: "how long to collect the answer"},
	},
	Action: func(c *cli.Context) error {
		return withStream(c, func(ctx context.Context, b *board) error {
			if err := send(ctx, b, []byte(strings.Join(c.Args().Slice(), " "))); err != nil {
				return err
			}
			return collect(ctx, b, c.Duration("wait"))
		})
	},
}

var uartRecvCmd = cli.Command{
	Name:  "recv",
	Usage: "print incoming bytes",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "wait", Value: 5 * time.Second},
	},
	Action: func(c *cli.Context) error {
		return withStream(c, func(ctx context.Context, b *board) error {
			return collect(ctx, b, c.Duration("wait"))
		})
	},
}

var uartATCmd = cli.Command{
	Name:      "at",
	Usage:     "send one AT command",
	ArgsUsage: "[command]",
	Flags: []cli.Flag{
		&cli.DurationFlag{Name: "wait", Value: time.Second},
	},
	Action: func(c *cli.Context) error {
		frame, err := link.ATCommand(c.Args().First())
		if err != nil {
			return console.Exit(1, "invalid command: %s", console.Red(err))
		}
		return withStream(c, func(ctx context.Context, b *board) error {
			if err := send(ctx, b, frame); err != nil {
				return err
			}
			return collect(ctx, b, c.Duration("wait"))
		})
	},
}

var uartConsoleCmd = cli.Command{
	Name:  "console",
	Usage: "interactive line console",
	Action: func(c *cli.Context) error {
		return withStream(c, func(ctx context.Context, b *board) error {
			go func() {
				_ = collect(ctx, b, 0)
			}()
			return console.Lines("> ", func(line string) error {
				return send(ctx, b, []byte(line+"\r\n"))
			})
		})
	},
}

func withStream(c *cli.Context, fn func(ctx context.Context, b *board) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return console.Exit(1, "configuration error: %s", console.Red(err))
	}
	b := newBoard(cfg)
	defer func() {
		if err := b.Close(); err != nil {
			console.Errorf("error closing board: %s", console.Red(err))
		}
	}()
	ctx := b.start(context.Background())
	if err := b.initStream(ctx); err != nil {
		return console.Exit(1, "stream initialization error: %s", console.Red(err))
	}
	return fn(ctx, b)
}

func send(ctx context.Context, b *board, data []byte) error {
	n, err := b.stream.Send(ctx, data)
	if err != nil {
		return console.Fail("send", err)
	}
	if n < len(data) {
		console.Warnf("only %d of %d bytes accepted", n, len(data))
	}
	console.Debugf("sent %q", data[:n])
	return nil
}

// collect prints incoming data until wait elapses; zero waits for ctx.
func collect(ctx context.Context, b *board, wait time.Duration) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := b.stream.Receive(ctx, buf)
		if errors.Is(err, rclink.ErrBusy) {
			continue
		}
		if err != nil {
			return console.Fail("receive", err)
		}
		if n > 0 {
			console.Print(fmt.Sprintf("%s %q", console.Green("<"), buf[:n]))
		}
	}
	return nil
}
