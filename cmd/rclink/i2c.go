package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/rclink/cmd/rclink/console"
	"github.com/mklimuk/rclink/linkctx"
)

var i2cCmd = cli.Command{
	Name:  "i2c",
	Usage: "bus master transfers",
	Subcommands: []*cli.Command{
		&i2cWriteCmd,
		&i2cDisplayCmd,
	},
}

var i2cWriteCmd = cli.Command{
	Name:      "write",
	Usage:     "write hex bytes to a 7-bit address",
	ArgsUsage: "<hex bytes>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "addr",
			Aliases: []string{"a"},
			Value:   "0x3c",
		},
		&cli.IntFlag{
			Name:    "repeat",
			Aliases: []string{"r"},
			Value:   1,
		},
		&cli.BoolFlag{Name: "stats", Usage: "dump bus counters after the transfers"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		addr, err := strconv.ParseUint(c.String("addr"), 0, 8)
		if err != nil {
			return console.Exit(1, "invalid address: %s", console.Red(err))
		}
		data, err := decodeHex(strings.Join(c.Args().Slice(), ""))
		if err != nil {
			return console.Exit(1, "invalid payload: %s", console.Red(err))
		}
		b := newBoard(cfg)
		defer func() {
			if err := b.Close(); err != nil {
				console.Errorf("error closing board: %s", console.Red(err))
			}
		}()
		ctx := b.start(linkctx.SetVerbose(context.Background(), c.Bool("verbose")))
		if err := b.initBus(ctx); err != nil {
			return console.Exit(1, "bus initialization error: %s", console.Red(err))
		}
		for i := 0; i < c.Int("repeat"); i++ {
			if err := b.engine.Write(ctx, data, byte(addr)); err != nil {
				return console.Fail(fmt.Sprintf("transfer %d", i), err)
			}
			console.Infof("wrote %s bytes to %s", console.White(len(data)), console.White(c.String("addr")))
		}
		if c.Bool("stats") {
			return dumpYAML(b.bus.Stats())
		}
		return nil
	},
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.NewReplacer(" ", "", ":", "", "0x", "").Replace(s))
}

var i2cDisplayCmd = cli.Command{
	Name:  "display",
	Usage: "initialize the display controller through the bus master",
	Flags: []cli.Flag{
		&cli.UintFlag{Name: "contrast", Usage: "contrast 0..255 set after initialization"},
		&cli.BoolFlag{Name: "off", Usage: "switch the panel off again"},
		&cli.BoolFlag{Name: "stats", Usage: "dump bus counters afterwards"},
	},
	Action: func(c *cli.Context) error {
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
		ctx := b.start(linkctx.SetVerbose(context.Background(), c.Bool("verbose")))
		if err := b.initBus(ctx, b.displayOpts()...); err != nil {
			return console.Exit(1, "bus initialization error: %s", console.Red(err))
		}
		if err := b.initDisplay(ctx); err != nil {
			return console.Fail("display initialization", err)
		}
		console.Infof("display %s ready (%dx%d)", console.White(fmt.Sprintf("%#x", cfg.Display.Address)), cfg.Display.Width, cfg.Display.Height)
		if c.IsSet("contrast") {
			contrast := c.Uint("contrast")
			if contrast > 0xFF {
				return console.Exit(1, "contrast %d out of range 0..255", contrast)
			}
			if err := b.display.SetContrast(byte(contrast)); err != nil {
				return console.Fail("contrast", err)
			}
		}
		if c.Bool("off") {
			if err := b.display.Off(); err != nil {
				return console.Fail("display off", err)
			}
		}
		if c.Bool("stats") {
			return dumpYAML(b.bus.Stats())
		}
		return nil
	},
}
