package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/rclink/cmd/rclink/console"
	"github.com/mklimuk/rclink/sampler"
)

var adcCmd = cli.Command{
	Name:  "adc",
	Usage: "continuous sampler",
	Subcommands: []*cli.Command{
		&adcReadCmd,
	},
}

var adcReadCmd = cli.Command{
	Name:  "read",
	Usage: "print the latest sample of every channel",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "set",
			Usage: "simulated input as channel=raw, e.g. 10=4095",
		},
		&cli.IntFlag{Name: "min", Value: -100},
		&cli.IntFlag{Name: "max", Value: 100},
		&cli.IntFlag{Name: "count", Value: 1},
		&cli.DurationFlag{Name: "interval", Value: 500 * time.Millisecond},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if cfg.Sampler.Inputs == nil {
			cfg.Sampler.Inputs = map[uint8]uint16{}
		}
		for _, kv := range c.StringSlice("set") {
			ch, raw, err := parseInput(kv)
			if err != nil {
				return console.Exit(1, "invalid input %q: %s", kv, console.Red(err))
			}
			cfg.Sampler.Inputs[ch] = raw
		}
		b := newBoard(cfg)
		defer func() {
			if err := b.Close(); err != nil {
				console.Errorf("error closing board: %s", console.Red(err))
			}
		}()
		ctx := b.start(context.Background())
		if err := b.initSampler(ctx); err != nil {
			return console.Exit(1, "sampler initialization error: %s", console.Red(err))
		}
		min, max := int32(c.Int("min")), int32(c.Int("max"))
		for i := 0; i < c.Int("count"); i++ {
			time.Sleep(c.Duration("interval"))
			for id := 0; id < b.sampler.Channels(); id++ {
				raw, err := b.sampler.Read(id)
				if err != nil {
					return console.Exit(1, "read error: %s", console.Red(err))
				}
				console.Infof("channel %s raw %s scaled %s", console.White(id), console.White(raw), console.White(sampler.ScaleRaw(raw, min, max)))
			}
			if b.sampler.Channels() > sampler.BatteryMonitor {
				mv, _ := b.sampler.BatteryMillivolts()
				console.PInfof(console.PictoBattery, "battery %s mV", console.White(mv))
			}
		}
		return nil
	},
}

func parseInput(kv string) (uint8, uint16, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok {
		return 0, 0, fmt.Errorf("expected channel=raw")
	}
	ch, err := strconv.ParseUint(k, 0, 8)
	if err != nil {
		return 0, 0, err
	}
	raw, err := strconv.ParseUint(v, 0, 16)
	if err != nil {
		return 0, 0, err
	}
	return uint8(ch), uint16(raw), nil
}
