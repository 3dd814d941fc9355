package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/rclink/busmaster"
	"github.com/mklimuk/rclink/cmd/rclink/console"
	"github.com/mklimuk/rclink/link"
	"github.com/mklimuk/rclink/linkctx"
)

type runStats struct {
	Bus     any `yaml:"bus"`
	Stream  any `yaml:"stream"`
	Link    any `yaml:"link"`
	Samples any `yaml:"samples"`
}

var runCmd = cli.Command{
	Name:  "run",
	Usage: "set up the radio module and stream joystick frames until interrupted",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask before resetting the radio module"},
		&cli.BoolFlag{Name: "skip-init", Usage: "do not send the AT setup sequence"},
		&cli.StringFlag{Name: "splash", Usage: "hex bytes written to the display bus on start"},
		&cli.BoolFlag{Name: "display", Usage: "initialize and clear the display before streaming"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := newBoard(cfg)
		defer func() {
			if err := b.Close(); err != nil {
				console.Errorf("error closing board: %s", console.Red(err))
			}
		}()
		ctx := b.start(linkctx.SetVerbose(sigctx, c.Bool("verbose")))
		var busOpts []busmaster.EngineOpt
		if c.Bool("display") {
			busOpts = b.displayOpts()
		}
		if err := b.initBus(ctx, busOpts...); err != nil {
			return console.Exit(1, "bus initialization error: %s", console.Red(err))
		}
		if err := b.initStream(ctx); err != nil {
			return console.Exit(1, "stream initialization error: %s", console.Red(err))
		}
		if err := b.initSampler(ctx); err != nil {
			return console.Exit(1, "sampler initialization error: %s", console.Red(err))
		}
		if c.Bool("display") {
			if err := b.initDisplay(ctx); err != nil {
				console.Warnf("display not initialized: %s", err)
			}
		}
		if err := splash(ctx, b, c.String("splash")); err != nil {
			console.Warnf("display not updated: %s", err)
		}

		if !c.Bool("skip-init") {
			if !c.Bool("yes") {
				ok, err := console.Confirm("send AT setup sequence (resets the radio module)?")
				if err != nil {
					return console.Exit(1, "prompt error: %s", console.Red(err))
				}
				if !ok {
					return nil
				}
			}
			console.PInfof(console.PictoAntenna, "configuring radio module")
			err := link.Initialize(ctx, b.stream, cfg.Link.InitSequence, cfg.Link.CommandSpacing)
			if err != nil && !errors.Is(err, context.Canceled) {
				return console.Fail("radio setup", err)
			}
		}

		ctrl := link.NewController(b.sampler, b.stream,
			link.WithPeriod(cfg.Link.Period),
			link.WithRange(cfg.Link.Range),
		)
		console.PInfof(console.PictoJoystick, "streaming control frames, press ctrl-c to stop")
		err = ctrl.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return console.Exit(1, "control loop failed: %s", console.Red(err))
		}
		console.PInfof(console.PictoFinish, "stopped")
		samples := map[int]int32{}
		for id := 0; id < b.sampler.Channels(); id++ {
			samples[id], _ = b.sampler.Read(id)
		}
		return dumpYAML(runStats{
			Bus:     b.bus.Stats(),
			Stream:  b.stream.Stats(),
			Link:    ctrl.Stats(),
			Samples: samples,
		})
	},
}

func splash(ctx context.Context, b *board, payload string) error {
	if payload == "" {
		return nil
	}
	data, err := decodeHex(payload)
	if err != nil {
		return err
	}
	return b.engine.Write(ctx, data, byte(b.cfg.Display.Address))
}
