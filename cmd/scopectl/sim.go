package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli"

	"github.com/chronologos/scopelink/internal/config"
	"github.com/chronologos/scopelink/internal/protocol"
	"github.com/chronologos/scopelink/internal/scopesim"
)

var simFlags = []cli.Flag{
	cli.StringFlag{Name: "listen, l", Value: "127.0.0.1:5000", Usage: "listen address"},
	cli.StringFlag{Name: "handshake", Value: "ok", Usage: "handshake result: ok, fail or blocked"},
	cli.IntFlag{Name: "tiles", Usage: "tiles per simulated acquisition"},
	cli.DurationFlag{Name: "step", Usage: "time per tile"},
	cli.IntFlag{Name: "manual-focus-at", Usage: "tile that requests manual focus"},
	cli.IntFlag{Name: "fail-at", Usage: "tile at which the acquisition fails"},
	cli.IntFlag{Name: "stall-at", Usage: "tile at which progress freezes"},
	cli.Float64Flag{Name: "final-z", Usage: "Z reported on completion"},
	cli.Float64Flag{Name: "z-min", Usage: "lowest safe Z"},
	cli.Float64Flag{Name: "z-max", Usage: "highest safe Z"},
}

// sim serves the simulated microscope until interrupted or told to shut
// down.
func sim(ctx *cli.Context) error {
	level := ctx.GlobalString("log-level")
	if level == "" {
		level = "info"
	}
	log, err := config.NewLogger(config.LogConfig{Level: level, Format: "text"}, os.Stderr)
	if err != nil {
		return err
	}

	cfg := scopesim.Config{
		Addr:   ctx.String("listen"),
		ZMin:   ctx.Float64("z-min"),
		ZMax:   ctx.Float64("z-max"),
		Logger: log,
		Acquisition: scopesim.AcquisitionScript{
			Tiles:         ctx.Int("tiles"),
			StepInterval:  ctx.Duration("step"),
			ManualFocusAt: ctx.Int("manual-focus-at"),
			FailAt:        ctx.Int("fail-at"),
			StallAt:       ctx.Int("stall-at"),
			FinalZ:        ctx.Float64("final-z"),
		},
	}
	switch strings.ToLower(ctx.String("handshake")) {
	case "ok":
	case "fail":
		cfg.HandshakeStatus = protocol.ConfigFail
		cfg.HandshakeMessage = "simulated configuration failure"
	case "blocked":
		cfg.HandshakeStatus = protocol.ConfigBlocked
		cfg.HandshakeMessage = "simulated server busy with another client"
	default:
		return fmt.Errorf("--handshake %q: want ok, fail or blocked", ctx.String("handshake"))
	}

	sigCtx, stop := signalContext()
	defer stop()

	s := scopesim.New(cfg)
	go func() {
		<-s.Ready
		fmt.Println(s.Addr())
	}()
	return s.Run(sigCtx)
}
