package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/chronologos/scopelink/internal/client"
	"github.com/chronologos/scopelink/internal/config"
	"github.com/chronologos/scopelink/internal/version"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Usage:  "scopectl YAML config file",
		EnvVar: "SCOPECTL_CONFIG",
	},
	cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file with SCOPE_* overrides (default .env)",
	},
	cli.StringFlag{
		Name:  "host",
		Usage: "command server host",
	},
	cli.IntFlag{
		Name:  "port, p",
		Usage: "command server port",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
}

var jsonFlag = cli.BoolFlag{
	Name:  "json",
	Usage: "print the result as JSON",
}

// Execute runs the CLI with the given arguments.
func Execute(args []string) error {
	app := cli.App{
		Name:      "scopectl",
		HelpName:  "scopectl",
		Usage:     "drive a microscope command server",
		Version:   fmt.Sprintf("%s (%s)", version.VERSION, version.Commit),
		UsageText: "scopectl [global options] <command> [arguments...]",
		Flags:     globalFlags,
		Commands: []cli.Command{
			{
				Name:   "status",
				Usage:  "show channel health and acquisition state",
				Action: status,
				Flags:  []cli.Flag{jsonFlag},
			},
			{
				Name:    "position",
				Aliases: []string{"pos"},
				Usage:   "print the stage X, Y, Z and rotation",
				Action:  position,
				Flags:   []cli.Flag{jsonFlag},
			},
			{
				Name:      "move",
				Usage:     "move the stage",
				UsageText: "scopectl move [--x X --y Y] [--z Z] [--r ANGLE]",
				Action:    move,
				Flags:     moveFlags,
			},
			{
				Name:   "fov",
				Usage:  "print the camera field of view in microns",
				Action: fov,
			},
			{
				Name:   "frame",
				Usage:  "grab a live frame",
				Action: frame,
				Flags: []cli.Flag{
					cli.StringFlag{Name: "out, o", Usage: "write raw pixels to this file"},
				},
			},
			{
				Name:        "acquire",
				Aliases:     []string{"a"},
				Usage:       "start an acquisition and follow it to the end",
				Description: acquireDescription,
				Action:      acquire,
				Flags:       acquireFlags,
			},
			{
				Name:   "cancel",
				Usage:  "cancel the running acquisition",
				Action: cancelAcquisition,
			},
			{
				Name:   "background",
				Usage:  "collect background images with adaptive exposure",
				Action: background,
				Flags:  backgroundFlags,
			},
			{
				Name:  "autofocus",
				Usage: "autofocus tests",
				Subcommands: []cli.Command{
					{
						Name:   "test",
						Usage:  "run the standard autofocus",
						Action: autofocusTest(false),
						Flags:  autofocusFlags,
					},
					{
						Name:   "adaptive",
						Usage:  "run the adaptive-range autofocus",
						Action: autofocusTest(true),
						Flags:  autofocusFlags,
					},
					{
						Name:   "benchmark",
						Usage:  "defocus and measure recovery (can run over an hour)",
						Action: autofocusBenchmark,
						Flags:  benchmarkFlags,
					},
				},
			},
			{
				Name:  "calibrate",
				Usage: "calibration routines",
				Subcommands: []cli.Command{
					{
						Name:   "polarizer",
						Usage:  "find the crossed polarizer offset",
						Action: calibratePolarizer,
						Flags:  polarizerFlags,
					},
					{
						Name:   "birefringence",
						Usage:  "find the PPM angle with maximum contrast",
						Action: calibrateBirefringence,
						Flags:  birefringenceFlags,
					},
					{
						Name:   "white-balance",
						Usage:  "calibrate per-channel exposure",
						Action: calibrateWhiteBalance,
						Flags:  whiteBalanceFlags,
					},
					{
						Name:   "sunburst",
						Usage:  "fit the hue-to-angle regression",
						Action: calibrateSunburst,
						Flags:  sunburstFlags,
					},
				},
			},
			{
				Name:   "shutdown",
				Usage:  "ask the command server to exit",
				Action: shutdown,
			},
			{
				Name:   "sim",
				Usage:  "run a simulated command server",
				Action: sim,
				Flags:  simFlags,
			},
			{
				Name:   "version",
				Usage:  "print the version",
				Action: printVersion,
			},
		},
	}
	return app.Run(args)
}

func printVersion(*cli.Context) error {
	fmt.Println(version.String("scopectl"))
	return nil
}

// loadConfig resolves configuration from the file, dotenv, environment
// and global flags, in increasing precedence.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.GlobalString("config"), ctx.GlobalString("env-file"))
	if err != nil {
		return nil, err
	}
	if ctx.GlobalIsSet("host") {
		cfg.Server.Host = ctx.GlobalString("host")
	}
	if ctx.GlobalIsSet("port") {
		cfg.Server.Port = ctx.GlobalInt("port")
	}
	if ctx.GlobalIsSet("log-level") {
		cfg.Log.Level = ctx.GlobalString("log-level")
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is the per-invocation state of a client command.
type session struct {
	cfg    *config.Config
	log    *slog.Logger
	client *client.Client
}

func openSession(ctx *cli.Context) (*session, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	log, err := config.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	// One-shot commands have no use for the idle probe.
	cfg.Link.DisableHealth = true
	return &session{cfg: cfg, log: log, client: client.New(cfg.ClientOptions(log))}, nil
}

func (s *session) Close() {
	if err := s.client.Close(); err != nil {
		s.log.Debug("close", "err", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// quickContext bounds short interactive commands.
func quickContext() (context.Context, context.CancelFunc) {
	ctx, stop := signalContext()
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	return ctx, func() {
		cancel()
		stop()
	}
}
