package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/chronologos/scopelink/internal/protocol"
)

var moveFlags = []cli.Flag{
	cli.Float64Flag{Name: "x", Usage: "stage X in microns (requires --y)"},
	cli.Float64Flag{Name: "y", Usage: "stage Y in microns (requires --x)"},
	cli.Float64Flag{Name: "z", Usage: "focus position in microns"},
	cli.Float64Flag{Name: "r", Usage: "rotation stage angle in degrees"},
}

type statusOutput struct {
	Client      any    `json:"client"`
	Acquisition string `json:"acquisition,omitempty"`
	Progress    string `json:"progress,omitempty"`
	Error       string `json:"error,omitempty"`
}

func status(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()

	// The report is printed even when the server is unreachable.
	var out statusOutput
	if err := s.client.Connect(cctx); err != nil {
		out.Error = err.Error()
	} else if rep, err := s.client.Status(cctx); err != nil {
		out.Error = err.Error()
	} else {
		out.Acquisition = rep.State.String()
		if rep.State == protocol.StateRunning {
			if p, err := s.client.Progress(cctx); err == nil {
				out.Progress = p.String()
			}
		}
	}

	report := s.client.Report()
	if ctx.Bool("json") {
		out.Client = report
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	report.WriteText(os.Stdout)
	if out.Acquisition != "" {
		fmt.Printf("acquisition: %s %s\n", out.Acquisition, out.Progress)
	}
	if out.Error != "" {
		fmt.Printf("error: %s\n", out.Error)
	}
	return nil
}

type positionOutput struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	R float64 `json:"r"`
}

func position(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()

	var p positionOutput
	if p.X, p.Y, err = s.client.GetStageXY(cctx); err != nil {
		return err
	}
	if p.Z, err = s.client.GetStageZ(cctx); err != nil {
		return err
	}
	if p.R, err = s.client.GetStageR(cctx); err != nil {
		return err
	}
	if ctx.Bool("json") {
		return json.NewEncoder(os.Stdout).Encode(p)
	}
	fmt.Printf("x=%.2f y=%.2f z=%.2f r=%.2f\n", p.X, p.Y, p.Z, p.R)
	return nil
}

func move(ctx *cli.Context) error {
	hasX, hasY := ctx.IsSet("x"), ctx.IsSet("y")
	if hasX != hasY {
		return errors.New("--x and --y go together")
	}
	if !hasX && !ctx.IsSet("z") && !ctx.IsSet("r") {
		return errors.New("nothing to move: give --x/--y, --z or --r")
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()

	if hasX {
		if err := s.client.MoveStageXY(cctx, ctx.Float64("x"), ctx.Float64("y")); err != nil {
			return err
		}
	}
	if ctx.IsSet("z") {
		if err := s.client.MoveStageZ(cctx, ctx.Float64("z")); err != nil {
			if protocol.IsSafety(err) {
				return fmt.Errorf("refused by the server: %w", err)
			}
			return err
		}
	}
	if ctx.IsSet("r") {
		if err := s.client.MoveStageR(cctx, ctx.Float64("r")); err != nil {
			return err
		}
	}
	return nil
}

func fov(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()

	w, h, err := s.client.GetFOV(cctx)
	if err != nil {
		return err
	}
	fmt.Printf("%.2f x %.2f um\n", w, h)
	return nil
}

func frame(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()

	f, err := s.client.GetFrame(cctx)
	if err != nil {
		return err
	}
	fmt.Printf("%dx%d, %d channels, %d bit, %d bytes\n", f.Width, f.Height, f.Channels, f.BitDepth, len(f.Pixels))
	if out := ctx.String("out"); out != "" {
		if err := os.WriteFile(out, f.Pixels, 0o644); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
	return nil
}

func shutdown(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()
	return s.client.Shutdown(cctx)
}
