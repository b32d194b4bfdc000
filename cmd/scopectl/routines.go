package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli"

	"github.com/chronologos/scopelink/internal/client"
	"github.com/chronologos/scopelink/internal/protocol"
)

var (
	yamlFlag   = cli.StringFlag{Name: "yaml", Usage: "server-side config (default server.config_path)"}
	outputFlag = cli.StringFlag{Name: "output, o", Usage: "server-side output directory"}
	yesFlag    = cli.BoolFlag{Name: "yes, y", Usage: "accept stage move requests without a terminal"}
)

var backgroundFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag,
	cli.StringFlag{Name: "angles", Usage: "polarizer angles in degrees"},
	cli.StringFlag{Name: "exposures", Usage: "starting exposures in ms per angle"},
	cli.Float64Flag{Name: "target-intensity", Usage: "target mean intensity"},
}

var autofocusFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag,
	cli.StringFlag{Name: "objective", Usage: "objective identifier"},
}

var benchmarkFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag,
	cli.IntFlag{Name: "trials", Usage: "trials per distance"},
	cli.StringFlag{Name: "distances", Usage: "defocus distances in microns"},
	cli.BoolFlag{Name: "quick", Usage: "reduced benchmark"},
}

var polarizerFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag, yesFlag,
	cli.Float64Flag{Name: "coarse-step", Usage: "coarse sweep step in degrees"},
	cli.Float64Flag{Name: "fine-range", Usage: "fine sweep range in degrees"},
	cli.Float64Flag{Name: "fine-step", Usage: "fine sweep step in degrees"},
	cli.Float64Flag{Name: "exposure", Usage: "exposure in ms"},
}

var birefringenceFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag, yesFlag,
	cli.Float64Flag{Name: "min-angle", Usage: "lowest angle in degrees"},
	cli.Float64Flag{Name: "max-angle", Usage: "highest angle in degrees"},
	cli.Float64Flag{Name: "step", Usage: "angle step in degrees"},
	cli.Float64Flag{Name: "exposure", Usage: "exposure in ms"},
}

var whiteBalanceFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag, yesFlag,
	cli.BoolFlag{Name: "ppm", Usage: "calibrate at every PPM angle"},
	cli.StringFlag{Name: "angles", Usage: "PPM angles in degrees (with --ppm)"},
	cli.Float64Flag{Name: "target", Usage: "target channel intensity"},
	cli.Float64Flag{Name: "tolerance", Usage: "allowed deviation from target"},
}

var sunburstFlags = []cli.Flag{
	yamlFlag, outputFlag, jsonFlag, yesFlag,
	cli.IntFlag{Name: "spokes", Usage: "number of spokes on the slide"},
	cli.Float64Flag{Name: "saturation", Usage: "minimum saturation for a sample"},
}

// runRoutine opens a session, runs fn with a progress bar wired into the
// stream handlers and prints the result.
func runRoutine(ctx *cli.Context, name string, fn func(s *session, h client.Handlers) (any, error)) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	bar := newProgressBar(name)
	h := client.Handlers{
		OnProgress: func(p protocol.Progress, msg string) {
			bar.Update(p)
			if msg != "" {
				s.log.Debug("progress", "routine", name, "msg", msg)
			}
		},
		OnStageMove: stageMovePrompt(ctx.Bool("yes")),
	}
	res, err := fn(s, h)
	bar.Finish(err == nil)
	if err != nil {
		if reason := s.client.LastFailure(); reason != "" {
			return fmt.Errorf("%s failed: %s", name, reason)
		}
		return err
	}

	if ctx.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Printf("%s: %+v\n", name, res)
	return nil
}

func configPath(ctx *cli.Context, s *session) string {
	if p := ctx.String("yaml"); p != "" {
		return p
	}
	return s.cfg.Server.ConfigPath
}

func background(ctx *cli.Context) error {
	angles, err := parseFloats(ctx.String("angles"))
	if err != nil {
		return fmt.Errorf("--angles: %w", err)
	}
	exposures, err := parseFloats(ctx.String("exposures"))
	if err != nil {
		return fmt.Errorf("--exposures: %w", err)
	}
	return runRoutine(ctx, "background", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		res, err := s.client.BackgroundAcquire(sigCtx, client.BackgroundRequest{
			ConfigPath:      configPath(ctx, s),
			OutputDir:       ctx.String("output"),
			Angles:          angles,
			Exposures:       exposures,
			TargetIntensity: ctx.Float64("target-intensity"),
		}, h)
		if err != nil {
			return nil, err
		}
		return backgroundOutput(res), nil
	})
}

type exposureEntry struct {
	Angle    float64 `json:"angle"`
	Exposure float64 `json:"exposure_ms"`
}

type backgroundResult struct {
	OutputDir string          `json:"output_dir"`
	Exposures []exposureEntry `json:"exposures"`
}

// backgroundOutput orders the per-angle exposures by angle.
func backgroundOutput(res protocol.BackgroundResult) backgroundResult {
	out := backgroundResult{OutputDir: res.OutputDir}
	for a, e := range res.Exposures {
		out.Exposures = append(out.Exposures, exposureEntry{Angle: a, Exposure: e})
	}
	sort.Slice(out.Exposures, func(i, j int) bool { return out.Exposures[i].Angle < out.Exposures[j].Angle })
	return out
}

func autofocusTest(adaptive bool) cli.ActionFunc {
	name := "autofocus"
	if adaptive {
		name = "adaptive autofocus"
	}
	return func(ctx *cli.Context) error {
		return runRoutine(ctx, name, func(s *session, h client.Handlers) (any, error) {
			sigCtx, stop := signalContext()
			defer stop()
			req := client.AutofocusRequest{
				ConfigPath: configPath(ctx, s),
				OutputDir:  ctx.String("output"),
				Objective:  ctx.String("objective"),
			}
			if adaptive {
				return s.client.TestAdaptiveAutofocus(sigCtx, req, h)
			}
			return s.client.TestAutofocus(sigCtx, req, h)
		})
	}
}

func autofocusBenchmark(ctx *cli.Context) error {
	distances, err := parseFloats(ctx.String("distances"))
	if err != nil {
		return fmt.Errorf("--distances: %w", err)
	}
	return runRoutine(ctx, "benchmark", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		return s.client.AutofocusBenchmark(sigCtx, client.BenchmarkRequest{
			ConfigPath: configPath(ctx, s),
			OutputDir:  ctx.String("output"),
			Trials:     ctx.Int("trials"),
			Distances:  distances,
			Quick:      ctx.Bool("quick"),
		}, h)
	})
}

func calibratePolarizer(ctx *cli.Context) error {
	return runRoutine(ctx, "polarizer", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		return s.client.PolarizerCalibration(sigCtx, client.PolarizerRequest{
			ConfigPath: configPath(ctx, s),
			OutputDir:  ctx.String("output"),
			CoarseStep: ctx.Float64("coarse-step"),
			FineRange:  ctx.Float64("fine-range"),
			FineStep:   ctx.Float64("fine-step"),
			Exposure:   ctx.Float64("exposure"),
		}, h)
	})
}

func calibrateBirefringence(ctx *cli.Context) error {
	return runRoutine(ctx, "birefringence", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		return s.client.BirefringenceOptimization(sigCtx, client.BirefringenceRequest{
			ConfigPath: configPath(ctx, s),
			OutputDir:  ctx.String("output"),
			MinAngle:   ctx.Float64("min-angle"),
			MaxAngle:   ctx.Float64("max-angle"),
			Step:       ctx.Float64("step"),
			Exposure:   ctx.Float64("exposure"),
		}, h)
	})
}

func calibrateWhiteBalance(ctx *cli.Context) error {
	angles, err := parseFloats(ctx.String("angles"))
	if err != nil {
		return fmt.Errorf("--angles: %w", err)
	}
	return runRoutine(ctx, "white balance", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		req := client.WhiteBalanceRequest{
			ConfigPath: configPath(ctx, s),
			OutputDir:  ctx.String("output"),
			Target:     ctx.Float64("target"),
			Tolerance:  ctx.Float64("tolerance"),
			Angles:     angles,
		}
		if ctx.Bool("ppm") {
			return s.client.WhiteBalancePPM(sigCtx, req, h)
		}
		return s.client.WhiteBalanceSimple(sigCtx, req, h)
	})
}

func calibrateSunburst(ctx *cli.Context) error {
	return runRoutine(ctx, "sunburst", func(s *session, h client.Handlers) (any, error) {
		sigCtx, stop := signalContext()
		defer stop()
		return s.client.SunburstCalibration(sigCtx, client.SunburstRequest{
			ConfigPath:   configPath(ctx, s),
			OutputDir:    ctx.String("output"),
			Spokes:       ctx.Int("spokes"),
			SatThreshold: ctx.Float64("saturation"),
		}, h)
	})
}
