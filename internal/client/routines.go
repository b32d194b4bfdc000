package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronologos/scopelink/internal/link"
	"github.com/chronologos/scopelink/internal/protocol"
)

// Handlers receives the intermediate events of a long routine. See
// link.StreamHandlers; a nil OnStageMove refuses every stage move.
type Handlers = link.StreamHandlers

// BackgroundRequest configures background (flat-field) acquisition.
type BackgroundRequest struct {
	ConfigPath      string
	OutputDir       string
	Angles          []float64
	Exposures       []float64 // starting exposures (ms), one per angle
	TargetIntensity float64   // 0 uses the server default
}

// BackgroundAcquire collects background images, adapting exposure per
// angle until the target intensity is reached.
func (c *Client) BackgroundAcquire(ctx context.Context, req BackgroundRequest, h Handlers) (protocol.BackgroundResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir).
		Floats("angles", req.Angles).
		Floats("exposures", req.Exposures)
	if req.TargetIntensity > 0 {
		p.Float("target-intensity", req.TargetIntensity)
	}
	payload, err := c.call(ctx, protocol.CmdBackground, p, h)
	if err != nil {
		return protocol.BackgroundResult{}, err
	}
	return protocol.ParseBackgroundResult(payload), nil
}

// AutofocusRequest configures a single autofocus test run.
type AutofocusRequest struct {
	ConfigPath string
	OutputDir  string
	Objective  string
}

func (r AutofocusRequest) params() *protocol.Params {
	return protocol.NewParams().
		Set("yaml", r.ConfigPath).
		Set("output", r.OutputDir).
		Set("objective", r.Objective)
}

// TestAutofocus runs the standard autofocus at the current position.
func (c *Client) TestAutofocus(ctx context.Context, req AutofocusRequest, h Handlers) (protocol.AutofocusResult, error) {
	payload, err := c.call(ctx, protocol.CmdTestAutofocus, req.params(), h)
	if err != nil {
		return protocol.AutofocusResult{}, err
	}
	return protocol.ParseAutofocusResult(payload), nil
}

// TestAdaptiveAutofocus runs the adaptive-range autofocus.
func (c *Client) TestAdaptiveAutofocus(ctx context.Context, req AutofocusRequest, h Handlers) (protocol.AutofocusResult, error) {
	payload, err := c.call(ctx, protocol.CmdTestAdaptiveAF, req.params(), h)
	if err != nil {
		return protocol.AutofocusResult{}, err
	}
	return protocol.ParseAutofocusResult(payload), nil
}

// BenchmarkRequest configures an autofocus benchmark.
type BenchmarkRequest struct {
	ConfigPath string
	OutputDir  string
	Trials     int
	Distances  []float64 // defocus distances in microns
	Quick      bool
}

// AutofocusBenchmark defocuses by each distance and measures recovery.
// It can run for over an hour.
func (c *Client) AutofocusBenchmark(ctx context.Context, req BenchmarkRequest, h Handlers) (protocol.BenchmarkResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir).
		Floats("distances", req.Distances).
		Flag("quick", req.Quick)
	if req.Trials > 0 {
		p.Int("trials", req.Trials)
	}
	payload, err := c.call(ctx, protocol.CmdAFBenchmark, p, h)
	if err != nil {
		return protocol.BenchmarkResult{}, err
	}
	return protocol.ParseBenchmarkResult(payload), nil
}

// PolarizerRequest configures polarizer calibration.
type PolarizerRequest struct {
	ConfigPath string
	OutputDir  string
	CoarseStep float64 // degrees
	FineRange  float64
	FineStep   float64
	Exposure   float64 // ms
}

// PolarizerCalibration sweeps the rotation stage to find the crossed
// polarizer offset. The server asks for a stage move first.
func (c *Client) PolarizerCalibration(ctx context.Context, req PolarizerRequest, h Handlers) (protocol.PolarizerResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir)
	optionalFloat(p, "coarse-step", req.CoarseStep)
	optionalFloat(p, "fine-range", req.FineRange)
	optionalFloat(p, "fine-step", req.FineStep)
	optionalFloat(p, "exposure", req.Exposure)

	payload, err := c.call(ctx, protocol.CmdPolarizerCal, p, h)
	if err != nil {
		return protocol.PolarizerResult{}, err
	}
	return protocol.ParsePolarizerResult(payload), nil
}

// BirefringenceRequest configures PPM birefringence optimization.
type BirefringenceRequest struct {
	ConfigPath string
	OutputDir  string
	MinAngle   float64
	MaxAngle   float64
	Step       float64
	Exposure   float64
}

// BirefringenceOptimization searches the angle with maximum contrast.
func (c *Client) BirefringenceOptimization(ctx context.Context, req BirefringenceRequest, h Handlers) (protocol.BirefringenceResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir)
	if req.MaxAngle > req.MinAngle {
		p.Float("min-angle", req.MinAngle).Float("max-angle", req.MaxAngle)
	}
	optionalFloat(p, "step", req.Step)
	optionalFloat(p, "exposure", req.Exposure)

	payload, err := c.call(ctx, protocol.CmdBirefringence, p, h)
	if err != nil {
		return protocol.BirefringenceResult{}, err
	}
	return protocol.ParseBirefringenceResult(payload), nil
}

// WhiteBalanceRequest configures white balance calibration.
type WhiteBalanceRequest struct {
	ConfigPath string
	OutputDir  string
	Target     float64   // target channel intensity
	Tolerance  float64
	Angles     []float64 // PPM variant only
}

// WhiteBalanceSimple calibrates per-channel exposure at one angle.
func (c *Client) WhiteBalanceSimple(ctx context.Context, req WhiteBalanceRequest, h Handlers) (protocol.WhiteBalanceResult, error) {
	return c.whiteBalance(ctx, protocol.CmdWhiteBalance, req, h)
}

// WhiteBalancePPM calibrates per-channel exposure at every PPM angle.
func (c *Client) WhiteBalancePPM(ctx context.Context, req WhiteBalanceRequest, h Handlers) (protocol.WhiteBalanceResult, error) {
	return c.whiteBalance(ctx, protocol.CmdWhiteBalancePP, req, h)
}

func (c *Client) whiteBalance(ctx context.Context, cmd protocol.Command, req WhiteBalanceRequest, h Handlers) (protocol.WhiteBalanceResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir)
	optionalFloat(p, "target", req.Target)
	optionalFloat(p, "tolerance", req.Tolerance)
	if cmd == protocol.CmdWhiteBalancePP {
		p.Floats("angles", req.Angles)
	}
	payload, err := c.call(ctx, cmd, p, h)
	if err != nil {
		return protocol.WhiteBalanceResult{}, err
	}
	return protocol.ParseWhiteBalanceResult(payload), nil
}

// SunburstRequest configures hue-to-angle calibration on a sunburst slide.
type SunburstRequest struct {
	ConfigPath   string
	OutputDir    string
	Spokes       int
	SatThreshold float64
}

// SunburstCalibration fits the hue-to-angle regression.
func (c *Client) SunburstCalibration(ctx context.Context, req SunburstRequest, h Handlers) (protocol.SunburstResult, error) {
	p := protocol.NewParams().
		Set("yaml", req.ConfigPath).
		Set("output", req.OutputDir)
	if req.Spokes > 0 {
		p.Int("spokes", req.Spokes)
	}
	optionalFloat(p, "saturation", req.SatThreshold)

	payload, err := c.call(ctx, protocol.CmdSunburstCal, p, h)
	if err != nil {
		return protocol.SunburstResult{}, err
	}
	return protocol.ParseSunburstResult(payload), nil
}

func optionalFloat(p *protocol.Params, key string, v float64) {
	if v != 0 {
		p.Float(key, v)
	}
}

// call runs a free-form routine on the primary channel. Server-reported
// failures are recorded as the last failure.
func (c *Client) call(ctx context.Context, cmd protocol.Command, p *protocol.Params, h Handlers) (string, error) {
	conn, err := c.primary(ctx)
	if err != nil {
		return "", err
	}

	start := time.Now()
	c.log.Info("routine started", "cmd", cmd.String(), "timeout", protocol.FreeFormTimeout(cmd))
	payload, err := conn.Call(cmd, p.String(), h)
	if err != nil {
		var re *link.RemoteError
		var se *protocol.SafetyError
		switch {
		case errors.As(err, &se):
			c.setLastFailure(se.Error())
		case errors.As(err, &re):
			c.setLastFailure(re.Reason)
		}
		c.log.Warn("routine failed", "cmd", cmd.String(), "elapsed", time.Since(start).Round(time.Millisecond), "err", err)
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	c.log.Info("routine finished", "cmd", cmd.String(), "elapsed", time.Since(start).Round(time.Millisecond))
	return payload, nil
}
