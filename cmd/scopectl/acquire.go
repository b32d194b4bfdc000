package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/chronologos/scopelink/internal/acquisition"
	"github.com/chronologos/scopelink/internal/client"
	"github.com/chronologos/scopelink/internal/protocol"
)

const acquireDescription = `Starts a tiled acquisition on the primary channel and polls it until it
completes, fails, is cancelled or stops making progress. Ctrl-C sends CANCEL
and keeps following the acquisition until the server confirms.

When autofocus needs help the operator is asked to retry, skip or cancel.
Without a terminal, autofocus is skipped.`

var acquireFlags = []cli.Flag{
	cli.StringFlag{Name: "yaml", Usage: "server-side acquisition config (default server.config_path)"},
	cli.StringFlag{Name: "projects", Usage: "projects directory"},
	cli.StringFlag{Name: "sample", Usage: "sample name"},
	cli.StringFlag{Name: "scan-type", Usage: "scan type, e.g. ppm_20x"},
	cli.StringFlag{Name: "region", Usage: "region (annotation) name"},
	cli.StringFlag{Name: "angles", Usage: "polarizer angles in degrees, comma separated"},
	cli.StringFlag{Name: "exposures", Usage: "exposures in ms per angle, comma separated"},
	cli.BoolFlag{Name: "autofocus", Usage: "enable autofocus"},
	cli.BoolFlag{Name: "no-wait", Usage: "return once the server accepted the acquisition"},
	cli.DurationFlag{Name: "stall-timeout", Usage: "give up after this long without progress"},
	jsonFlag,
}

type acquireOutput struct {
	RunID    string  `json:"run_id"`
	State    string  `json:"state"`
	Elapsed  string  `json:"elapsed"`
	Progress string  `json:"progress"`
	Reason   string  `json:"reason,omitempty"`
	FinalZ   float64 `json:"final_z,omitempty"`
	Stalled  bool    `json:"stalled,omitempty"`
}

func acquire(ctx *cli.Context) error {
	angles, err := parseFloats(ctx.String("angles"))
	if err != nil {
		return fmt.Errorf("--angles: %w", err)
	}
	exposures, err := parseFloats(ctx.String("exposures"))
	if err != nil {
		return fmt.Errorf("--exposures: %w", err)
	}
	if len(exposures) > 0 && len(exposures) != len(angles) {
		return fmt.Errorf("got %d exposures for %d angles", len(exposures), len(angles))
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	req := client.AcquisitionRequest{
		ConfigPath:  ctx.String("yaml"),
		ProjectsDir: ctx.String("projects"),
		Sample:      ctx.String("sample"),
		ScanType:    ctx.String("scan-type"),
		Region:      ctx.String("region"),
		Angles:      angles,
		Exposures:   exposures,
		Autofocus:   ctx.Bool("autofocus"),
	}
	if req.ConfigPath == "" {
		req.ConfigPath = s.cfg.Server.ConfigPath
	}

	sigCtx, stop := signalContext()
	defer stop()

	s.client.ClearLastFailure()
	s.client.ClearLastFinalZ()
	if err := s.client.StartAcquisition(sigCtx, req); err != nil {
		return err
	}
	if ctx.Bool("no-wait") {
		fmt.Println("acquisition started")
		return nil
	}

	// Ctrl-C cancels on the server; the monitor keeps polling until the
	// server reports CANCELLED.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go func() {
		select {
		case <-sigCtx.Done():
		case <-runCtx.Done():
			return
		}
		fmt.Fprintln(os.Stderr, "\ncancelling acquisition...")
		cctx, cancel := context.WithTimeout(runCtx, 10*time.Second)
		defer cancel()
		if err := s.client.Cancel(cctx); err != nil {
			s.log.Error("cancel failed", "err", err)
			cancelRun()
		}
	}()

	bar := newProgressBar("tiles")
	mcfg := s.cfg.MonitorOptions(s.log)
	if ctx.IsSet("stall-timeout") {
		mcfg.StallTimeout = ctx.Duration("stall-timeout")
	}
	mcfg.OnProgress = bar.Update
	mcfg.OnManualFocus = manualFocusPrompt
	mcfg.OnStateChange = func(from, to protocol.AcquisitionState) {
		s.log.Debug("state", "from", from, "to", to)
	}

	res, err := acquisition.NewMonitor(s.client, mcfg).Run(runCtx)
	bar.Finish(err == nil && res.State == protocol.StateCompleted)

	out := acquireOutput{
		RunID:    res.RunID,
		State:    res.State.String(),
		Elapsed:  res.Elapsed.Round(time.Second).String(),
		Progress: res.LastProgress.String(),
		Reason:   res.Reason,
		Stalled:  res.TimedOut,
	}
	if res.HasFinalZ {
		out.FinalZ = res.FinalZ
	}
	if ctx.Bool("json") {
		if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
			return err
		}
	} else {
		printAcquireResult(out, res.HasFinalZ)
	}

	switch {
	case errors.Is(err, acquisition.ErrStalled):
		return fmt.Errorf("%w; the server may still be working, check `scopectl status`", err)
	case err != nil:
		return err
	case res.State == protocol.StateFailed:
		reason := s.client.LastFailure()
		if reason == "" {
			reason = res.Reason
		}
		return fmt.Errorf("acquisition failed: %s", reason)
	case res.State == protocol.StateCancelled:
		return errors.New("acquisition cancelled")
	}
	return nil
}

func printAcquireResult(out acquireOutput, hasFinalZ bool) {
	fmt.Printf("%s after %s (%s)\n", out.State, out.Elapsed, out.Progress)
	if hasFinalZ {
		fmt.Printf("final z: %.2f\n", out.FinalZ)
	}
}

func cancelAcquisition(ctx *cli.Context) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	cctx, cancel := quickContext()
	defer cancel()
	return s.client.Cancel(cctx)
}

// parseFloats accepts "1,2,3", "(1,2,3)" or space separated values.
func parseFloats(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "()")
	if s == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
