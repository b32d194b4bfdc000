package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chronologos/scopelink/internal/link"
	"github.com/chronologos/scopelink/internal/protocol"
	"github.com/chronologos/scopelink/internal/scopesim"
)

// startTestServer runs a simulator on a random port.
func startTestServer(t *testing.T, cfg scopesim.Config) *scopesim.Server {
	t.Helper()
	s, err := scopesim.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestClient creates a connected client for the simulator.
func newTestClient(t *testing.T, s *scopesim.Server) *Client {
	t.Helper()
	c := New(Config{
		Addr:        s.Addr(),
		ConfigPath:  "/etc/scope.yml",
		ReadTimeout: 2 * time.Second,
		Reconnect:   link.ReconnectPolicy{MaxAttempts: 3, Delay: 20 * time.Millisecond},
	})
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStageRoundTrip(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	c := newTestClient(t, s)
	ctx := testContext(t)

	if err := c.MoveStageXY(ctx, 1234.567, -89.1); err != nil {
		t.Fatal(err)
	}
	x, y, err := c.GetStageXY(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// float32 on the wire
	if x != float64(float32(1234.567)) || y != float64(float32(-89.1)) {
		t.Fatalf("got (%v, %v)", x, y)
	}

	if err := c.MoveStageZ(ctx, 250); err != nil {
		t.Fatal(err)
	}
	if z, err := c.GetStageZ(ctx); err != nil || z != 250 {
		t.Fatalf("z = %v, %v", z, err)
	}
	if err := c.MoveStageR(ctx, 45); err != nil {
		t.Fatal(err)
	}
	if r, err := c.GetStageR(ctx); err != nil || r != 45 {
		t.Fatalf("r = %v, %v", r, err)
	}

	w, h, err := c.GetFOV(ctx)
	if err != nil || w != 1000 || h != 750 {
		t.Fatalf("fov = %v x %v, %v", w, h, err)
	}

	// Stage traffic stays on the auxiliary channel.
	if st := c.Stats()[link.Primary]; st.State == link.StateConnected {
		t.Fatal("primary channel opened by stage calls")
	}
}

func TestMoveZSafetyViolation(t *testing.T) {
	s := startTestServer(t, scopesim.Config{ZMin: -50, ZMax: 50})
	c := newTestClient(t, s)
	ctx := testContext(t)

	err := c.MoveStageZ(ctx, 80)
	if !protocol.IsSafety(err) {
		t.Fatalf("expected safety violation, got %v", err)
	}
	// The channel survives an explicit rejection.
	if _, err := c.GetStageZ(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestHardwareErrorDistinct(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	s.InjectHardwareError(protocol.CmdGetXY, "XY controller not responding")
	c := newTestClient(t, s)

	_, _, err := c.GetStageXY(testContext(t))
	if !protocol.IsHardware(err) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if link.IsComm(err) {
		t.Fatal("hardware error must not look like a communication failure")
	}
}

func TestGetFrame(t *testing.T) {
	s := startTestServer(t, scopesim.Config{FrameWidth: 16, FrameHeight: 8})
	c := newTestClient(t, s)

	f, err := c.GetFrame(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if f.Width != 16 || f.Height != 8 || f.Channels != 3 || len(f.Pixels) != 16*8*3 {
		t.Fatalf("frame %+v (%d bytes)", f.FrameHeader, len(f.Pixels))
	}
}

func TestAcquisitionLifecycle(t *testing.T) {
	s := startTestServer(t, scopesim.Config{Acquisition: scopesim.AcquisitionScript{
		Tiles: 4, StepInterval: 10 * time.Millisecond, FinalZ: -1520.25,
	}})
	c := newTestClient(t, s)
	ctx := testContext(t)

	c.ClearLastFinalZ()
	err := c.StartAcquisition(ctx, AcquisitionRequest{
		ConfigPath: "/cfg/ppm.yml",
		Region:     "tumor_1",
		Angles:     []float64{-7, 0, 7},
		Exposures:  []float64{20, 5, 20},
	})
	if err != nil {
		t.Fatal(err)
	}

	// A second start while running is refused.
	if err := c.StartAcquisition(ctx, AcquisitionRequest{}); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected refusal, got %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var rep protocol.StatusReport
	for time.Now().Before(deadline) {
		rep, err = c.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if rep.State.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rep.State != protocol.StateCompleted {
		t.Fatalf("state = %s", rep.State)
	}
	p, err := c.Progress(ctx)
	if err != nil || p.Current != 4 || p.Total != 4 {
		t.Fatalf("progress = %v, %v", p, err)
	}
	z, ok := c.LastFinalZ()
	if !ok || z != -1520.25 {
		t.Fatalf("final z = %v, %v", z, ok)
	}
	c.ClearLastFinalZ()
	if _, ok := c.LastFinalZ(); ok {
		t.Fatal("final z not cleared")
	}
}

func TestStatusFailureRecordsReason(t *testing.T) {
	s := startTestServer(t, scopesim.Config{Acquisition: scopesim.AcquisitionScript{
		Tiles: 5, StepInterval: 5 * time.Millisecond, FailAt: 2, FailReason: "stage limit reached at tile 2",
	}})
	c := newTestClient(t, s)
	ctx := testContext(t)

	if err := c.StartAcquisition(ctx, AcquisitionRequest{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	rep, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.State != protocol.StateFailed || rep.Reason != "stage limit reached at tile 2" {
		t.Fatalf("report = %+v", rep)
	}
	if c.LastFailure() != rep.Reason {
		t.Fatalf("last failure = %q", c.LastFailure())
	}

	// The next non-failure status clears it.
	s.Handle(protocol.CmdStatus, func(req *scopesim.Request) error {
		return req.Write(protocol.EncodeStatusWord(protocol.StateIdle))
	})
	if _, err := c.Status(ctx); err != nil {
		t.Fatal(err)
	}
	if c.LastFailure() != "" {
		t.Fatalf("last failure not cleared: %q", c.LastFailure())
	}
}

func TestManualFocusAndCancel(t *testing.T) {
	s := startTestServer(t, scopesim.Config{Acquisition: scopesim.AcquisitionScript{
		Tiles: 50, StepInterval: 5 * time.Millisecond, ManualFocusAt: 1, ManualFocusRetries: 2,
	}})
	c := newTestClient(t, s)
	ctx := testContext(t)

	if err := c.StartAcquisition(ctx, AcquisitionRequest{}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	req, err := c.CheckManualFocus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if req == nil || req.RetriesRemaining != 2 {
		t.Fatalf("request = %+v", req)
	}
	if err := c.SkipAutofocus(ctx); err != nil {
		t.Fatal(err)
	}
	if req, err := c.CheckManualFocus(ctx); err != nil || req != nil {
		t.Fatalf("after skip: %+v, %v", req, err)
	}

	if err := c.Cancel(ctx); err != nil {
		t.Fatal(err)
	}
	rep, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.State != protocol.StateCancelling && rep.State != protocol.StateCancelled {
		t.Fatalf("state after cancel = %s", rep.State)
	}
}

func TestRoutinesParseResults(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	c := newTestClient(t, s)
	ctx := testContext(t)

	var ticks int
	h := Handlers{
		OnProgress:  func(protocol.Progress, string) { ticks++ },
		OnStageMove: func(string) bool { return true },
	}

	bg, err := c.BackgroundAcquire(ctx, BackgroundRequest{OutputDir: "/data/bg", Angles: []float64{-7, 0, 7}}, h)
	if err != nil {
		t.Fatal(err)
	}
	if bg.OutputDir != "/data/bg" || len(bg.Exposures) != 3 || bg.Exposures[7] != 30 {
		t.Fatalf("background = %+v", bg)
	}
	if ticks != 3 {
		t.Fatalf("progress ticks = %d", ticks)
	}

	af, err := c.TestAutofocus(ctx, AutofocusRequest{}, h)
	if err != nil || af.ZShift != 1.5 || af.Message != "converged" {
		t.Fatalf("autofocus = %+v, %v", af, err)
	}
	if _, err := c.TestAdaptiveAutofocus(ctx, AutofocusRequest{}, h); err != nil {
		t.Fatal(err)
	}

	bench, err := c.AutofocusBenchmark(ctx, BenchmarkRequest{OutputDir: "/data/bench", Trials: 2}, h)
	if err != nil || bench.Trials != 2 || bench.ResultsDir != "/data/bench" {
		t.Fatalf("benchmark = %+v, %v", bench, err)
	}

	pol, err := c.PolarizerCalibration(ctx, PolarizerRequest{OutputDir: "/data/pol"}, h)
	if err != nil || pol.ReportPath != "/data/pol/polarizer_calibration.txt" || pol.Offset != 3.5 {
		t.Fatalf("polarizer = %+v, %v", pol, err)
	}

	bi, err := c.BirefringenceOptimization(ctx, BirefringenceRequest{}, h)
	if err != nil || bi.OptimalAngle != 7 {
		t.Fatalf("birefringence = %+v, %v", bi, err)
	}

	wb, err := c.WhiteBalanceSimple(ctx, WhiteBalanceRequest{}, h)
	if err != nil || wb.G != 10 {
		t.Fatalf("white balance = %+v, %v", wb, err)
	}
	if _, err := c.WhiteBalancePPM(ctx, WhiteBalanceRequest{Angles: []float64{-7, 7}}, h); err != nil {
		t.Fatal(err)
	}

	sb, err := c.SunburstCalibration(ctx, SunburstRequest{OutputDir: "/data/sb"}, h)
	if err != nil || sb.CalibrationPath != "/data/sb/sunburst.json" || sb.RSquared != 0.998 {
		t.Fatalf("sunburst = %+v, %v", sb, err)
	}
}

func TestRoutineFailureRecorded(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	c := newTestClient(t, s)

	// No stage move handler: the server's move request is refused.
	_, err := c.PolarizerCalibration(testContext(t), PolarizerRequest{}, Handlers{})
	var re *link.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if c.LastFailure() != "stage move declined" {
		t.Fatalf("last failure = %q", c.LastFailure())
	}
}

func TestParamsSentToServer(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	got := make(chan string, 1)
	s.Handle(protocol.CmdAcquire, func(req *scopesim.Request) error {
		got <- req.Params
		return req.Write(protocol.PadWord("STARTED", protocol.AcquireAckSize))
	})
	c := newTestClient(t, s)

	err := c.StartAcquisition(testContext(t), AcquisitionRequest{
		ConfigPath: "/cfg/a.yml", Sample: "S1", Angles: []float64{90}, Autofocus: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	params := <-got
	for _, want := range []string{"--yaml /cfg/a.yml", "--sample S1", "--angles (90)", "--autofocus"} {
		if !strings.Contains(params, want) {
			t.Errorf("params %q missing %q", params, want)
		}
	}
}

func TestReportJSON(t *testing.T) {
	s := startTestServer(t, scopesim.Config{})
	c := newTestClient(t, s)
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := c.Report().WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	var r Report
	if err := json.Unmarshal(buf.Bytes(), &r); err != nil {
		t.Fatal(err)
	}
	if len(r.Channels) != 2 || r.Channels[0].Name != "primary" || r.Channels[1].State != "connected" {
		t.Fatalf("report = %+v", r)
	}

	buf.Reset()
	c.Report().WriteText(&buf)
	if !strings.Contains(buf.String(), "auxiliary") {
		t.Fatalf("text report:\n%s", buf.String())
	}
}
