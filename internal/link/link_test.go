package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
	"github.com/chronologos/scopelink/internal/scopesim"
)

func startSim(t *testing.T, cfg scopesim.Config) *scopesim.Server {
	t.Helper()
	s, err := scopesim.Start(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openConn(t *testing.T, addr string) *Conn {
	t.Helper()
	c := NewConn(Options{Name: "test", Addr: addr, ConfigPath: "/etc/scope.yml", ReadTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Open(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newTestManager(t *testing.T, addr string, policy ReconnectPolicy, health HealthPolicy) *Manager {
	t.Helper()
	m := NewManager(Config{
		Addr:        addr,
		ConfigPath:  "/etc/scope.yml",
		ReadTimeout: 2 * time.Second,
		Reconnect:   policy,
		Health:      health,
	})
	t.Cleanup(func() { m.Close() })
	return m
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestOpenAndExec(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	c := openConn(t, sim.Addr())

	if c.State() != StateConnected {
		t.Fatalf("state = %s", c.State())
	}
	if _, err := c.Exec(protocol.CmdMove, protocol.EncodeXY(10, 20), protocol.AckSize); err != nil {
		t.Fatal(err)
	}
	resp, err := c.Exec(protocol.CmdGetXY, nil, protocol.XYSize)
	if err != nil {
		t.Fatal(err)
	}
	x, y, _ := protocol.DecodeXY(resp)
	if x != 10 || y != 20 {
		t.Fatalf("got (%v, %v)", x, y)
	}
	if c.LastActivity().IsZero() {
		t.Fatal("last activity not recorded")
	}
}

func TestHandshakeFailClosesSocket(t *testing.T) {
	sim := startSim(t, scopesim.Config{HandshakeStatus: protocol.ConfigFail, HandshakeMessage: "no such file"})
	c := NewConn(Options{Addr: sim.Addr(), ConfigPath: "/missing.yml", ReadTimeout: 2 * time.Second})
	defer c.Close()

	err := c.Open(context.Background())
	var ce *protocol.ConfigError
	if !errors.As(err, &ce) || ce.Blocked || ce.Message != "no such file" {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	if _, err := c.Exec(protocol.CmdGetXY, nil, protocol.XYSize); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if sim.Count(protocol.CmdGetXY) != 0 {
		t.Fatal("command reached the server on a rejected connection")
	}
}

func TestHandshakeBlocked(t *testing.T) {
	sim := startSim(t, scopesim.Config{HandshakeStatus: protocol.ConfigBlocked, HandshakeMessage: "held by 10.0.0.2"})
	c := NewConn(Options{Addr: sim.Addr(), ReadTimeout: 2 * time.Second})
	defer c.Close()

	err := c.Open(context.Background())
	var ce *protocol.ConfigError
	if !errors.As(err, &ce) || !ce.Blocked {
		t.Fatalf("expected blocked ConfigError, got %v", err)
	}
}

func TestCallReportsProgressInOrder(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	sim.Handle(protocol.CmdBackground, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		req.Progress(5, 10, "")
		req.Progress(10, 10, "")
		return req.Envelope(protocol.EnvSuccess, "/out")
	})
	c := openConn(t, sim.Addr())

	var got []protocol.Progress
	var started bool
	result, err := c.Call(protocol.CmdBackground, "--output /out", StreamHandlers{
		OnStarted:  func(string) { started = true },
		OnProgress: func(p protocol.Progress, _ string) { got = append(got, p) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if result != "/out" {
		t.Fatalf("result = %q", result)
	}
	if !started {
		t.Fatal("OnStarted not called")
	}
	want := []protocol.Progress{{Current: 5, Total: 10}, {Current: 10, Total: 10}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestCallStageMoveReply(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	c := openConn(t, sim.Addr())

	var prompt string
	result, err := c.Call(protocol.CmdPolarizerCal, "", StreamHandlers{
		OnStageMove: func(msg string) bool { prompt = msg; return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if prompt == "" {
		t.Fatal("stage move prompt not delivered")
	}
	if r := protocol.ParsePolarizerResult(result); r.Offset != 3.5 {
		t.Fatalf("result = %+v", r)
	}

	// Without a handler the move is refused.
	_, err = c.Call(protocol.CmdPolarizerCal, "", StreamHandlers{})
	var re *RemoteError
	if !errors.As(err, &re) || re.Reason != "stage move declined" {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !c.Connected() {
		t.Fatal("remote failure must not drop the connection")
	}
}

func TestCallSafetyFailure(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	sim.Handle(protocol.CmdTestAutofocus, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		return req.Envelope(protocol.EnvFailed, "safety: objective too close to slide")
	})
	c := openConn(t, sim.Addr())

	_, err := c.Call(protocol.CmdTestAutofocus, "", StreamHandlers{})
	if !protocol.IsSafety(err) {
		t.Fatalf("expected safety error, got %v", err)
	}
}

func TestCallRaisesAndRestoresReadTimeout(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	sim.Handle(protocol.CmdSunburstCal, func(req *scopesim.Request) error {
		req.Progress(1, 1, "")
		return req.Envelope(protocol.EnvFailed, "no target found")
	})
	c := openConn(t, sim.Addr())
	before := c.ReadTimeout()

	var during time.Duration
	err := c.Exchange(func(s *Stream) error {
		_, err := s.Call(protocol.CmdSunburstCal, "", StreamHandlers{
			OnProgress: func(protocol.Progress, string) { during = s.ReadTimeout() },
		})
		return err
	})
	if err == nil {
		t.Fatal("expected remote failure")
	}
	if during != protocol.FreeFormTimeout(protocol.CmdSunburstCal) {
		t.Fatalf("timeout during call = %v", during)
	}
	if after := c.ReadTimeout(); after != before {
		t.Fatalf("timeout not restored: %v, want %v", after, before)
	}
}

func TestHardwareErrorKeepsConnection(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	sim.InjectHardwareError(protocol.CmdGetZ, "focus drive offline")
	c := openConn(t, sim.Addr())

	_, err := c.Exec(protocol.CmdGetZ, nil, protocol.ScalarSize)
	var hw *protocol.HardwareError
	if !errors.As(err, &hw) || hw.Message != "focus drive offline" {
		t.Fatalf("expected HardwareError, got %v", err)
	}
	if !c.Connected() {
		t.Fatal("hardware error must not drop the connection")
	}

	sim.InjectHardwareError(protocol.CmdGetZ, "")
	if _, err := c.Exec(protocol.CmdGetZ, nil, protocol.ScalarSize); err != nil {
		t.Fatalf("after fault cleared: %v", err)
	}
}

func TestExecStreamedFrame(t *testing.T) {
	sim := startSim(t, scopesim.Config{FrameWidth: 8, FrameHeight: 4})
	c := openConn(t, sim.Addr())

	hdr, body, err := c.ExecStreamed(protocol.CmdGetFrame, nil, protocol.FrameHeaderSize, protocol.MaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := protocol.DecodeFrameHeader(hdr)
	if h.Width != 8 || h.Height != 4 || len(body) != 8*4*3 {
		t.Fatalf("header %+v, %d bytes", h, len(body))
	}
}

func TestPrimaryExclusivity(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	c := openConn(t, sim.Addr())

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 25 {
				v := float64(g*100 + i)
				err := c.Exchange(func(s *Stream) error {
					if _, err := s.Exec(protocol.CmdMove, protocol.EncodeXY(v, v), protocol.AckSize); err != nil {
						return err
					}
					resp, err := s.Exec(protocol.CmdGetXY, nil, protocol.XYSize)
					if err != nil {
						return err
					}
					x, y, _ := protocol.DecodeXY(resp)
					if x != v || y != v {
						return errors.New("interleaved exchange observed")
					}
					return nil
				})
				if err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestAuxiliaryIndependentOfPrimary(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	release := make(chan struct{})
	sim.Handle(protocol.CmdAFBenchmark, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		<-release
		return req.Envelope(protocol.EnvSuccess, "/bench|trials:1")
	})
	m := newTestManager(t, sim.Addr(), ReconnectPolicy{}, HealthPolicy{})
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.Primary().Call(protocol.CmdAFBenchmark, "", StreamHandlers{
			OnStarted: func(string) { close(started) },
		})
		done <- err
	}()
	defer close(release)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("benchmark never started")
	}

	auxDone := make(chan error, 1)
	go func() {
		_, err := m.Auxiliary().Exec(protocol.CmdGetXY, nil, protocol.XYSize)
		auxDone <- err
	}()
	select {
	case err := <-auxDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("auxiliary blocked behind primary")
	}
	if !m.Primary().Busy() {
		t.Fatal("primary should still be busy")
	}
}

func TestMalformedEnvelopeDropsConnection(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	sim.Handle(protocol.CmdTestAutofocus, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		req.WriteString("PROGRESS:abc:10")
		return req.Envelope(protocol.EnvSuccess, "initial_z:0|final_z:1.5")
	})
	c := openConn(t, sim.Addr())
	if _, err := c.Exec(protocol.CmdMove, protocol.EncodeXY(10, 20), protocol.AckSize); err != nil {
		t.Fatal(err)
	}

	_, err := c.Call(protocol.CmdTestAutofocus, "", StreamHandlers{})
	if !errors.Is(err, protocol.ErrProtocol) || !IsComm(err) {
		t.Fatalf("expected framing CommError, got %v", err)
	}
	if c.Connected() {
		t.Fatal("connection kept with the rest of the stream unread")
	}
	if _, err := c.Exec(protocol.CmdGetXY, nil, protocol.XYSize); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestOversizeFrameDropsConnection(t *testing.T) {
	sim := startSim(t, scopesim.Config{FrameWidth: 8, FrameHeight: 4})
	c := openConn(t, sim.Addr())
	if _, err := c.Exec(protocol.CmdMove, protocol.EncodeXY(10, 20), protocol.AckSize); err != nil {
		t.Fatal(err)
	}

	_, _, err := c.ExecStreamed(protocol.CmdGetFrame, nil, protocol.FrameHeaderSize, 16)
	if !errors.Is(err, protocol.ErrMessageTooLarge) || !IsComm(err) {
		t.Fatalf("expected framing CommError, got %v", err)
	}
	if c.Connected() {
		t.Fatal("connection kept with pixel data unread")
	}
	if _, err := c.Exec(protocol.CmdGetXY, nil, protocol.XYSize); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestPositionCorrectAfterFramingLoss(t *testing.T) {
	sim := startSim(t, scopesim.Config{FrameWidth: 8, FrameHeight: 4})
	m := newTestManager(t, sim.Addr(), ReconnectPolicy{MaxAttempts: 5, Delay: 20 * time.Millisecond}, HealthPolicy{})
	if err := m.EnsureConnected(context.Background(), Auxiliary); err != nil {
		t.Fatal(err)
	}
	aux := m.Auxiliary()
	if _, err := aux.Exec(protocol.CmdMove, protocol.EncodeXY(10, 20), protocol.AckSize); err != nil {
		t.Fatal(err)
	}
	if _, _, err := aux.ExecStreamed(protocol.CmdGetFrame, nil, protocol.FrameHeaderSize, 16); !IsComm(err) {
		t.Fatalf("expected CommError, got %v", err)
	}

	waitFor(t, 3*time.Second, "reconnect", aux.Connected)
	resp, err := aux.Exec(protocol.CmdGetXY, nil, protocol.XYSize)
	if err != nil {
		t.Fatal(err)
	}
	if x, y, _ := protocol.DecodeXY(resp); x != 10 || y != 20 {
		t.Fatalf("got (%v, %v)", x, y)
	}
}

func TestReadTimeoutDoesNotWaitForCall(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	release := make(chan struct{})
	sim.Handle(protocol.CmdSunburstCal, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		<-release
		return req.Envelope(protocol.EnvFailed, "no target found")
	})
	c := openConn(t, sim.Addr())

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Call(protocol.CmdSunburstCal, "", StreamHandlers{OnStarted: func(string) { close(started) }})
	}()
	<-started

	got := make(chan time.Duration, 1)
	go func() { got <- c.ReadTimeout() }()
	select {
	case d := <-got:
		if d != protocol.FreeFormTimeout(protocol.CmdSunburstCal) {
			t.Fatalf("timeout during call = %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("ReadTimeout blocked behind the call")
	}
	close(release)
	<-done
}

func TestReconnectAfterDrop(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	m := newTestManager(t, sim.Addr(), ReconnectPolicy{MaxAttempts: 5, Delay: 20 * time.Millisecond}, HealthPolicy{})
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	aux := m.Auxiliary()

	sim.DropConnections()
	_, err := aux.Exec(protocol.CmdGetXY, nil, protocol.XYSize)
	if !IsComm(err) {
		t.Fatalf("expected CommError, got %v", err)
	}

	waitFor(t, 3*time.Second, "reconnect", aux.Connected)
	if _, err := aux.Exec(protocol.CmdGetXY, nil, protocol.XYSize); err != nil {
		t.Fatalf("after reconnect: %v", err)
	}
}

func TestReconnectExhaustionFailsFast(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	m := newTestManager(t, sim.Addr(), ReconnectPolicy{MaxAttempts: 2, Delay: 20 * time.Millisecond}, HealthPolicy{})
	if err := m.EnsureConnected(context.Background(), Auxiliary); err != nil {
		t.Fatal(err)
	}
	aux := m.Auxiliary()

	sim.Close()
	if _, err := aux.Exec(protocol.CmdGetXY, nil, protocol.XYSize); !IsComm(err) {
		t.Fatalf("expected CommError, got %v", err)
	}

	waitFor(t, 3*time.Second, "supervisor to give up", func() bool {
		return m.Stats()[Auxiliary].ReconnectFailures == 1 && !m.Stats()[Auxiliary].Reconnecting
	})
	if aux.State() != StateDisconnected {
		t.Fatalf("state = %s", aux.State())
	}
	if st := m.Stats()[Auxiliary]; st.ReconnectAttempts != 2 {
		t.Fatalf("attempts = %d", st.ReconnectAttempts)
	}

	start := time.Now()
	if _, err := aux.Exec(protocol.CmdGetXY, nil, protocol.XYSize); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("disconnected call did not fail fast")
	}

	// A caller-triggered ensure makes a fresh attempt.
	if err := m.EnsureConnected(context.Background(), Auxiliary); !IsComm(err) {
		t.Fatalf("expected dial failure, got %v", err)
	}
}

func TestHealthProbeWhenIdle(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	m := newTestManager(t, sim.Addr(), ReconnectPolicy{}, HealthPolicy{Interval: 20 * time.Millisecond, IdleThreshold: 50 * time.Millisecond})
	if err := m.EnsureConnected(context.Background(), Auxiliary); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, "health probe", func() bool {
		return sim.Count(protocol.CmdGetXY) > 0
	})
}

func TestManagerCloseSendsDisconnect(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	m := NewManager(Config{Addr: sim.Addr(), ReadTimeout: 2 * time.Second})
	if err := m.ConnectAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, "courtesy disconnects", func() bool {
		return sim.Count(protocol.CmdDisconnect) == 2
	})
	for _, ch := range []Channel{Primary, Auxiliary} {
		if got := m.Conn(ch).State(); got != StateShuttingDown {
			t.Fatalf("%s state = %s", ch, got)
		}
	}
	if _, err := m.Primary().Exec(protocol.CmdGetXY, nil, protocol.XYSize); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if err := m.EnsureConnected(context.Background(), Primary); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestCloseAbortsBlockedExchange(t *testing.T) {
	sim := startSim(t, scopesim.Config{})
	release := make(chan struct{})
	defer close(release)
	sim.Handle(protocol.CmdPolarizerCal, func(req *scopesim.Request) error {
		req.Envelope(protocol.EnvStarted, "")
		<-release
		return nil
	})
	c := NewConn(Options{Addr: sim.Addr(), ReadTimeout: time.Second})
	if err := c.Open(context.Background()); err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(protocol.CmdPolarizerCal, "", StreamHandlers{OnStarted: func(string) { close(started) }})
		done <- err
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(closeWait + 3*time.Second):
		t.Fatal("Close did not return")
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("blocked call should fail once the socket is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked call never returned")
	}
}

func TestRemoteFailureClassification(t *testing.T) {
	if err := remoteFailure(protocol.CmdPolarizerCal, "SAFETY: rotation limit"); !protocol.IsSafety(err) {
		t.Fatalf("got %v", err)
	}
	err := remoteFailure(protocol.CmdPolarizerCal, "camera not found")
	var re *RemoteError
	if !errors.As(err, &re) || re.Command != protocol.CmdPolarizerCal {
		t.Fatalf("got %v", err)
	}
}
