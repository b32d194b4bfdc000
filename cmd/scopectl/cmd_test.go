package main

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/scopelink/internal/protocol"
	"github.com/chronologos/scopelink/internal/scopesim"
)

func TestMain(m *testing.M) {
	interactive = func() bool { return false }
	os.Exit(m.Run())
}

func TestParseFloats(t *testing.T) {
	for in, want := range map[string][]float64{
		"":           nil,
		"7":          {7},
		"-7,0,7":     {-7, 0, 7},
		"(-7, 0, 7)": {-7, 0, 7},
		"1.5 2.5":    {1.5, 2.5},
	} {
		got, err := parseFloats(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseFloats("1,two")
	assert.Error(t, err)
}

// runCLI starts a simulator and runs scopectl against it.
func runCLI(t *testing.T, sim *scopesim.Server, args ...string) error {
	t.Helper()
	host, port, err := net.SplitHostPort(sim.Addr())
	require.NoError(t, err)
	base := []string{"scopectl", "--env-file", t.TempDir() + "/none.env", "--host", host, "--port", port, "--log-level", "error"}
	return Execute(append(base, args...))
}

func startSim(t *testing.T, cfg scopesim.Config) *scopesim.Server {
	t.Helper()
	s, err := scopesim.Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMoveCommand(t *testing.T) {
	s := startSim(t, scopesim.Config{ZMin: -100, ZMax: 100})

	require.NoError(t, runCLI(t, s, "move", "--x", "12.5", "--y", "-3", "--z", "40"))
	assert.Equal(t, 1, s.Count(protocol.CmdMove))
	assert.Equal(t, 1, s.Count(protocol.CmdMoveZ))

	err := runCLI(t, s, "move", "--z", "500")
	assert.True(t, protocol.IsSafety(err), "got %v", err)

	assert.Error(t, runCLI(t, s, "move", "--x", "1"))
	assert.Error(t, runCLI(t, s, "move"))
}

func TestStatusAndPosition(t *testing.T) {
	s := startSim(t, scopesim.Config{})
	require.NoError(t, runCLI(t, s, "status", "--json"))
	require.NoError(t, runCLI(t, s, "position"))
	assert.Equal(t, 1, s.Count(protocol.CmdGetXY))
	assert.Equal(t, 1, s.Count(protocol.CmdStatus))
}

func TestAcquireCommandCompletes(t *testing.T) {
	s := startSim(t, scopesim.Config{Acquisition: scopesim.AcquisitionScript{
		Tiles: 3, StepInterval: 10 * time.Millisecond, FinalZ: 5,
	}})
	require.NoError(t, runCLI(t, s, "acquire", "--region", "r1", "--angles", "-7,7", "--json"))
	assert.Equal(t, 1, s.Count(protocol.CmdAcquire))
}

func TestAcquireCommandReportsFailure(t *testing.T) {
	s := startSim(t, scopesim.Config{Acquisition: scopesim.AcquisitionScript{
		Tiles: 5, StepInterval: 10 * time.Millisecond, FailAt: 2, FailReason: "focus lost",
	}})
	err := runCLI(t, s, "acquire")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "focus lost")
}

func TestAcquireRejectsMismatchedExposures(t *testing.T) {
	s := startSim(t, scopesim.Config{})
	assert.Error(t, runCLI(t, s, "acquire", "--angles", "-7,0,7", "--exposures", "10,20"))
	assert.Zero(t, s.Count(protocol.CmdAcquire))
}

func TestCalibrateCommands(t *testing.T) {
	s := startSim(t, scopesim.Config{})
	require.NoError(t, runCLI(t, s, "calibrate", "sunburst", "--json"))
	require.NoError(t, runCLI(t, s, "autofocus", "test"))
	require.NoError(t, runCLI(t, s, "background", "--angles", "90,0"))

	// Without a terminal or --yes the stage move is declined.
	err := runCLI(t, s, "calibrate", "polarizer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage move declined")
	require.NoError(t, runCLI(t, s, "calibrate", "polarizer", "--yes"))
}

func TestAskAfterCancelledPrompt(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	in := &lineReader{src: pr}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := in.ask(ctx, io.Discard, "first? ")
	assert.ErrorIs(t, err, context.Canceled)

	// The next prompt gets the operator's answer.
	go io.WriteString(pw, " Retry\n")
	line, err := in.ask(context.Background(), io.Discard, "second? ")
	require.NoError(t, err)
	assert.Equal(t, "retry", line)

	pw.Close()
	_, err = in.ask(context.Background(), io.Discard, "third? ")
	assert.ErrorIs(t, err, io.EOF)
}
