package scopesim

import (
	"strconv"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

// AcquisitionScript drives the simulated acquisition started by ACQUIRE.
// Tile indices are 1-based; zero disables the corresponding event.
type AcquisitionScript struct {
	Tiles        int           // default 10
	StepInterval time.Duration // time per tile, default 50ms

	ManualFocusAt      int // tile at which manual focus is requested
	ManualFocusRetries int

	FailAt     int // tile at which the acquisition fails
	FailReason string

	StallAt int           // progress freezes at this tile forever
	BusyFor time.Duration // PROGRESS reports (-1,-1) this long after start

	CancelDelay time.Duration // CANCELLING lasts this long, default 100ms
	FinalZ      float64       // reported on completion
}

func (s *AcquisitionScript) normalize() {
	if s.Tiles <= 0 {
		s.Tiles = 10
	}
	if s.StepInterval <= 0 {
		s.StepInterval = 50 * time.Millisecond
	}
	if s.CancelDelay <= 0 {
		s.CancelDelay = 100 * time.Millisecond
	}
	if s.FailReason == "" {
		s.FailReason = "camera timeout"
	}
}

// acquisition is the simulated server-side state machine. Progress is
// derived from elapsed time on every query. Guarded by Server.mu.
type acquisition struct {
	script AcquisitionScript

	state   protocol.AcquisitionState
	current int
	base    int       // tiles done before the current running segment
	since   time.Time // start of the current running segment
	started time.Time
	params  string

	cancelAt    time.Time
	manfPending bool
	manfDone    bool
	reason      string
}

func newAcquisition(script AcquisitionScript) *acquisition {
	script.normalize()
	return &acquisition{script: script, state: protocol.StateIdle}
}

func (a *acquisition) active() bool {
	return a.state == protocol.StateRunning || a.state == protocol.StateCancelling
}

func (a *acquisition) start(now time.Time, params string) {
	*a = acquisition{
		script:  a.script,
		state:   protocol.StateRunning,
		started: now,
		since:   now.Add(a.script.BusyFor),
		params:  params,
	}
}

func (a *acquisition) advance(now time.Time) {
	sc := a.script
	if a.state == protocol.StateCancelling {
		if now.Sub(a.cancelAt) >= sc.CancelDelay {
			a.state = protocol.StateCancelled
		}
		return
	}
	if a.state != protocol.StateRunning || a.manfPending {
		return
	}

	cur := a.base
	if now.After(a.since) {
		cur += int(now.Sub(a.since) / sc.StepInterval)
	}
	if sc.StallAt > 0 && cur > sc.StallAt {
		cur = sc.StallAt
	}
	if sc.ManualFocusAt > 0 && !a.manfDone && cur >= sc.ManualFocusAt {
		cur = sc.ManualFocusAt
		a.manfPending = true
	}
	if sc.FailAt > 0 && cur >= sc.FailAt {
		a.current = sc.FailAt
		a.state = protocol.StateFailed
		a.reason = sc.FailReason
		return
	}
	if cur >= sc.Tiles {
		cur = sc.Tiles
		a.state = protocol.StateCompleted
	}
	a.current = cur
}

func (a *acquisition) progress(now time.Time) protocol.Progress {
	if a.state == protocol.StateRunning && now.Before(a.since) {
		return protocol.Progress{Current: -1, Total: -1}
	}
	return protocol.Progress{Current: a.current, Total: a.script.Tiles}
}

// statusDetail is the length-prefixed text following COMPLETED or FAILED.
func (a *acquisition) statusDetail() (string, bool) {
	switch a.state {
	case protocol.StateCompleted:
		return "final_z:" + strconv.FormatFloat(a.script.FinalZ, 'f', -1, 64), true
	case protocol.StateFailed:
		return a.reason, true
	default:
		return "", false
	}
}

func (a *acquisition) cancel(now time.Time) {
	if a.state == protocol.StateRunning {
		a.state = protocol.StateCancelling
		a.cancelAt = now
		a.manfPending = false
	}
}

func (a *acquisition) manualFocus() *protocol.ManualFocusRequest {
	if !a.manfPending {
		return nil
	}
	return &protocol.ManualFocusRequest{RetriesRemaining: a.script.ManualFocusRetries}
}

func (a *acquisition) resolveManualFocus(now time.Time) {
	if !a.manfPending {
		return
	}
	a.manfPending = false
	a.manfDone = true
	a.base = a.current
	a.since = now
}
