// Package acquisition follows a server-side acquisition to its end by
// polling status, progress and manual focus requests.
package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chronologos/scopelink/internal/link"
	"github.com/chronologos/scopelink/internal/protocol"
)

// ErrStalled is returned when no progress was observed for StallTimeout.
var ErrStalled = errors.New("acquisition stalled")

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultStallTimeout   = 5 * time.Minute
	defaultStartupGrace   = 10 * time.Second
	defaultStartupRetries = 3
)

// Source is the subset of the client the monitor drives. *client.Client
// satisfies it.
type Source interface {
	Status(ctx context.Context) (protocol.StatusReport, error)
	Progress(ctx context.Context) (protocol.Progress, error)
	CheckManualFocus(ctx context.Context) (*protocol.ManualFocusRequest, error)
	AcknowledgeManualFocus(ctx context.Context) error
	SkipAutofocus(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Decision answers a manual focus request.
type Decision int

const (
	// Skip continues with the current focus (SKIPAF).
	Skip Decision = iota
	// Retry reruns autofocus after the operator refocused (ACKMF).
	Retry
	// Cancel cancels the acquisition (CANCEL).
	Cancel
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Retry:
		return "retry"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Config controls polling and timeouts. Zero values take defaults.
type Config struct {
	PollInterval time.Duration
	// StallTimeout is measured from the last progress event, not from
	// the start of the run.
	StallTimeout time.Duration
	// Transient I/O failures are tolerated up to StartupRetries times in a
	// row during the first StartupGrace of a run.
	StartupGrace   time.Duration
	StartupRetries int

	// OnProgress is called whenever the reported progress changes.
	OnProgress func(protocol.Progress)
	// OnManualFocus may block on the operator. Nil answers Skip.
	OnManualFocus func(ctx context.Context, req protocol.ManualFocusRequest) Decision
	// OnStateChange is called on every observed state transition.
	OnStateChange func(from, to protocol.AcquisitionState)

	Logger *slog.Logger
}

func (c *Config) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = defaultStartupGrace
	}
	if c.StartupRetries <= 0 {
		c.StartupRetries = defaultStartupRetries
	}
}

// Result summarizes one monitored run.
type Result struct {
	RunID        string
	State        protocol.AcquisitionState
	Elapsed      time.Duration
	LastProgress protocol.Progress
	Reason       string // FAILED reason
	FinalZ       float64
	HasFinalZ    bool
	TimedOut     bool
}

// Monitor polls one acquisition. A Monitor is not safe for concurrent Runs.
type Monitor struct {
	src Source
	cfg Config
	log *slog.Logger
}

// NewMonitor creates a monitor over src.
func NewMonitor(src Source, cfg Config) *Monitor {
	cfg.normalize()
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Monitor{src: src, cfg: cfg, log: log.With("component", "monitor")}
}

// run is the mutable state of one Run.
type run struct {
	log          *slog.Logger
	start        time.Time
	lastEvent    time.Time
	state        protocol.AcquisitionState
	haveState    bool
	progress     protocol.Progress
	haveProgress bool
	failures     int
}

// Run polls until the acquisition reaches a terminal state, stalls, or ctx
// is done. The returned Result is filled in all cases.
func (m *Monitor) Run(ctx context.Context) (Result, error) {
	id := uuid.NewString()
	now := time.Now()
	r := &run{log: m.log.With("run", id), start: now, lastEvent: now}
	r.log.Info("monitoring acquisition",
		"poll", m.cfg.PollInterval, "stall_timeout", m.cfg.StallTimeout)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res, done, err := m.tick(ctx, r)
		if done || err != nil {
			res.RunID = id
			res.Elapsed = time.Since(r.start)
			res.LastProgress = r.progress
			if err != nil {
				r.log.Warn("monitoring ended", "state", res.State, "elapsed", res.Elapsed.Round(time.Millisecond), "err", err)
			} else {
				r.log.Info("acquisition finished", "state", res.State, "elapsed", res.Elapsed.Round(time.Millisecond))
			}
			return res, err
		}

		select {
		case <-ctx.Done():
			return Result{RunID: id, State: r.state, Elapsed: time.Since(r.start), LastProgress: r.progress}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick performs one poll. done reports a terminal state.
func (m *Monitor) tick(ctx context.Context, r *run) (Result, bool, error) {
	rep, err := m.src.Status(ctx)
	if err != nil {
		return m.transient(r, "status", err)
	}
	m.observeState(r, rep.State)
	if rep.State.Terminal() {
		res := Result{State: rep.State, Reason: rep.Reason, FinalZ: rep.FinalZ, HasFinalZ: rep.HasFinalZ}
		return res, true, nil
	}

	if rep.State != protocol.StateCancelling {
		req, err := m.src.CheckManualFocus(ctx)
		if err != nil {
			return m.transient(r, "manual focus check", err)
		}
		if req != nil {
			if err := m.manualFocus(ctx, r, *req); err != nil {
				return m.transient(r, "manual focus", err)
			}
		}
	}

	if rep.State == protocol.StateRunning {
		p, err := m.src.Progress(ctx)
		if err != nil {
			return m.transient(r, "progress", err)
		}
		m.observeProgress(r, p)
	}

	r.failures = 0
	if idle := time.Since(r.lastEvent); idle > m.cfg.StallTimeout {
		res := Result{State: r.state, TimedOut: true}
		return res, false, fmt.Errorf("%w: no progress for %v (at %s)", ErrStalled, idle.Round(time.Second), r.progress)
	}
	return Result{}, false, nil
}

// transient tolerates connection failures while the server is starting up.
func (m *Monitor) transient(r *run, op string, err error) (Result, bool, error) {
	res := Result{State: r.state}
	if !isTransient(err) || time.Since(r.start) > m.cfg.StartupGrace || r.failures >= m.cfg.StartupRetries {
		return res, false, fmt.Errorf("%s: %w", op, err)
	}
	r.failures++
	r.log.Warn("transient failure during startup", "op", op, "failures", r.failures, "err", err)
	return res, false, nil
}

func isTransient(err error) bool {
	return link.IsComm(err) || errors.Is(err, link.ErrNotConnected)
}

func (m *Monitor) observeState(r *run, s protocol.AcquisitionState) {
	if r.haveState && r.state == s {
		return
	}
	from := r.state
	first := !r.haveState
	r.state, r.haveState = s, true
	if s == protocol.StateRunning {
		r.lastEvent = time.Now()
	}
	if first {
		r.log.Info("acquisition state", "state", s)
	} else {
		r.log.Info("acquisition state changed", "from", from, "to", s)
	}
	if m.cfg.OnStateChange != nil && !first {
		m.cfg.OnStateChange(from, s)
	}
}

// observeProgress counts an increase of current, or a busy (-1, -1)
// report, as a progress event.
func (m *Monitor) observeProgress(r *run, p protocol.Progress) {
	changed := !r.haveProgress || p != r.progress
	advanced := p.Busy() || !r.haveProgress || p.Current > r.progress.Current
	if advanced {
		r.lastEvent = time.Now()
	}
	r.progress, r.haveProgress = p, true
	if changed {
		r.log.Debug("progress", "current", p.Current, "total", p.Total)
		if m.cfg.OnProgress != nil {
			m.cfg.OnProgress(p)
		}
	}
}

// manualFocus asks the callback and sends its decision. The stall clock is
// reset before and after the callback so operator time is never a stall.
func (m *Monitor) manualFocus(ctx context.Context, r *run, req protocol.ManualFocusRequest) error {
	r.lastEvent = time.Now()
	r.log.Info("manual focus requested", "retries_remaining", req.RetriesRemaining)

	d := Skip
	if m.cfg.OnManualFocus != nil {
		d = m.cfg.OnManualFocus(ctx, req)
	}
	r.lastEvent = time.Now()
	r.log.Info("manual focus decision", "decision", d)

	var err error
	switch d {
	case Retry:
		err = m.src.AcknowledgeManualFocus(ctx)
	case Cancel:
		err = m.src.Cancel(ctx)
	default:
		err = m.src.SkipAutofocus(ctx)
	}
	if err != nil {
		return fmt.Errorf("manual focus %s: %w", d, err)
	}
	return nil
}
