package link

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ReconnectPolicy bounds automatic reconnection after a failure.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration // fixed, between attempts
}

func (p ReconnectPolicy) normalize() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.Delay <= 0 {
		p.Delay = 2 * time.Second
	}
	return p
}

// supervisor re-opens one connection after it was demoted. It never retries
// indefinitely: after MaxAttempts failures the connection stays
// disconnected until a caller asks for it again.
type supervisor struct {
	conn   *Conn
	policy ReconnectPolicy
	kick   chan struct{}

	mu       sync.Mutex
	active   bool // a retry cycle is in progress
	attempts int  // total reconnect attempts since start
	failures int  // exhausted retry cycles
	lastErr  error
}

func newSupervisor(conn *Conn, policy ReconnectPolicy) *supervisor {
	return &supervisor{
		conn:   conn,
		policy: policy.normalize(),
		kick:   make(chan struct{}, 1),
	}
}

// schedule wakes the supervisor. Repeated calls while a cycle is pending
// collapse into one.
func (s *supervisor) schedule() {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Active reports whether a retry cycle is pending or running.
func (s *supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *supervisor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		}
		s.cycle(ctx)
	}
}

func (s *supervisor) cycle(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	log := s.conn.log
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		if s.conn.State() == StateShuttingDown || s.conn.Connected() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.policy.Delay):
		}

		s.mu.Lock()
		s.attempts++
		s.mu.Unlock()

		err := s.conn.Open(ctx)
		if err == nil {
			log.Info("reconnected", "attempt", attempt)
			return
		}
		if errors.Is(err, ErrShuttingDown) {
			return
		}
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		log.Debug("reconnect attempt failed", "attempt", attempt, "max", s.policy.MaxAttempts, "err", err)
	}

	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	log.Error("reconnect gave up", "attempts", s.policy.MaxAttempts, "err", s.lastError())
}

func (s *supervisor) lastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *supervisor) stats() (attempts, failures int, lastErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, s.failures, s.lastErr
}
