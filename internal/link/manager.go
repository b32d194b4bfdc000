package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const joinTimeout = 2 * time.Second

// Config configures both channels of a Manager. The two channels share the
// server address and handshake but reconnect independently.
type Config struct {
	Addr        string
	ConfigPath  string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Reconnect   ReconnectPolicy
	Health      HealthPolicy
	Logger      *slog.Logger
}

// Manager owns the primary and auxiliary connections and their background
// reconnect and health tasks.
type Manager struct {
	log   *slog.Logger
	conns [2]*Conn
	sups  [2]*supervisor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewManager creates both channels (disconnected) and starts their
// background tasks. Connections open lazily on EnsureConnected.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:    logger.With("component", "link"),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, ch := range []Channel{Primary, Auxiliary} {
		conn := NewConn(Options{
			Name:        ch.String(),
			Addr:        cfg.Addr,
			ConfigPath:  cfg.ConfigPath,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
			Logger:      logger,
		})
		sup := newSupervisor(conn, cfg.Reconnect)
		conn.onFailure = func(error) {
			if conn.State() != StateShuttingDown {
				sup.schedule()
			}
		}
		m.conns[ch] = conn
		m.sups[ch] = sup

		m.wg.Add(2)
		go func() {
			defer m.wg.Done()
			sup.run(ctx)
		}()
		go func() {
			defer m.wg.Done()
			healthLoop(ctx, conn, cfg.Health)
		}()
	}
	return m
}

// Conn returns the connection for ch.
func (m *Manager) Conn(ch Channel) *Conn {
	return m.conns[ch]
}

// Primary returns the channel for long-held exclusive work.
func (m *Manager) Primary() *Conn { return m.conns[Primary] }

// Auxiliary returns the channel for short interactive work.
func (m *Manager) Auxiliary() *Conn { return m.conns[Auxiliary] }

// EnsureConnected opens ch if it is not connected. While the supervisor is
// mid-cycle it fails fast with ErrNotConnected instead of racing it.
func (m *Manager) EnsureConnected(ctx context.Context, ch Channel) error {
	conn := m.conns[ch]
	switch conn.State() {
	case StateConnected:
		return nil
	case StateShuttingDown:
		return ErrShuttingDown
	}
	if m.sups[ch].Active() {
		return fmt.Errorf("%s: reconnect in progress: %w", ch, ErrNotConnected)
	}
	return conn.Open(ctx)
}

// ConnectAll opens both channels in parallel.
func (m *Manager) ConnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range []Channel{Primary, Auxiliary} {
		g.Go(func() error { return m.EnsureConnected(ctx, ch) })
	}
	return g.Wait()
}

// ChannelStats is a diagnostic snapshot of one channel.
type ChannelStats struct {
	Channel           Channel
	State             State
	Busy              bool
	LastActivity      time.Time
	Reconnecting      bool
	ReconnectAttempts int
	ReconnectFailures int
	LastError         error
}

// Stats returns a snapshot of both channels.
func (m *Manager) Stats() []ChannelStats {
	out := make([]ChannelStats, 0, len(m.conns))
	for _, ch := range []Channel{Primary, Auxiliary} {
		conn, sup := m.conns[ch], m.sups[ch]
		attempts, failures, lastErr := sup.stats()
		out = append(out, ChannelStats{
			Channel:           ch,
			State:             conn.State(),
			Busy:              conn.Busy(),
			LastActivity:      conn.LastActivity(),
			Reconnecting:      sup.Active(),
			ReconnectAttempts: attempts,
			ReconnectFailures: failures,
			LastError:         lastErr,
		})
	}
	return out
}

// Close shuts both channels down: no further reconnects, background tasks
// stopped (bounded wait), then both sockets closed in parallel.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		for _, conn := range m.conns {
			conn.beginShutdown()
		}
		m.cancel()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(joinTimeout):
			m.log.Warn("background tasks did not stop in time")
		}

		var g errgroup.Group
		for _, conn := range m.conns {
			g.Go(conn.Close)
		}
		m.closeErr = g.Wait()
		if errors.Is(m.closeErr, ErrShuttingDown) {
			m.closeErr = nil
		}
	})
	return m.closeErr
}
