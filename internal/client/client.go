// Package client is the typed microscope API. Stage and live-view calls go
// to the auxiliary channel; acquisition control and long routines go to the
// primary channel, so neither blocks the other.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chronologos/scopelink/internal/link"
)

// discardHandler is a no-op slog handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Config holds client configuration.
type Config struct {
	Addr        string // host:port of the command server
	ConfigPath  string // server-side microscope configuration, sent on connect
	DialTimeout time.Duration
	ReadTimeout time.Duration
	Reconnect   link.ReconnectPolicy
	Health      link.HealthPolicy
	Logger      *slog.Logger
}

// Client drives one microscope command server over two channels.
type Client struct {
	cfg Config
	log *slog.Logger
	mgr *link.Manager

	// Process-wide results of status checks. Callers clear them before
	// starting a new acquisition.
	mu          sync.Mutex
	lastFailure string
	finalZ      float64
	hasFinalZ   bool
}

// New creates a client. No connection is made until the first call or
// Connect.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(&discardHandler{})
	}
	return &Client{
		cfg: cfg,
		log: logger.With("component", "client"),
		mgr: link.NewManager(link.Config{
			Addr:        cfg.Addr,
			ConfigPath:  cfg.ConfigPath,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
			Reconnect:   cfg.Reconnect,
			Health:      cfg.Health,
			Logger:      logger,
		}),
	}
}

// Connect opens both channels.
func (c *Client) Connect(ctx context.Context) error {
	return c.mgr.ConnectAll(ctx)
}

// Close disconnects both channels. The client is unusable afterwards.
func (c *Client) Close() error {
	return c.mgr.Close()
}

// Stats returns a diagnostic snapshot of both channels.
func (c *Client) Stats() []link.ChannelStats {
	return c.mgr.Stats()
}

func (c *Client) channel(ctx context.Context, ch link.Channel) (*link.Conn, error) {
	if err := c.mgr.EnsureConnected(ctx, ch); err != nil {
		return nil, err
	}
	return c.mgr.Conn(ch), nil
}

func (c *Client) primary(ctx context.Context) (*link.Conn, error) {
	return c.channel(ctx, link.Primary)
}

func (c *Client) auxiliary(ctx context.Context) (*link.Conn, error) {
	return c.channel(ctx, link.Auxiliary)
}

// --- Shared state ---

// LastFailure returns the most recent failure reason reported by the
// server, or "".
func (c *Client) LastFailure() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// ClearLastFailure forgets the last failure reason.
func (c *Client) ClearLastFailure() {
	c.setLastFailure("")
}

func (c *Client) setLastFailure(reason string) {
	c.mu.Lock()
	c.lastFailure = reason
	c.mu.Unlock()
}

// LastFinalZ returns the focal-plane position reported by the last
// completed acquisition.
func (c *Client) LastFinalZ() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalZ, c.hasFinalZ
}

// ClearLastFinalZ forgets the last final Z. Call before each acquisition.
func (c *Client) ClearLastFinalZ() {
	c.mu.Lock()
	c.finalZ, c.hasFinalZ = 0, false
	c.mu.Unlock()
}

func (c *Client) setLastFinalZ(z float64) {
	c.mu.Lock()
	c.finalZ, c.hasFinalZ = z, true
	c.mu.Unlock()
}
