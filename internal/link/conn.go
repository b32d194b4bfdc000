package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultReadTimeout = 30 * time.Second
	keepAlivePeriod    = 15 * time.Second
	courtesyTimeout    = 1 * time.Second
	closeWait          = 2 * time.Second
)

// Options configures a single connection.
type Options struct {
	Name        string // log tag, e.g. "primary"
	Addr        string // host:port of the command server
	ConfigPath  string // sent in the CONFIG handshake
	DialTimeout time.Duration
	ReadTimeout time.Duration // per-read timeout outside free-form calls
	Logger      *slog.Logger
}

// Conn owns one TCP socket to the command server. All socket I/O happens
// inside Exchange while holding mu, so request/response framing never
// interleaves between callers.
type Conn struct {
	opts Options
	log  *slog.Logger

	mu          sync.Mutex // exclusive-access guard, held for a whole exchange
	nc          *net.TCPConn
	br          *bufio.Reader
	bw          *bufio.Writer
	readTimeout atomic.Int64 // nanoseconds; read without mu by ReadTimeout

	sock         atomic.Pointer[net.TCPConn] // for forced close while mu is held
	state        atomic.Int32
	busy         atomic.Bool
	lastActivity atomic.Int64 // unix nanos of the last successful exchange

	// onFailure is called (without mu) after a transport failure demoted
	// the connection. The manager uses it to wake the reconnect supervisor.
	onFailure func(error)
}

// NewConn creates a disconnected connection. Call Open to connect.
func NewConn(opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.Name == "" {
		opts.Name = "conn"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Conn{
		opts: opts,
		log:  logger.With("component", "link", "channel", opts.Name),
	}
}

// Name returns the channel name used in logs and errors.
func (c *Conn) Name() string { return c.opts.Name }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Connected reports whether the connection is usable.
func (c *Conn) Connected() bool { return c.State() == StateConnected }

// Busy reports whether an exchange currently holds the connection.
func (c *Conn) Busy() bool { return c.busy.Load() }

// LastActivity returns the time of the last successful exchange.
func (c *Conn) LastActivity() time.Time {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// IdleFor returns how long the connection has gone without a successful
// exchange.
func (c *Conn) IdleFor() time.Duration {
	ns := c.lastActivity.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// transition moves to state to unless the connection is shutting down.
func (c *Conn) transition(to State) bool {
	for {
		cur := c.state.Load()
		if State(cur) == StateShuttingDown {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

// Open dials the server and performs the CONFIG handshake. A handshake
// failure closes the socket: a half-configured connection is never left
// live. Open on a connected Conn is a no-op.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateShuttingDown:
		return ErrShuttingDown
	case StateConnected:
		if c.nc != nil {
			return nil
		}
	}
	if !c.transition(StateConnecting) {
		return ErrShuttingDown
	}

	nc, err := dialTCP(ctx, c.opts.Addr, c.opts.DialTimeout)
	if err != nil {
		c.transition(StateDisconnected)
		return &CommError{Channel: c.opts.Name, Op: "dial", Err: err}
	}

	br := bufio.NewReader(nc)
	if err := performHandshake(nc, br, c.opts.ConfigPath, c.opts.ReadTimeout); err != nil {
		nc.Close()
		c.transition(StateDisconnected)
		c.log.Warn("handshake failed", "addr", c.opts.Addr, "err", err)
		return fmt.Errorf("%s: %w", c.opts.Name, err)
	}

	c.nc = nc
	c.br = br
	c.bw = bufio.NewWriter(nc)
	c.readTimeout.Store(int64(c.opts.ReadTimeout))
	c.sock.Store(nc)

	if !c.transition(StateConnected) {
		c.closeLocked(false)
		return ErrShuttingDown
	}
	c.touch()
	c.log.Info("connected", "addr", c.opts.Addr)
	return nil
}

// Exchange runs fn with exclusive access to the socket. Any *CommError
// returned by fn demotes the connection to disconnected and schedules a
// reconnect; the error is still returned to the caller. So does an error
// that leaves part of a reply unread, since the next response would be
// decoded from the middle of it. There is no retry at this layer.
func (c *Conn) Exchange(fn func(s *Stream) error) error {
	c.mu.Lock()
	err := c.exchangeLocked(fn)
	c.mu.Unlock()

	if err != nil && IsComm(err) && c.onFailure != nil {
		c.onFailure(err)
	}
	return err
}

func (c *Conn) exchangeLocked(fn func(s *Stream) error) error {
	switch c.State() {
	case StateShuttingDown:
		return ErrShuttingDown
	case StateConnected:
	default:
		return fmt.Errorf("%s: %w", c.opts.Name, ErrNotConnected)
	}
	if c.nc == nil {
		return fmt.Errorf("%s: %w", c.opts.Name, ErrNotConnected)
	}

	c.busy.Store(true)
	defer c.busy.Store(false)

	st := &Stream{c: c}
	err := fn(st)
	if err != nil {
		// An oversize length prefix leaves its body on the socket.
		if errors.Is(err, protocol.ErrMessageTooLarge) {
			err = st.framingErr(err)
		}
		if IsComm(err) {
			c.failLocked(err)
		}
		return err
	}
	c.touch()
	return nil
}

// failLocked drops the socket after a transport failure.
func (c *Conn) failLocked(err error) {
	c.closeLocked(false)
	if c.transition(StateDisconnected) {
		c.log.Warn("connection lost", "err", err)
	}
}

// closeLocked releases the socket. With courtesy set it first sends a
// best-effort DISCONNECT; failures are ignored.
func (c *Conn) closeLocked(courtesy bool) error {
	if c.nc == nil {
		return nil
	}
	if courtesy {
		c.nc.SetWriteDeadline(time.Now().Add(courtesyTimeout))
		c.bw.Reset(c.nc)
		protocol.WriteCommand(c.bw, protocol.CmdDisconnect, nil) // best-effort
		c.bw.Flush()
	}
	err := c.nc.Close()
	c.sock.Store(nil)
	c.nc = nil
	c.br = nil
	c.bw = nil
	return err
}

// beginShutdown marks the connection as shutting down so no further
// reconnects happen.
func (c *Conn) beginShutdown() {
	c.state.Store(int32(StateShuttingDown))
}

// Close sends the courtesy disconnect and releases the socket. It waits a
// bounded time for an in-flight exchange; after that the socket is closed
// underneath it, which is the only way to abort a blocked read. Close is
// final.
func (c *Conn) Close() error {
	c.beginShutdown()

	locked := make(chan struct{})
	go func() {
		c.mu.Lock()
		close(locked)
	}()

	select {
	case <-locked:
		err := c.closeLocked(true)
		c.mu.Unlock()
		c.log.Info("closed")
		return err
	case <-time.After(closeWait):
		if nc := c.sock.Load(); nc != nil {
			nc.Close()
		}
		<-locked
		c.closeLocked(false)
		c.mu.Unlock()
		c.log.Warn("closed with exchange in flight")
		return nil
	}
}

// --- Stream ---

// Stream is the exclusive view of a connection handed to an exchange.
// Writes are buffered until Flush; every read is bounded by the active
// read timeout. I/O errors come back as *CommError.
type Stream struct {
	c *Conn
}

var _ io.ReadWriter = (*Stream)(nil)

// Write buffers p.
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.c.bw.Write(p)
	if err != nil {
		return n, s.commErr("write", err)
	}
	return n, nil
}

// Flush sends buffered writes.
func (s *Stream) Flush() error {
	s.c.nc.SetWriteDeadline(time.Now().Add(s.ReadTimeout()))
	if err := s.c.bw.Flush(); err != nil {
		return s.commErr("write", err)
	}
	return nil
}

// Read reads with the active per-read timeout.
func (s *Stream) Read(p []byte) (int, error) {
	if d := s.ReadTimeout(); d > 0 {
		s.c.nc.SetReadDeadline(time.Now().Add(d))
	}
	n, err := s.c.br.Read(p)
	if err != nil {
		return n, s.commErr("read", err)
	}
	return n, nil
}

// ReadFull reads exactly n bytes.
func (s *Stream) ReadFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetReadTimeout raises (or lowers) the per-read timeout for the rest of
// the exchange. The returned func restores the previous value and must be
// deferred.
func (s *Stream) SetReadTimeout(d time.Duration) (restore func()) {
	prev := s.c.readTimeout.Swap(int64(d))
	return func() { s.c.readTimeout.Store(prev) }
}

// ReadTimeout returns the active per-read timeout.
func (s *Stream) ReadTimeout() time.Duration {
	return time.Duration(s.c.readTimeout.Load())
}

func (s *Stream) commErr(op string, err error) error {
	if IsComm(err) {
		return err
	}
	return &CommError{Channel: s.c.opts.Name, Op: op, Err: err}
}

// framingErr marks err as having lost the response boundary. The wrapped
// error still matches protocol.ErrProtocol or ErrMessageTooLarge.
func (s *Stream) framingErr(err error) error {
	if err == nil {
		return nil
	}
	return s.commErr("framing", err)
}
