// Package scopesim is an in-process microscope command server speaking the
// scopelink wire contract. It backs the tests of every package and the
// `scopectl sim` stand-in server.
package scopesim

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/chronologos/scopelink/internal/protocol"
)

// Config holds simulator configuration. Zero values get defaults.
type Config struct {
	Addr string // listen address, default 127.0.0.1:0

	// HandshakeStatus is the CONFIG response: protocol.ConfigOK (default),
	// protocol.ConfigFail or protocol.ConfigBlocked.
	HandshakeStatus  string
	HandshakeMessage string

	FOVWidth, FOVHeight float64 // microns, default 1000 x 750
	ZMin, ZMax          float64 // MOVEZ outside this range is a safety violation
	FrameWidth          uint32  // default 64
	FrameHeight         uint32  // default 48

	Acquisition AcquisitionScript
	Logger      *slog.Logger
}

func (c *Config) normalize() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:0"
	}
	if c.HandshakeStatus == "" {
		c.HandshakeStatus = protocol.ConfigOK
	}
	if c.FOVWidth == 0 {
		c.FOVWidth = 1000
	}
	if c.FOVHeight == 0 {
		c.FOVHeight = 750
	}
	if c.ZMin == 0 && c.ZMax == 0 {
		c.ZMin, c.ZMax = -10000, 10000
	}
	if c.FrameWidth == 0 {
		c.FrameWidth = 64
	}
	if c.FrameHeight == 0 {
		c.FrameHeight = 48
	}
	c.Acquisition.normalize()
}

// Handler serves one request. Returning an error closes the connection.
type Handler func(req *Request) error

// Server is a scripted command server.
type Server struct {
	cfg Config
	log *slog.Logger

	// Ready is closed after the listener is bound; Addr is valid from then.
	Ready chan struct{}

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	handlers map[protocol.Command]Handler
	counts   map[protocol.Command]int
	accepted int
	stage    stage
	acq      *acquisition
	faults   map[protocol.Command]string
	closed   bool

	closeOnce sync.Once
}

type stage struct {
	x, y, z, r float64
}

// New creates a server but does not start it. Call Run to begin, or
// Start to listen and serve in the background.
func New(cfg Config) *Server {
	cfg.normalize()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		cfg:      cfg,
		log:      logger.With("component", "scopesim"),
		Ready:    make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		handlers: make(map[protocol.Command]Handler),
		counts:   make(map[protocol.Command]int),
		faults:   make(map[protocol.Command]string),
		acq:      newAcquisition(cfg.Acquisition),
	}
	s.registerDefaults()
	return s
}

// Start binds the listener and serves in the background until Close.
func Start(cfg Config) (*Server, error) {
	s := New(cfg)
	if err := s.listen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return s, nil
}

// Run listens and serves until ctx is cancelled, Close is called or a
// client sends SHUTDOWN.
func (s *Server) Run(ctx context.Context) error {
	if err := s.listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.Close()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	<-ctx.Done()
	return nil
}

func (s *Server) listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	close(s.Ready)
	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handle replaces the handler for cmd.
func (s *Server) Handle(cmd protocol.Command, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// InjectHardwareError makes every following cmd answer with a HW_ERROR
// sentinel carrying msg. An empty msg clears the fault.
func (s *Server) InjectHardwareError(cmd protocol.Command, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.faults, cmd)
		return
	}
	s.faults[cmd] = msg
}

// Count returns how many times cmd was received.
func (s *Server) Count(cmd protocol.Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[cmd]
}

// Accepted returns the number of connections that completed a handshake.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every client connection without stopping the
// listener, simulating a network interruption.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		nc.Close()
	}
}

// Close stops the listener, drops every connection and waits for the
// connection goroutines.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.ln != nil {
			s.ln.Close()
		}
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.DropConnections()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept", "err", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns[nc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, nc)
				s.mu.Unlock()
				nc.Close()
			}()
			if err := s.serveConn(nc); err != nil && !isClosed(err) {
				s.log.Debug("connection ended", "remote", nc.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

func (s *Server) serveConn(nc net.Conn) error {
	rw := bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))

	if err := s.handshake(rw); err != nil {
		return err
	}

	for {
		var tok [protocol.TokenSize]byte
		if _, err := io.ReadFull(rw, tok[:]); err != nil {
			return err
		}
		cmd, err := protocol.DecodeCommand(tok[:])
		if err != nil {
			return err
		}

		req := &Request{Cmd: cmd, rw: rw}
		if cmd.FreeForm() {
			if req.Params, err = readUntilEnd(rw.Reader); err != nil {
				return err
			}
		} else if n := requestSize(cmd); n > 0 {
			req.Payload = make([]byte, n)
			if _, err := io.ReadFull(rw, req.Payload); err != nil {
				return err
			}
		}

		s.mu.Lock()
		s.counts[cmd]++
		h := s.handlers[cmd]
		fault, faulted := s.faults[cmd]
		s.mu.Unlock()

		switch {
		case cmd == protocol.CmdDisconnect:
			return nil
		case cmd == protocol.CmdShutdown:
			s.log.Info("shutdown requested")
			go s.Close()
			return nil
		case faulted:
			err = req.Sentinel(protocol.HardwareErrorPrefix, fault)
		case h == nil:
			return fmt.Errorf("no handler for %s", cmd)
		default:
			err = h(req)
		}
		if err != nil {
			return err
		}
		if err := rw.Flush(); err != nil {
			return err
		}
	}
}

func (s *Server) handshake(rw *bufio.ReadWriter) error {
	var tok [protocol.TokenSize]byte
	if _, err := io.ReadFull(rw, tok[:]); err != nil {
		return err
	}
	cmd, err := protocol.DecodeCommand(tok[:])
	if err != nil {
		return err
	}
	if cmd != protocol.CmdConfig {
		return fmt.Errorf("expected CONFIG, got %s", cmd)
	}
	path, err := protocol.ReadString(rw)
	if err != nil {
		return err
	}

	s.mu.Lock()
	status, msg := s.cfg.HandshakeStatus, s.cfg.HandshakeMessage
	s.mu.Unlock()

	rw.WriteString(status)
	if status != protocol.ConfigOK {
		protocol.WriteString(rw, msg)
		rw.Flush()
		return fmt.Errorf("handshake rejected (%s) for %q", status, path)
	}
	s.mu.Lock()
	s.accepted++
	s.mu.Unlock()
	if err := rw.Flush(); err != nil {
		return err
	}
	s.log.Debug("client configured", "path", path)
	return nil
}

// SetHandshake changes the CONFIG response for later connections.
func (s *Server) SetHandshake(status, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.HandshakeStatus = status
	s.cfg.HandshakeMessage = msg
}

// requestSize is the fixed binary payload that follows a command token.
func requestSize(cmd protocol.Command) int {
	switch cmd {
	case protocol.CmdMove:
		return protocol.XYSize
	case protocol.CmdMoveZ, protocol.CmdMoveR:
		return protocol.ScalarSize
	default:
		return 0
	}
}

func readUntilEnd(r *bufio.Reader) (string, error) {
	var buf bytes.Buffer
	end := []byte(protocol.EndMarker)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), end) {
			return string(buf.Bytes()[:buf.Len()-len(end)]), nil
		}
		if buf.Len() > protocol.MaxMessageSize {
			return "", protocol.ErrMessageTooLarge
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Request is one decoded client request. Handlers answer through it.
type Request struct {
	Cmd     protocol.Command
	Payload []byte // fixed binary payload
	Params  string // free-form parameter string

	rw *bufio.ReadWriter
}

// Write writes raw response bytes.
func (r *Request) Write(p []byte) error {
	_, err := r.rw.Write(p)
	return err
}

// WriteString writes a u32 length-prefixed string.
func (r *Request) WriteString(s string) error {
	return protocol.WriteString(r.rw, s)
}

// Ack writes ACK_____.
func (r *Request) Ack() error {
	_, err := r.rw.WriteString(protocol.AckOK)
	return err
}

// Sentinel writes an error sentinel and its message.
func (r *Request) Sentinel(prefix, msg string) error {
	return protocol.WriteSentinel(r.rw, prefix, msg)
}

// Envelope writes and flushes one framed envelope.
func (r *Request) Envelope(kind protocol.EnvelopeKind, payload string) error {
	if err := protocol.WriteEnvelope(r.rw, kind, payload); err != nil {
		return err
	}
	return r.rw.Flush()
}

// Progress writes a PROGRESS envelope.
func (r *Request) Progress(cur, total int, msg string) error {
	return r.Envelope(protocol.EnvProgress, protocol.FormatProgress(protocol.Progress{Current: cur, Total: total}, msg))
}

// StageMove asks the client to confirm a stage move and reports whether
// it answered CONTINUE.
func (r *Request) StageMove(msg string) (bool, error) {
	if err := r.Envelope(protocol.EnvStageMove, msg); err != nil {
		return false, err
	}
	reply := make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(r.rw, reply); err != nil {
		return false, err
	}
	return string(reply) == protocol.StageMoveProceed, nil
}

// Param returns a free-form parameter value.
func (r *Request) Param(key string) (string, bool) {
	v, ok := protocol.ParseParams(r.Params)[key]
	return v, ok
}

// Flush sends buffered response bytes.
func (r *Request) Flush() error {
	return r.rw.Flush()
}
