package link

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

// StreamHandlers receives the intermediate envelopes of a free-form call.
// Handlers run on the calling goroutine while the connection is held.
type StreamHandlers struct {
	OnStarted  func(msg string)
	OnProgress func(p protocol.Progress, msg string)
	// OnStageMove decides whether the server may move the stage. A nil
	// handler answers ABORT.
	OnStageMove func(msg string) bool
}

// Exec sends cmd with an optional fixed payload and reads a fixed-length
// response. respLen 0 is fire-and-forget.
func (c *Conn) Exec(cmd protocol.Command, payload []byte, respLen int) ([]byte, error) {
	var resp []byte
	err := c.Exchange(func(s *Stream) error {
		var err error
		resp, err = s.Exec(cmd, payload, respLen)
		return err
	})
	return resp, err
}

// ExecStreamed sends cmd and reads a fixed header followed by a u32
// length-prefixed body of at most limit bytes.
func (c *Conn) ExecStreamed(cmd protocol.Command, payload []byte, headerLen, limit int) (header, body []byte, err error) {
	err = c.Exchange(func(s *Stream) error {
		var err error
		header, err = s.Exec(cmd, payload, headerLen)
		if err != nil {
			return err
		}
		body, err = s.ReadBlob(limit)
		return err
	})
	return header, body, err
}

// ExecFreeForm sends a free-form request and reads a fixed-length textual
// acknowledgment instead of an envelope stream.
func (c *Conn) ExecFreeForm(cmd protocol.Command, params string, ackLen int) ([]byte, error) {
	var resp []byte
	err := c.Exchange(func(s *Stream) error {
		if err := protocol.WriteFreeForm(s, cmd, params); err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
		var err error
		resp, err = s.readResponse(ackLen)
		return err
	})
	return resp, err
}

// Call runs a long free-form RPC: parameters and END marker out, then
// STARTED / PROGRESS / STAGEMOVE envelopes until exactly one SUCCESS or
// FAILED. The per-read timeout is raised to the command's ceiling for the
// duration of the call.
func (c *Conn) Call(cmd protocol.Command, params string, h StreamHandlers) (string, error) {
	var result string
	err := c.Exchange(func(s *Stream) error {
		var err error
		result, err = s.Call(cmd, params, h)
		return err
	})
	return result, err
}

// ReadTimeout returns the connection's current per-read timeout. It does
// not wait for an exchange in flight.
func (c *Conn) ReadTimeout() time.Duration {
	return time.Duration(c.readTimeout.Load())
}

// Exec is the single-exchange form of Conn.Exec, for callers composing
// several reads under one hold of the connection.
func (s *Stream) Exec(cmd protocol.Command, payload []byte, respLen int) ([]byte, error) {
	if err := protocol.WriteCommand(s, cmd, payload); err != nil {
		return nil, err
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	if respLen == 0 {
		return nil, nil
	}
	return s.readResponse(respLen)
}

// readResponse reads a fixed-length response, diverting to the error
// sentinel path when the first bytes announce one. Long responses are read
// in two steps so a short sentinel message never stalls a read waiting
// for bytes the server will not send.
func (s *Stream) readResponse(n int) ([]byte, error) {
	first := min(n, protocol.TokenSize)
	head, err := s.ReadFull(first)
	if err != nil {
		return nil, err
	}
	if protocol.IsErrorSentinel(head) {
		return nil, protocol.ReadSentinelError(s, head)
	}
	if n == first {
		return head, nil
	}
	rest, err := s.ReadFull(n - first)
	if err != nil {
		return nil, err
	}
	return append(head, rest...), nil
}

// ReadBlob reads a u32 length-prefixed body of at most limit bytes.
func (s *Stream) ReadBlob(limit int) ([]byte, error) {
	hdr, err := s.ReadFull(protocol.LengthSize)
	if err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr)
	if int64(n) > int64(limit) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", protocol.ErrMessageTooLarge, n, limit)
	}
	if n == 0 {
		return nil, nil
	}
	return s.ReadFull(int(n))
}

// ReadString reads a u32 length-prefixed string.
func (s *Stream) ReadString() (string, error) {
	return protocol.ReadString(s)
}

// Call is the single-exchange form of Conn.Call.
func (s *Stream) Call(cmd protocol.Command, params string, h StreamHandlers) (string, error) {
	if !cmd.FreeForm() {
		return "", fmt.Errorf("%w: %s is not a free-form command", protocol.ErrProtocol, cmd)
	}
	restore := s.SetReadTimeout(protocol.FreeFormTimeout(cmd))
	defer restore()

	if err := protocol.WriteFreeForm(s, cmd, params); err != nil {
		return "", err
	}
	if err := s.Flush(); err != nil {
		return "", err
	}

	for {
		env, err := protocol.ReadEnvelope(s)
		if err != nil {
			// The rest of the stream is still on the socket.
			return "", s.framingErr(err)
		}
		switch env.Kind {
		case protocol.EnvStarted:
			if h.OnStarted != nil {
				h.OnStarted(env.Payload)
			}
		case protocol.EnvProgress:
			if h.OnProgress != nil {
				h.OnProgress(env.Progress, env.Payload)
			}
		case protocol.EnvStageMove:
			reply := protocol.StageMoveAbort
			if h.OnStageMove != nil && h.OnStageMove(env.Payload) {
				reply = protocol.StageMoveProceed
			}
			if _, err := s.Write([]byte(reply)); err != nil {
				return "", err
			}
			if err := s.Flush(); err != nil {
				return "", err
			}
		case protocol.EnvSuccess:
			return env.Payload, nil
		case protocol.EnvFailed:
			return "", remoteFailure(cmd, env.Payload)
		}
	}
}
