package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// --- Encoding ---

// WriteCommand writes the 8-byte token for cmd followed by an optional
// fixed binary payload. Token and payload go out in a single Write so a
// latency-sensitive stage move is one segment.
func WriteCommand(w io.Writer, cmd Command, payload []byte) error {
	if !cmd.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	tok := cmd.Token()
	if len(payload) == 0 {
		_, err := w.Write(tok[:])
		return err
	}
	buf := make([]byte, 0, TokenSize+len(payload))
	buf = append(buf, tok[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// WriteFreeForm writes a free-form request: token, textual parameters and
// the EndMarker.
func WriteFreeForm(w io.Writer, cmd Command, params string) error {
	if !cmd.FreeForm() {
		return fmt.Errorf("%w: %s is not a free-form command", ErrProtocol, cmd)
	}
	tok := cmd.Token()
	var buf bytes.Buffer
	buf.Grow(TokenSize + len(params) + len(EndMarker))
	buf.Write(tok[:])
	buf.WriteString(params)
	buf.WriteString(EndMarker)
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteString writes a u32 big-endian length followed by the UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, LengthSize+len(s))
	binary.BigEndian.PutUint32(buf[:LengthSize], uint32(len(s)))
	copy(buf[LengthSize:], s)
	_, err := w.Write(buf)
	return err
}

// EncodeXY encodes a stage position as two big-endian float32 values.
// Callers must tolerate float32 rounding of the float64 inputs.
func EncodeXY(x, y float64) []byte {
	var b [XYSize]byte
	binary.BigEndian.PutUint32(b[0:4], math.Float32bits(float32(x)))
	binary.BigEndian.PutUint32(b[4:8], math.Float32bits(float32(y)))
	return b[:]
}

// EncodeFloat encodes a single big-endian float32.
func EncodeFloat(v float64) []byte {
	var b [ScalarSize]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(float32(v)))
	return b[:]
}

// EncodeProgress encodes a PROGRESS response.
func EncodeProgress(p Progress) []byte {
	var b [ProgressSize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(int32(p.Current)))
	binary.BigEndian.PutUint32(b[4:8], uint32(int32(p.Total)))
	return b[:]
}

// EncodeManualFocus encodes a REQMANF response. A nil request encodes the
// idle sentinel.
func EncodeManualFocus(req *ManualFocusRequest) []byte {
	if req == nil {
		return []byte(ManualFocusIdle)
	}
	var b [ManualFocusSize]byte
	copy(b[0:4], ManualFocusTag)
	binary.BigEndian.PutUint32(b[4:8], uint32(int32(req.RetriesRemaining)))
	return b[:]
}

// EncodeStatusWord pads a state name to the fixed STATUS width.
func EncodeStatusWord(state AcquisitionState) []byte {
	return PadWord(state.String(), StatusSize)
}

// PadWord right-pads s with underscores to n bytes, truncating if longer.
func PadWord(s string, n int) []byte {
	if len(s) >= n {
		return []byte(s[:n])
	}
	return []byte(s + strings.Repeat("_", n-len(s)))
}

// WriteSentinel writes an error sentinel (padded to 8 bytes) and its
// length-prefixed message.
func WriteSentinel(w io.Writer, prefix, msg string) error {
	if _, err := w.Write(PadWord(prefix, TokenSize)); err != nil {
		return err
	}
	return WriteString(w, msg)
}

// --- Decoding ---

// ReadString reads a u32 big-endian length followed by that many bytes.
func ReadString(r io.Reader) (string, error) {
	var hdr [LengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return "", ErrMessageTooLarge
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// DecodeXY decodes a GETXY response.
func DecodeXY(b []byte) (x, y float64, err error) {
	if len(b) < XYSize {
		return 0, 0, ErrShortPayload
	}
	x = float64(math.Float32frombits(binary.BigEndian.Uint32(b[0:4])))
	y = float64(math.Float32frombits(binary.BigEndian.Uint32(b[4:8])))
	return x, y, nil
}

// DecodeFloat decodes a single big-endian float32 response.
func DecodeFloat(b []byte) (float64, error) {
	if len(b) < ScalarSize {
		return 0, ErrShortPayload
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b[:4]))), nil
}

// DecodeProgress decodes a PROGRESS response.
func DecodeProgress(b []byte) (Progress, error) {
	if len(b) < ProgressSize {
		return Progress{}, ErrShortPayload
	}
	return Progress{
		Current: int(int32(binary.BigEndian.Uint32(b[0:4]))),
		Total:   int(int32(binary.BigEndian.Uint32(b[4:8]))),
	}, nil
}

// DecodeManualFocus decodes a REQMANF response. It returns nil when no
// manual focus decision is pending.
func DecodeManualFocus(b []byte) (*ManualFocusRequest, error) {
	if len(b) < ManualFocusSize {
		return nil, ErrShortPayload
	}
	if string(b[:ManualFocusSize]) == ManualFocusIdle {
		return nil, nil
	}
	if string(b[0:4]) != ManualFocusTag {
		return nil, fmt.Errorf("%w: unexpected manual focus response %q", ErrProtocol, b[:ManualFocusSize])
	}
	retries := int(int32(binary.BigEndian.Uint32(b[4:8])))
	if retries < 0 {
		retries = 0
	}
	return &ManualFocusRequest{RetriesRemaining: retries}, nil
}

// CheckAck validates an 8-byte ack word. Error sentinels must already
// have been handled by the caller (see IsErrorSentinel).
func CheckAck(b []byte) error {
	if len(b) < AckSize {
		return ErrShortPayload
	}
	if string(b[:AckSize]) != AckOK {
		return fmt.Errorf("%w: unexpected ack %q", ErrProtocol, b[:AckSize])
	}
	return nil
}

var sentinelPrefixes = []string{HardwareErrorPrefix, HardwareErrorAltPrefix, SafetyPrefix}

// IsErrorSentinel reports whether head begins an error sentinel. Responses
// shorter than a sentinel (4-byte scalars) match on their available bytes.
func IsErrorSentinel(head []byte) bool {
	for _, p := range sentinelPrefixes {
		n := min(len(head), len(p))
		if n >= 4 && string(head[:n]) == p[:n] {
			return true
		}
	}
	return false
}

// ReadSentinelError completes an error sentinel whose first bytes are in
// head and returns the typed error it carries. head may be shorter than a
// sentinel (the rest is read from r) or longer (the extra bytes are the
// start of the length-prefixed message).
func ReadSentinelError(r io.Reader, head []byte) error {
	word := make([]byte, 0, TokenSize)
	word = append(word, head[:min(len(head), TokenSize)]...)
	if len(word) < TokenSize {
		rest := make([]byte, TokenSize-len(word))
		if _, err := io.ReadFull(r, rest); err != nil {
			return err
		}
		word = append(word, rest...)
	}

	src := r
	if len(head) > TokenSize {
		src = io.MultiReader(bytes.NewReader(head[TokenSize:]), r)
	}
	msg, err := ReadString(src)
	if err != nil {
		return err
	}

	sentinel := trimWord(string(word))
	if strings.HasPrefix(sentinel, SafetyPrefix) {
		return &SafetyError{Message: msg}
	}
	return &HardwareError{Sentinel: sentinel, Message: msg}
}

// ReadStatusText turns a 16-byte STATUS word into the full status string.
// COMPLETED and FAILED are followed by a length-prefixed detail which is
// joined back as "COMPLETED|final_z:..." or "FAILED:<reason>".
func ReadStatusText(r io.Reader, word []byte) (string, error) {
	state := strings.ToUpper(trimWord(string(word)))
	switch state {
	case "COMPLETED", "FAILED":
	default:
		return state, nil
	}
	detail, err := ReadString(r)
	if err != nil {
		return "", err
	}
	if detail == "" {
		return state, nil
	}
	if state == "FAILED" {
		return state + ":" + detail, nil
	}
	return state + "|" + detail, nil
}

// ReadConfigResult classifies the 8-byte CONFIG handshake response. FAIL
// and BLOCKED results read their length-prefixed message from r.
func ReadConfigResult(r io.Reader, resp []byte) error {
	switch string(resp) {
	case ConfigOK:
		return nil
	case ConfigFail, ConfigBlocked:
		msg, err := ReadString(r)
		if err != nil {
			return fmt.Errorf("read handshake message: %w", err)
		}
		return &ConfigError{
			Status:  string(resp),
			Message: msg,
			Blocked: string(resp) == ConfigBlocked,
		}
	default:
		return fmt.Errorf("%w: unexpected handshake response %q", ErrProtocol, resp)
	}
}

// FrameHeader describes a live frame returned by GETFRAME.
type FrameHeader struct {
	Width    uint32
	Height   uint32
	Channels uint32
	BitDepth uint32
}

// EncodeFrameHeader encodes a GETFRAME header.
func EncodeFrameHeader(h FrameHeader) []byte {
	var b [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], h.Width)
	binary.BigEndian.PutUint32(b[4:8], h.Height)
	binary.BigEndian.PutUint32(b[8:12], h.Channels)
	binary.BigEndian.PutUint32(b[12:16], h.BitDepth)
	return b[:]
}

// DecodeFrameHeader decodes a GETFRAME header.
func DecodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, ErrShortPayload
	}
	return FrameHeader{
		Width:    binary.BigEndian.Uint32(b[0:4]),
		Height:   binary.BigEndian.Uint32(b[4:8]),
		Channels: binary.BigEndian.Uint32(b[8:12]),
		BitDepth: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
