package protocol

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// EnvelopeKind classifies a textual envelope in a free-form RPC stream.
type EnvelopeKind int

const (
	EnvStarted EnvelopeKind = iota + 1
	EnvProgress
	EnvStageMove
	EnvSuccess
	EnvFailed
)

func (k EnvelopeKind) String() string {
	switch k {
	case EnvStarted:
		return "STARTED"
	case EnvProgress:
		return "PROGRESS"
	case EnvStageMove:
		return "STAGEMOVE"
	case EnvSuccess:
		return "SUCCESS"
	case EnvFailed:
		return "FAILED"
	default:
		return "unknown"
	}
}

// Terminal reports whether the envelope ends a free-form exchange.
func (k EnvelopeKind) Terminal() bool {
	return k == EnvSuccess || k == EnvFailed
}

// Envelope is one decoded message of a free-form RPC response stream.
type Envelope struct {
	Kind     EnvelopeKind
	Payload  string   // text after the "KIND:" prefix
	Progress Progress // EnvProgress only
}

// ParseEnvelope classifies one envelope. Unknown prefixes are protocol
// violations.
func ParseEnvelope(s string) (Envelope, error) {
	kind, rest, _ := strings.Cut(s, ":")
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case "STARTED":
		return Envelope{Kind: EnvStarted, Payload: rest}, nil
	case "SUCCESS":
		return Envelope{Kind: EnvSuccess, Payload: rest}, nil
	case "FAILED":
		return Envelope{Kind: EnvFailed, Payload: rest}, nil
	case "STAGEMOVE":
		return Envelope{Kind: EnvStageMove, Payload: rest}, nil
	case "PROGRESS":
		// PROGRESS:<current>:<total>[:message]; the message may itself
		// contain colons.
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) < 2 {
			return Envelope{}, fmt.Errorf("%w: malformed progress %q", ErrProtocol, s)
		}
		cur, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		total, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err1 != nil || err2 != nil {
			return Envelope{}, fmt.Errorf("%w: malformed progress %q", ErrProtocol, s)
		}
		env := Envelope{Kind: EnvProgress, Progress: Progress{Current: cur, Total: total}}
		if len(parts) == 3 {
			env.Payload = parts[2]
		}
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("%w: unexpected envelope %q", ErrProtocol, truncate(s, 64))
	}
}

// ReadEnvelope reads one length-framed envelope and classifies it.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	s, err := ReadString(r)
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelope(s)
}

// WriteEnvelope frames one envelope (server side).
func WriteEnvelope(w io.Writer, kind EnvelopeKind, payload string) error {
	return WriteString(w, kind.String()+":"+payload)
}

// FormatProgress renders a PROGRESS envelope payload.
func FormatProgress(p Progress, msg string) string {
	s := strconv.Itoa(p.Current) + ":" + strconv.Itoa(p.Total)
	if msg != "" {
		s += ":" + msg
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
