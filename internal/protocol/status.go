package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// AcquisitionState is the server-reported acquisition lifecycle state.
type AcquisitionState int

const (
	StateIdle AcquisitionState = iota
	StateRunning
	StateCancelling
	StateCancelled
	StateCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:       "IDLE",
	StateRunning:    "RUNNING",
	StateCancelling: "CANCELLING",
	StateCancelled:  "CANCELLED",
	StateCompleted:  "COMPLETED",
	StateFailed:     "FAILED",
}

func (s AcquisitionState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("AcquisitionState(%d)", int(s))
}

// Terminal reports whether no further transitions follow s.
func (s AcquisitionState) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// ParseState parses a raw state name. Matching ignores case and padding.
func ParseState(name string) (AcquisitionState, error) {
	name = strings.ToUpper(trimWord(name))
	for i, n := range stateNames {
		if n == name {
			return AcquisitionState(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown acquisition state %q", ErrProtocol, name)
}

// Progress is a (current, total) pair reported by PROGRESS.
// (-1, -1) means the server is busy without countable progress yet.
type Progress struct {
	Current int
	Total   int
}

// Busy reports the "no countable progress yet" signal.
func (p Progress) Busy() bool {
	return p.Current == -1 && p.Total == -1
}

func (p Progress) String() string {
	if p.Busy() {
		return "busy"
	}
	return fmt.Sprintf("%d/%d", p.Current, p.Total)
}

// StatusReport is the decoded STATUS response.
type StatusReport struct {
	State     AcquisitionState
	Reason    string  // set for StateFailed
	FinalZ    float64 // valid when HasFinalZ
	HasFinalZ bool
}

// ParseStatus decodes a full status string: a raw state name,
// "COMPLETED" optionally followed by "|final_z:<float>", or
// "FAILED:<reason>".
func ParseStatus(s string) (StatusReport, error) {
	s = trimWord(s)
	upper := strings.ToUpper(s)

	switch {
	case strings.HasPrefix(upper, "FAILED"):
		reason := strings.TrimSpace(strings.TrimPrefix(s[len("FAILED"):], ":"))
		return StatusReport{State: StateFailed, Reason: reason}, nil

	case strings.HasPrefix(upper, "COMPLETED"):
		rep := StatusReport{State: StateCompleted}
		for _, part := range strings.Split(s, "|")[1:] {
			key, val, ok := strings.Cut(part, ":")
			if !ok || strings.TrimSpace(key) != "final_z" {
				continue
			}
			z, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				continue
			}
			rep.FinalZ = z
			rep.HasFinalZ = true
		}
		return rep, nil
	}

	state, err := ParseState(s)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{State: state}, nil
}

// ManualFocusRequest is a pending server-side pause awaiting a user
// decision during autofocus.
type ManualFocusRequest struct {
	RetriesRemaining int
}

// trimWord strips the padding used by fixed-width textual responses.
func trimWord(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "_\x00 "))
}
