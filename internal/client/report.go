package client

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chronologos/scopelink/internal/version"
)

// Report is a diagnostic snapshot of the client, printed by
// `scopectl status`.
type Report struct {
	Timestamp   string          `json:"timestamp"`
	Commit      string          `json:"commit"`
	Addr        string          `json:"addr"`
	Channels    []channelReport `json:"channels"`
	LastFailure string          `json:"last_failure,omitempty"`
	LastFinalZ  *float64        `json:"last_final_z,omitempty"`
}

type channelReport struct {
	Name              string  `json:"name"`
	State             string  `json:"state"`
	Busy              bool    `json:"busy"`
	IdleMs            float64 `json:"idle_ms"`
	Reconnecting      bool    `json:"reconnecting"`
	ReconnectAttempts int     `json:"reconnect_attempts"`
	ReconnectFailures int     `json:"reconnect_failures"`
	LastError         string  `json:"last_error,omitempty"`
}

// Report builds a snapshot of both channels and the shared results.
func (c *Client) Report() Report {
	now := time.Now()
	r := Report{
		Timestamp:   now.UTC().Format(time.RFC3339),
		Commit:      version.Commit,
		Addr:        c.cfg.Addr,
		LastFailure: c.LastFailure(),
	}
	if z, ok := c.LastFinalZ(); ok {
		r.LastFinalZ = &z
	}
	for _, st := range c.Stats() {
		cr := channelReport{
			Name:              st.Channel.String(),
			State:             st.State.String(),
			Busy:              st.Busy,
			Reconnecting:      st.Reconnecting,
			ReconnectAttempts: st.ReconnectAttempts,
			ReconnectFailures: st.ReconnectFailures,
		}
		if !st.LastActivity.IsZero() {
			cr.IdleMs = msFloat(now.Sub(st.LastActivity))
		}
		if st.LastError != nil {
			cr.LastError = st.LastError.Error()
		}
		r.Channels = append(r.Channels, cr)
	}
	return r
}

// WriteText renders the report for a terminal.
func (r Report) WriteText(w io.Writer) {
	fmt.Fprintf(w, "server %s (client %s)\n", r.Addr, r.Commit)
	for _, ch := range r.Channels {
		fmt.Fprintf(w, "  %-9s %-13s idle=%s reconnects=%d/%d",
			ch.Name, ch.State, formatMs(ch.IdleMs), ch.ReconnectAttempts, ch.ReconnectFailures)
		if ch.Busy {
			fmt.Fprint(w, " busy")
		}
		if ch.Reconnecting {
			fmt.Fprint(w, " reconnecting")
		}
		if ch.LastError != "" {
			fmt.Fprintf(w, " last_err=%q", ch.LastError)
		}
		fmt.Fprintln(w)
	}
	if r.LastFailure != "" {
		fmt.Fprintf(w, "last failure: %s\n", r.LastFailure)
	}
	if r.LastFinalZ != nil {
		fmt.Fprintf(w, "last final z: %.2f\n", *r.LastFinalZ)
	}
}

// WriteJSON renders the report as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// msFloat converts a Duration to milliseconds as float64.
func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatMs formats milliseconds with one decimal, or "-" for never.
func formatMs(ms float64) string {
	if ms == 0 {
		return "-"
	}
	if ms >= 1000 {
		return fmt.Sprintf("%.1fs", ms/1000)
	}
	return fmt.Sprintf("%.1fms", ms)
}
