package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/chronologos/scopelink/internal/link"
	"github.com/chronologos/scopelink/internal/protocol"
)

// AcquisitionRequest describes one tiled acquisition.
type AcquisitionRequest struct {
	ConfigPath  string    // --yaml
	ProjectsDir string    // --projects
	Sample      string    // --sample
	ScanType    string    // --scan-type
	Region      string    // --region
	Angles      []float64 // --angles, polarizer angles in degrees
	Exposures   []float64 // --exposures, ms per angle
	Autofocus   bool      // --autofocus
}

// Params renders the free-form parameter string.
func (r AcquisitionRequest) Params() *protocol.Params {
	return protocol.NewParams().
		Set("yaml", r.ConfigPath).
		Set("projects", r.ProjectsDir).
		Set("sample", r.Sample).
		Set("scan-type", r.ScanType).
		Set("region", r.Region).
		Floats("angles", r.Angles).
		Floats("exposures", r.Exposures).
		Flag("autofocus", r.Autofocus)
}

// StartAcquisition starts an acquisition and returns once the server
// acknowledged it. Progress is observed by polling Status and Progress.
func (c *Client) StartAcquisition(ctx context.Context, req AcquisitionRequest) error {
	conn, err := c.primary(ctx)
	if err != nil {
		return err
	}
	params := req.Params().String()
	resp, err := conn.ExecFreeForm(protocol.CmdAcquire, params, protocol.AcquireAckSize)
	if err != nil {
		return fmt.Errorf("start acquisition: %w", err)
	}
	ack := strings.TrimRight(string(resp), "_\x00 ")
	if !strings.HasPrefix(ack, "STARTED") {
		return fmt.Errorf("%w: acquisition not started: %q", protocol.ErrProtocol, ack)
	}
	c.log.Info("acquisition started", "region", req.Region, "angles", len(req.Angles))
	return nil
}

// Status queries the acquisition state. A FAILED report records its reason
// as the last failure; any other report clears it. A COMPLETED report with
// a final Z records it.
func (c *Client) Status(ctx context.Context) (protocol.StatusReport, error) {
	conn, err := c.primary(ctx)
	if err != nil {
		return protocol.StatusReport{}, err
	}

	var rep protocol.StatusReport
	err = conn.Exchange(func(s *link.Stream) error {
		word, err := s.Exec(protocol.CmdStatus, nil, protocol.StatusSize)
		if err != nil {
			return err
		}
		text, err := protocol.ReadStatusText(s, word)
		if err != nil {
			return err
		}
		rep, err = protocol.ParseStatus(text)
		return err
	})
	if err != nil {
		return protocol.StatusReport{}, fmt.Errorf("status: %w", err)
	}

	if rep.State == protocol.StateFailed {
		reason := rep.Reason
		if reason == "" {
			reason = "acquisition failed"
		}
		c.setLastFailure(reason)
	} else {
		c.ClearLastFailure()
	}
	if rep.State == protocol.StateCompleted && rep.HasFinalZ {
		c.setLastFinalZ(rep.FinalZ)
	}
	return rep, nil
}

// Progress returns (current, total). (-1, -1) means the server is busy
// without countable progress.
func (c *Client) Progress(ctx context.Context) (protocol.Progress, error) {
	conn, err := c.primary(ctx)
	if err != nil {
		return protocol.Progress{}, err
	}
	resp, err := conn.Exec(protocol.CmdProgress, nil, protocol.ProgressSize)
	if err != nil {
		return protocol.Progress{}, fmt.Errorf("progress: %w", err)
	}
	return protocol.DecodeProgress(resp)
}

// Cancel asks the server to cancel the running acquisition. The server
// moves to CANCELLING and then CANCELLED; poll Status to observe it.
func (c *Client) Cancel(ctx context.Context) error {
	return c.primaryAck(ctx, protocol.CmdCancel)
}

// CheckManualFocus returns the pending manual focus request, or nil.
func (c *Client) CheckManualFocus(ctx context.Context) (*protocol.ManualFocusRequest, error) {
	conn, err := c.primary(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Exec(protocol.CmdReqManualFocus, nil, protocol.ManualFocusSize)
	if err != nil {
		return nil, fmt.Errorf("manual focus check: %w", err)
	}
	return protocol.DecodeManualFocus(resp)
}

// AcknowledgeManualFocus tells the server the operator refocused and
// autofocus should be retried.
func (c *Client) AcknowledgeManualFocus(ctx context.Context) error {
	return c.primaryAck(ctx, protocol.CmdAckManualFocus)
}

// SkipAutofocus tells the server to continue with the current focus.
func (c *Client) SkipAutofocus(ctx context.Context) error {
	return c.primaryAck(ctx, protocol.CmdSkipAutofocus)
}

// Shutdown asks the server process to exit. No response is expected.
func (c *Client) Shutdown(ctx context.Context) error {
	conn, err := c.primary(ctx)
	if err != nil {
		return err
	}
	_, err = conn.Exec(protocol.CmdShutdown, nil, 0)
	return err
}

func (c *Client) primaryAck(ctx context.Context, cmd protocol.Command) error {
	conn, err := c.primary(ctx)
	if err != nil {
		return err
	}
	resp, err := conn.Exec(cmd, nil, protocol.AckSize)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return protocol.CheckAck(resp)
}
