package client

import (
	"context"
	"fmt"

	"github.com/chronologos/scopelink/internal/protocol"
)

// Positions travel as float32; values read back may differ from the
// float64 that was sent by float32 rounding.

// GetStageXY returns the stage position in microns.
func (c *Client) GetStageXY(ctx context.Context) (x, y float64, err error) {
	conn, err := c.auxiliary(ctx)
	if err != nil {
		return 0, 0, err
	}
	resp, err := conn.Exec(protocol.CmdGetXY, nil, protocol.XYSize)
	if err != nil {
		return 0, 0, fmt.Errorf("get stage XY: %w", err)
	}
	return protocol.DecodeXY(resp)
}

// GetStageZ returns the focus position in microns.
func (c *Client) GetStageZ(ctx context.Context) (float64, error) {
	return c.getScalar(ctx, protocol.CmdGetZ)
}

// GetStageR returns the rotation stage angle in degrees.
func (c *Client) GetStageR(ctx context.Context) (float64, error) {
	return c.getScalar(ctx, protocol.CmdGetR)
}

func (c *Client) getScalar(ctx context.Context, cmd protocol.Command) (float64, error) {
	conn, err := c.auxiliary(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := conn.Exec(cmd, nil, protocol.ScalarSize)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	return protocol.DecodeFloat(resp)
}

// MoveStageXY moves the XY stage and waits for the server's ack.
func (c *Client) MoveStageXY(ctx context.Context, x, y float64) error {
	return c.move(ctx, protocol.CmdMove, protocol.EncodeXY(x, y))
}

// MoveStageZ moves the focus drive.
func (c *Client) MoveStageZ(ctx context.Context, z float64) error {
	return c.move(ctx, protocol.CmdMoveZ, protocol.EncodeFloat(z))
}

// MoveStageR rotates the polarizer stage.
func (c *Client) MoveStageR(ctx context.Context, angle float64) error {
	return c.move(ctx, protocol.CmdMoveR, protocol.EncodeFloat(angle))
}

func (c *Client) move(ctx context.Context, cmd protocol.Command, payload []byte) error {
	conn, err := c.auxiliary(ctx)
	if err != nil {
		return err
	}
	resp, err := conn.Exec(cmd, payload, protocol.AckSize)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return protocol.CheckAck(resp)
}

// GetFOV returns the camera field of view in microns.
func (c *Client) GetFOV(ctx context.Context) (width, height float64, err error) {
	conn, err := c.auxiliary(ctx)
	if err != nil {
		return 0, 0, err
	}
	resp, err := conn.Exec(protocol.CmdGetFOV, nil, protocol.FOVSize)
	if err != nil {
		return 0, 0, fmt.Errorf("get FOV: %w", err)
	}
	return protocol.DecodeXY(resp)
}

// Frame is one live camera frame.
type Frame struct {
	protocol.FrameHeader
	Pixels []byte
}

// GetFrame grabs a live frame on the auxiliary channel.
func (c *Client) GetFrame(ctx context.Context) (Frame, error) {
	conn, err := c.auxiliary(ctx)
	if err != nil {
		return Frame{}, err
	}
	hdr, pix, err := conn.ExecStreamed(protocol.CmdGetFrame, nil, protocol.FrameHeaderSize, protocol.MaxFrameSize)
	if err != nil {
		return Frame{}, fmt.Errorf("get frame: %w", err)
	}
	h, err := protocol.DecodeFrameHeader(hdr)
	if err != nil {
		return Frame{}, err
	}
	if want := int(h.Width) * int(h.Height) * int(h.Channels) * int((h.BitDepth+7)/8); want != len(pix) {
		return Frame{}, fmt.Errorf("%w: frame %dx%dx%d@%d has %d bytes, want %d",
			protocol.ErrProtocol, h.Width, h.Height, h.Channels, h.BitDepth, len(pix), want)
	}
	return Frame{FrameHeader: h, Pixels: pix}, nil
}
