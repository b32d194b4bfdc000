package link

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/chronologos/scopelink/internal/protocol"
)

// dialTCP connects to the command server and tunes the socket for small
// latency-sensitive exchanges.
func dialTCP(ctx context.Context, addr string, timeout time.Duration) (*net.TCPConn, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlivePeriod,
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP dial: %w", err)
	}

	tcpConn, ok := rawConn.(*net.TCPConn)
	if !ok {
		rawConn.Close()
		return nil, fmt.Errorf("TCP dial: unexpected conn type %T", rawConn)
	}
	tcpConn.SetKeepAlive(true)
	tcpConn.SetNoDelay(true) // stage moves are one small segment each
	return tcpConn, nil
}

// performHandshake sends CONFIG with the server-side configuration path and
// classifies the 8-byte result. The caller closes the socket on error.
func performHandshake(nc net.Conn, br *bufio.Reader, configPath string, timeout time.Duration) error {
	nc.SetDeadline(time.Now().Add(timeout))
	defer nc.SetDeadline(time.Time{})

	// Token and length-prefixed path go out as one write.
	var req bytes.Buffer
	tok := protocol.CmdConfig.Token()
	req.Write(tok[:])
	if err := protocol.WriteString(&req, configPath); err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if _, err := nc.Write(req.Bytes()); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	resp := make([]byte, protocol.TokenSize)
	if _, err := io.ReadFull(br, resp); err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	return protocol.ReadConfigResult(br, resp)
}
