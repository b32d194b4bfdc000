package link

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chronologos/scopelink/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrShuttingDown = errors.New("connection shutting down")
)

// CommError is a transport failure (refused, reset, timeout). Returning one
// from an exchange demotes the connection and schedules a reconnect.
type CommError struct {
	Channel string
	Op      string
	Err     error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *CommError) Unwrap() error { return e.Err }

// IsComm reports whether err is a communication failure.
func IsComm(err error) bool {
	var ce *CommError
	return errors.As(err, &ce)
}

// RemoteError is a FAILED envelope ending a free-form RPC.
type RemoteError struct {
	Command protocol.Command
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

// remoteFailure turns a FAILED payload into a typed error. Reasons that
// start with SAFETY are safety violations.
func remoteFailure(cmd protocol.Command, reason string) error {
	reason = strings.TrimSpace(reason)
	if len(reason) >= len(protocol.SafetyPrefix) && strings.EqualFold(reason[:len(protocol.SafetyPrefix)], protocol.SafetyPrefix) {
		msg := strings.TrimSpace(strings.TrimLeft(reason[len(protocol.SafetyPrefix):], ":"))
		return &protocol.SafetyError{Message: msg}
	}
	return &RemoteError{Command: cmd, Reason: reason}
}
