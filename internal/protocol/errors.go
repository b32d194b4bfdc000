package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol        = errors.New("protocol violation")
	ErrUnknownCommand  = errors.New("unknown command token")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
	ErrShortPayload    = errors.New("payload too short for response type")
)

// HardwareError is reported by the server when the instrument itself
// failed (HW_ERROR / HWERR sentinels). Callers use it to show
// instrument-specific guidance instead of a generic communication error.
type HardwareError struct {
	Sentinel string
	Message  string
}

func (e *HardwareError) Error() string {
	if e.Message == "" {
		return "hardware error"
	}
	return "hardware error: " + e.Message
}

// SafetyError is an explicit server rejection for safety reasons. It is
// always fatal to the current operation and never retried.
type SafetyError struct {
	Message string
}

func (e *SafetyError) Error() string {
	return "safety violation: " + e.Message
}

// ConfigError is a rejected CONFIG handshake. Blocked is set when another
// client already holds the server's configuration.
type ConfigError struct {
	Status  string
	Message string
	Blocked bool
}

func (e *ConfigError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("server configuration blocked: %s", e.Message)
	}
	return fmt.Sprintf("server configuration failed (%s): %s", e.Status, e.Message)
}

// IsHardware reports whether err is, or wraps, a HardwareError.
func IsHardware(err error) bool {
	var hw *HardwareError
	return errors.As(err, &hw)
}

// IsSafety reports whether err is, or wraps, a SafetyError.
func IsSafety(err error) bool {
	var se *SafetyError
	return errors.As(err, &se)
}
