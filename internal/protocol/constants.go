package protocol

import "time"

// Wire format version.
const Version = 1

// TokenSize is the length of every command token and every short textual
// response word (ack, handshake result, stage-move reply).
const TokenSize = 8

// Maximum length-prefixed string or envelope (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

// Maximum live frame payload (256 MB, a 16-bit 8k x 8k RGB frame fits).
const MaxFrameSize = 256 * 1024 * 1024

// Fixed response sizes.
const (
	XYSize          = 8  // f32 x + f32 y
	ScalarSize      = 4  // f32
	FOVSize         = 8  // f32 width + f32 height (microns)
	ProgressSize    = 8  // i32 current + i32 total
	StatusSize      = 16 // padded state word
	AckSize         = 8  // ACK_____ or an error sentinel
	ManualFocusSize = 8  // IDLE____ or MANF + i32 retries
	AcquireAckSize  = 16 // STARTED...
	FrameHeaderSize = 16 // u32 width, height, channels, bit depth
	LengthSize      = 4  // u32 length prefix
)

// Handshake results.
const (
	ConfigOK      = "CFG___OK"
	ConfigFail    = "CFG_FAIL"
	ConfigBlocked = "CFG_BLCK"
)

// Short textual words exchanged on fixed-binary RPCs.
const (
	AckOK            = "ACK_____"
	ManualFocusIdle  = "IDLE____"
	ManualFocusTag   = "MANF"
	StageMoveProceed = "CONTINUE"
	StageMoveAbort   = "ABORT___"
	EndMarker        = "ENDOFSTR"
)

// Error sentinel prefixes. A sentinel occupies the first 8 bytes of a
// response and is followed by a u32 length + UTF-8 message.
const (
	HardwareErrorPrefix    = "HW_ERROR"
	HardwareErrorAltPrefix = "HWERR"
	SafetyPrefix           = "SAFETY"
)

// Read ceilings for long-running free-form RPCs. The per-read timeout is
// raised to this value for the duration of the call.
var freeFormTimeouts = map[Command]time.Duration{
	CmdAcquire:        2 * time.Minute,
	CmdBackground:     10 * time.Minute,
	CmdTestAutofocus:  2 * time.Minute,
	CmdTestAdaptiveAF: 3 * time.Minute,
	CmdAFBenchmark:    90 * time.Minute,
	CmdPolarizerCal:   30 * time.Minute,
	CmdBirefringence:  60 * time.Minute,
	CmdWhiteBalance:   5 * time.Minute,
	CmdWhiteBalancePP: 15 * time.Minute,
	CmdSunburstCal:    10 * time.Minute,
}

// FreeFormTimeout returns the read ceiling for a free-form command, or 0 if
// cmd is a fixed-binary RPC.
func FreeFormTimeout(cmd Command) time.Duration {
	return freeFormTimeouts[cmd]
}
