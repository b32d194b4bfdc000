package protocol

import "fmt"

// Command identifies a server operation. Each command maps to exactly one
// 8-byte wire token.
type Command uint8

const (
	CmdConfig Command = iota + 1
	CmdDisconnect
	CmdShutdown

	// Stage and optics (auxiliary channel)
	CmdGetXY
	CmdGetZ
	CmdGetR
	CmdGetFOV
	CmdMove
	CmdMoveZ
	CmdMoveR
	CmdGetFrame

	// Acquisition control (primary channel)
	CmdStatus
	CmdProgress
	CmdCancel
	CmdReqManualFocus
	CmdAckManualFocus
	CmdSkipAutofocus

	// Free-form RPCs (primary channel)
	CmdAcquire
	CmdBackground
	CmdTestAutofocus
	CmdTestAdaptiveAF
	CmdAFBenchmark
	CmdPolarizerCal
	CmdBirefringence
	CmdWhiteBalance
	CmdWhiteBalancePP
	CmdSunburstCal
)

// commandTable is the ordered (name, token) list. init verifies that every
// token is exactly TokenSize bytes and that tokens are disjoint.
var commandTable = []struct {
	cmd   Command
	name  string
	token string
}{
	{CmdConfig, "CONFIG", "config__"},
	{CmdDisconnect, "DISCONNECT", "quitclnt"},
	{CmdShutdown, "SHUTDOWN", "shutdown"},
	{CmdGetXY, "GETXY", "getxy___"},
	{CmdGetZ, "GETZ", "getz____"},
	{CmdGetR, "GETR", "getr____"},
	{CmdGetFOV, "GETFOV", "getfov__"},
	{CmdMove, "MOVE", "move____"},
	{CmdMoveZ, "MOVEZ", "move_z__"},
	{CmdMoveR, "MOVER", "move_r__"},
	{CmdGetFrame, "GETFRAME", "getframe"},
	{CmdStatus, "STATUS", "status__"},
	{CmdProgress, "PROGRESS", "progress"},
	{CmdCancel, "CANCEL", "cancel__"},
	{CmdReqManualFocus, "REQMANF", "reqmanf_"},
	{CmdAckManualFocus, "ACKMF", "ackmf___"},
	{CmdSkipAutofocus, "SKIPAF", "skipaf__"},
	{CmdAcquire, "ACQUIRE", "acquire_"},
	{CmdBackground, "BGACQUIRE", "bgacquir"},
	{CmdTestAutofocus, "TESTAF", "testaf__"},
	{CmdTestAdaptiveAF, "TESTADAF", "testadaf"},
	{CmdAFBenchmark, "AFBENCH", "afbench_"},
	{CmdPolarizerCal, "POLCAL", "polcal__"},
	{CmdBirefringence, "PPMBIREF", "ppmbiref"},
	{CmdWhiteBalance, "WBSIMPLE", "wbsimple"},
	{CmdWhiteBalancePP, "WBPPM", "wbppm___"},
	{CmdSunburstCal, "SUNBURST", "sunburst"},
}

var (
	tokens  = map[Command][TokenSize]byte{}
	names   = map[Command]string{}
	byToken = map[[TokenSize]byte]Command{}
	byName  = map[string]Command{}
)

func init() {
	for _, e := range commandTable {
		if len(e.token) != TokenSize {
			panic(fmt.Sprintf("protocol: token %q for %s is %d bytes, want %d", e.token, e.name, len(e.token), TokenSize))
		}
		var tok [TokenSize]byte
		copy(tok[:], e.token)
		if prev, dup := byToken[tok]; dup {
			panic(fmt.Sprintf("protocol: token %q shared by %s and %s", e.token, names[prev], e.name))
		}
		tokens[e.cmd] = tok
		names[e.cmd] = e.name
		byToken[tok] = e.cmd
		byName[e.name] = e.cmd
	}
}

// Token returns the 8-byte wire token for cmd. Unknown commands return the
// zero array.
func (c Command) Token() [TokenSize]byte {
	return tokens[c]
}

func (c Command) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Valid reports whether c is in the command table.
func (c Command) Valid() bool {
	_, ok := tokens[c]
	return ok
}

// FreeForm reports whether c uses a textual parameter string terminated by
// EndMarker instead of a fixed binary payload.
func (c Command) FreeForm() bool {
	return FreeFormTimeout(c) > 0
}

// Commands returns every known command in table order.
func Commands() []Command {
	out := make([]Command, 0, len(commandTable))
	for _, e := range commandTable {
		out = append(out, e.cmd)
	}
	return out
}

// DecodeCommand maps a wire token back to its command.
func DecodeCommand(token []byte) (Command, error) {
	if len(token) != TokenSize {
		return 0, fmt.Errorf("%w: token length %d", ErrProtocol, len(token))
	}
	var tok [TokenSize]byte
	copy(tok[:], token)
	cmd, ok := byToken[tok]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, token)
	}
	return cmd, nil
}

// CommandByName resolves a symbolic name such as "GETXY".
func CommandByName(name string) (Command, bool) {
	cmd, ok := byName[name]
	return cmd, ok
}
