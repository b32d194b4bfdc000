package version

import (
	"fmt"

	"github.com/chronologos/scopelink/internal/protocol"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.2.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String formats the version line printed by `scopectl version`.
func String(program string) string {
	return fmt.Sprintf("%s %s (%s, wire v%d)", program, VERSION, Commit, protocol.Version)
}
