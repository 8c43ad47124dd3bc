// Package ipc implements the daemon/CLI wire protocol: a hand-rolled
// encoding/gob codec over the pkg/client/socket connection, replacing the
// teacher's generated gRPC manager service (see DESIGN.md) with the
// minimal request/response plus subscribe-stream shape spec.md's §6
// command/observer channels actually need.
package ipc

import (
	"fmt"

	"github.com/blang/semver"

	"github.com/mullwire/tunneld/internal/tsm"
)

// ProtocolVersion is this build's IPC version. The daemon refuses a CLI
// whose major version differs (handshake below), the same compatibility
// guard class the teacher enforces between its CLI and daemon builds.
var ProtocolVersion = semver.MustParse("1.0.0")

// Hello is the first message a client sends after dialing, before any
// Request.
type Hello struct {
	ClientVersion string
}

// HelloReply answers Hello. If Rejected is non-empty the connection is
// about to be closed by the server and carries no further messages.
type HelloReply struct {
	ServerVersion string
	SessionID     string
	Rejected      string
}

// CheckCompatible reports whether client and server major versions match.
func CheckCompatible(clientVersion string) error {
	cv, err := semver.Parse(clientVersion)
	if err != nil {
		return fmt.Errorf("ipc: malformed client version %q: %w", clientVersion, err)
	}
	if cv.Major != ProtocolVersion.Major {
		return fmt.Errorf("ipc: client protocol v%s is incompatible with daemon protocol v%s", cv, ProtocolVersion)
	}
	return nil
}

// RequestKind tags the Request sum type the CLI can send.
type RequestKind int

const (
	ReqConnect RequestKind = iota
	ReqDisconnect
	ReqReconnect
	ReqStatus
	ReqSetAllowLan
	ReqSetBlockWhenDisconnected
	ReqSetExcludedApps
	ReqSubscribe
)

// Request is one CLI->daemon message. Subscribe opens a long-lived stream
// of Transition messages on the same connection instead of a single
// Response; every other kind gets exactly one Response back.
type Request struct {
	Kind         RequestKind
	Bool         bool
	ExcludedApps []string
}

// Response answers every Request kind except ReqSubscribe.
type Response struct {
	OK         bool
	Error      string
	Transition tsm.TunnelStateTransition
}

// Transition is one message in a ReqSubscribe stream.
type Transition struct {
	SessionID  string
	Transition tsm.TunnelStateTransition
}
