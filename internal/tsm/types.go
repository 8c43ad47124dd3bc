// Package tsm implements the tunnel state machine: the event-driven
// controller that reconciles user intent with the OS-level resources needed
// to bring a tunnel up or down without ever leaking non-VPN traffic.
package tsm

import (
	"errors"
	"fmt"
)

// TunnelParameters is opaque to the state machine; states only inspect it
// through these accessors.
type TunnelParameters interface {
	TunnelEndpoint() string
	NextHopEndpoint() string
	ProxyEndpoint() string
}

// TunnelMetadata is produced by the tunnel monitor once a tunnel is Up.
type TunnelMetadata struct {
	Interface   string
	IPs         []string
	IPv4Gateway string
	IPv6Gateway string // empty if none
}

// TunnelEventKind tags the TunnelEvent sum type.
type TunnelEventKind int

const (
	EventAuthFailed TunnelEventKind = iota
	EventInterfaceUp
	EventUp
	EventDown
)

func (k TunnelEventKind) String() string {
	switch k {
	case EventAuthFailed:
		return "AuthFailed"
	case EventInterfaceUp:
		return "InterfaceUp"
	case EventUp:
		return "Up"
	case EventDown:
		return "Down"
	default:
		return "Unknown"
	}
}

// TunnelEvent is the sum AuthFailed(reason) | InterfaceUp(metadata) |
// Up(metadata) | Down.
type TunnelEvent struct {
	Kind       TunnelEventKind
	AuthReason string
	Metadata   TunnelMetadata
}

// ErrorStateCauseKind enumerates the terminal fault reasons surfaced to
// users.
type ErrorStateCauseKind int

const (
	CauseAuthFailed ErrorStateCauseKind = iota
	CauseIpv6Unavailable
	CauseSetFirewallPolicyError
	CauseSetDNSError
	CauseStartTunnelError
	CauseTunnelParameterError
	CauseIsOffline
	CauseVpnPermissionDenied
	CauseSplitTunnelError
)

func (k ErrorStateCauseKind) String() string {
	switch k {
	case CauseAuthFailed:
		return "AuthFailed"
	case CauseIpv6Unavailable:
		return "Ipv6Unavailable"
	case CauseSetFirewallPolicyError:
		return "SetFirewallPolicyError"
	case CauseSetDNSError:
		return "SetDnsError"
	case CauseStartTunnelError:
		return "StartTunnelError"
	case CauseTunnelParameterError:
		return "TunnelParameterError"
	case CauseIsOffline:
		return "IsOffline"
	case CauseVpnPermissionDenied:
		return "VpnPermissionDenied"
	case CauseSplitTunnelError:
		return "SplitTunnelError"
	default:
		return "Unknown"
	}
}

// FirewallPolicyErrorKind sub-classifies CauseSetFirewallPolicyError.
type FirewallPolicyErrorKind int

const (
	FirewallErrGeneric FirewallPolicyErrorKind = iota
	FirewallErrLockedByAnotherApplication
)

// ErrorStateCause carries an ErrorStateCauseKind plus any sub-detail needed
// to render it to a user.
type ErrorStateCause struct {
	Kind           ErrorStateCauseKind
	FirewallDetail FirewallPolicyErrorKind
	Message        string
}

func (c ErrorStateCause) Error() string {
	if c.Message != "" {
		return fmt.Sprintf("%s: %s", c.Kind, c.Message)
	}
	return c.Kind.String()
}

func newCause(kind ErrorStateCauseKind, msg string) ErrorStateCause {
	return ErrorStateCause{Kind: kind, Message: msg}
}

// firewallDetail is implemented by backend errors that sub-classify a
// firewall apply failure (internal/firewall.PolicyError). Declaring the
// interface here, rather than importing internal/firewall, avoids a cycle
// since internal/firewall already imports tsm for FirewallPolicyErrorKind.
type firewallDetail interface {
	error
	FirewallKind() FirewallPolicyErrorKind
}

// newFirewallCause builds a CauseSetFirewallPolicyError cause, unwrapping err
// for a firewallDetail so a lock-held-by-another-application failure (spec
// §6 Concrete Scenario 5) carries its real FirewallDetail instead of the
// zero-value FirewallErrGeneric.
func newFirewallCause(err error) ErrorStateCause {
	var fd firewallDetail
	detail := FirewallErrGeneric
	if errors.As(err, &fd) {
		detail = fd.FirewallKind()
	}
	return ErrorStateCause{Kind: CauseSetFirewallPolicyError, FirewallDetail: detail, Message: err.Error()}
}

// TunnelCommandKind tags the TunnelCommand sum type.
type TunnelCommandKind int

const (
	CmdConnect TunnelCommandKind = iota
	CmdDisconnect
	CmdReconnect
	CmdBlock
	CmdAllowLan
	CmdBlockWhenDisconnected
	CmdIsOffline
	CmdSetExcludedApps
)

// TunnelCommand is the inbound sum Connect | Disconnect | Reconnect |
// Block(cause) | AllowLan(bool) | BlockWhenDisconnected(bool) |
// IsOffline(bool) | SetExcludedApps(reply, paths).
type TunnelCommand struct {
	Kind          TunnelCommandKind
	BlockCause    ErrorStateCause
	Bool          bool
	ExcludedApps  []string
	ExcludedReply chan error
}

// AfterDisconnectKind tags the AfterDisconnect sum type.
type AfterDisconnectKind int

const (
	AfterNothing AfterDisconnectKind = iota
	AfterBlock
	AfterReconnect
)

// AfterDisconnect is carried inside Disconnecting and decides what happens
// once the tunnel has actually closed.
type AfterDisconnect struct {
	Kind         AfterDisconnectKind
	Cause        ErrorStateCause
	RetryAttempt uint32
}

// TransitionKind tags the observable TunnelStateTransition sum type.
type TransitionKind int

const (
	TransDisconnected TransitionKind = iota
	TransConnecting
	TransConnected
	TransDisconnecting
	TransError
)

func (k TransitionKind) String() string {
	switch k {
	case TransDisconnected:
		return "Disconnected"
	case TransConnecting:
		return "Connecting"
	case TransConnected:
		return "Connected"
	case TransDisconnecting:
		return "Disconnecting"
	case TransError:
		return "Error"
	default:
		return "Unknown"
	}
}

// TunnelStateTransition is published on the observer channel.
type TunnelStateTransition struct {
	Kind            TransitionKind
	Endpoint        string
	After           AfterDisconnect
	Cause           ErrorStateCause
	ErrorIsBlocking bool
}

func (t TunnelStateTransition) String() string {
	switch t.Kind {
	case TransConnecting, TransConnected:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Endpoint)
	case TransError:
		return fmt.Sprintf("Error(%s, blocking=%t)", t.Cause.Kind, t.ErrorIsBlocking)
	default:
		return t.Kind.String()
	}
}

// Equal reports whether two transitions are identical for the purpose of
// de-duplicating consecutive publications on the observer channel.
func (t TunnelStateTransition) Equal(o TunnelStateTransition) bool {
	return t == o
}
