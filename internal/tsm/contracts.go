package tsm

import "context"

// FirewallPolicyKind tags the three declarative firewall policies the TSM
// ever installs.
type FirewallPolicyKind int

const (
	PolicyConnecting FirewallPolicyKind = iota
	PolicyConnected
	PolicyBlocked
)

// FirewallPolicy is the declarative policy handed to the Firewall contract.
// Apply is idempotent and last-writer-wins.
type FirewallPolicy struct {
	Kind         FirewallPolicyKind
	PeerEndpoint string
	TunnelIface  string
	AllowLan     bool
}

// Firewall is the external firewall back-end contract (spec §6). An Apply
// error that unwraps (errors.As) to a type with a
// FirewallKind() FirewallPolicyErrorKind method, such as
// internal/firewall.PolicyError, has that kind recorded as the resulting
// cause's FirewallDetail; any other error yields FirewallErrGeneric.
type Firewall interface {
	Apply(ctx context.Context, policy FirewallPolicy) error
	Reset(ctx context.Context) error
}

// DNSMonitor is the external DNS back-end contract (spec §6).
type DNSMonitor interface {
	Set(ctx context.Context, iface string, ips []string) error
	Reset(ctx context.Context) error
}

// RouteManager is the external route-table contract (spec §6). The
// default-route callback methods are meaningful on Windows only; other
// platforms implement them as no-ops returning nil.
type RouteManager interface {
	ClearRoutes(ctx context.Context) error
	AddDefaultRouteCallback(ctx context.Context, cb DefaultRouteCallback) (CallbackHandle, error)
	ClearDefaultRouteCallbacks(ctx context.Context) error
}

// DefaultRouteCallback is invoked whenever the OS default route changes.
type DefaultRouteCallback func(ipv4, ipv6 string)

// CallbackHandle identifies one registered DefaultRouteCallback so it can be
// individually reasoned about; ClearDefaultRouteCallbacks clears all of them
// regardless of handle.
type CallbackHandle int

// SplitTunnel is the Windows split-tunnel driver contract (spec §4.6),
// reduced to what the TSM needs from Connected/Disconnected.
type SplitTunnel interface {
	SetPaths(ctx context.Context, paths []string) error
	RegisterIPs(ctx context.Context, ipv4, ipv6 string) error
}

// CloseHandle lets Connecting/Connected/Disconnecting signal the running
// tunnel to stop. Close is idempotent and non-blocking.
type CloseHandle interface {
	Close()
}

// TunnelMonitor is the external tunnel-plane contract (spec §6): an opaque
// factory that spawns a tunnel given TunnelParameters.
type TunnelMonitor interface {
	Start(ctx context.Context, params TunnelParameters) (events <-chan TunnelEvent, closeEvent <-chan *ErrorStateCause, close CloseHandle, err error)
}

// UserPreferences is the subset of SharedTunnelStateValues that is
// externally mutable via commands and persisted outside the TSM core.
type UserPreferences struct {
	AllowLan               bool
	BlockWhenDisconnected  bool
}

// SharedTunnelStateValues is mutably owned by the dispatcher and borrowed by
// whichever state is currently running. States never retain a reference
// across a suspension point.
type SharedTunnelStateValues struct {
	Firewall     Firewall
	DNSMonitor   DNSMonitor
	RouteManager RouteManager
	SplitTunnel  SplitTunnel // nil on non-Windows builds
	IsWindows    bool

	AllowLan              bool
	BlockWhenDisconnected bool
	IsOffline             bool

	ResourceDir string

	// ParamSource resolves TunnelParameters for a Connect command; nil or
	// an error from it drives Error(TunnelParameterError).
	ParamSource func(ctx context.Context) (TunnelParameters, error)

	Monitor TunnelMonitor
}

func (s *SharedTunnelStateValues) blockedPolicy() FirewallPolicy {
	return FirewallPolicy{Kind: PolicyBlocked, AllowLan: s.AllowLan}
}
