package tsm

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/hashicorp/go-multierror"
)

type connectedState struct {
	params      TunnelParameters
	metadata    TunnelMetadata
	events      <-chan TunnelEvent
	closeEvent  <-chan *ErrorStateCause
	closeHandle CloseHandle
	cbHandle    CallbackHandle
	haveCb      bool
}

func connectedPolicy(shared *SharedTunnelStateValues, params TunnelParameters, md TunnelMetadata) FirewallPolicy {
	return FirewallPolicy{
		Kind:         PolicyConnected,
		PeerEndpoint: params.TunnelEndpoint(),
		TunnelIface:  md.Interface,
		AllowLan:     shared.AllowLan,
	}
}

// enterConnected performs the Connected entry action of spec §4.4.
func enterConnected(ctx context.Context, shared *SharedTunnelStateValues, md TunnelMetadata, params TunnelParameters, events <-chan TunnelEvent, closeEvent <-chan *ErrorStateCause, closeHandle CloseHandle) (state, TunnelStateTransition) {
	if err := shared.Firewall.Apply(ctx, connectedPolicy(shared, params, md)); err != nil {
		return enterDisconnecting(ctx, shared, closeHandle, closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newFirewallCause(err)})
	}

	gateways := []string{md.IPv4Gateway}
	if md.IPv6Gateway != "" {
		gateways = append(gateways, md.IPv6Gateway)
	}
	if err := shared.DNSMonitor.Set(ctx, md.Interface, gateways); err != nil {
		return enterDisconnecting(ctx, shared, closeHandle, closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseSetDNSError, err.Error())})
	}

	cs := connectedState{
		params:      params,
		metadata:    md,
		events:      events,
		closeEvent:  closeEvent,
		closeHandle: closeHandle,
	}

	if shared.IsWindows {
		if err := registerSplitTunnelIPs(ctx, shared, md); err != nil {
			return enterDisconnecting(ctx, shared, closeHandle, closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseStartTunnelError, err.Error())})
		}
		h, err := shared.RouteManager.AddDefaultRouteCallback(ctx, func(ipv4, ipv6 string) {
			if rerr := shared.SplitTunnel.RegisterIPs(ctx, ipv4, ipv6); rerr != nil {
				dlog.Errorf(ctx, "connected: re-register split-tunnel ips on route change: %v", rerr)
			}
		})
		if err != nil {
			dlog.Errorf(ctx, "connected: register default-route callback: %v", err)
		} else {
			cs.cbHandle = h
			cs.haveCb = true
		}
	}

	return cs, TunnelStateTransition{Kind: TransConnected, Endpoint: params.TunnelEndpoint()}
}

// registerSplitTunnelIPs computes tunnel/default-route IPs and registers
// them with the split-tunnel driver. Per spec §9's first Open Question, a
// zero IPv4/absent IPv6 is used as the "no internet route" sentinel rather
// than as an instruction to clear the driver's configuration.
func registerSplitTunnelIPs(ctx context.Context, shared *SharedTunnelStateValues, md TunnelMetadata) error {
	if shared.SplitTunnel == nil {
		return nil
	}
	ipv4 := "0.0.0.0"
	if len(md.IPs) > 0 {
		ipv4 = md.IPs[0]
	}
	return shared.SplitTunnel.RegisterIPs(ctx, ipv4, md.IPv6Gateway)
}

// leaveConnected performs the mandatory teardown of invariants I3/I4 before
// transitioning away from Connected: DNS reset, route clearing, and on
// Windows, zeroing the split-tunnel registration and clearing default-route
// callbacks.
func (c connectedState) leave(ctx context.Context, shared *SharedTunnelStateValues) {
	var merr *multierror.Error
	if err := shared.DNSMonitor.Reset(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := shared.RouteManager.ClearRoutes(ctx); err != nil {
		merr = multierror.Append(merr, err)
	}
	if shared.IsWindows {
		if shared.SplitTunnel != nil {
			if err := shared.SplitTunnel.RegisterIPs(ctx, "0.0.0.0", ""); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if c.haveCb {
			if err := shared.RouteManager.ClearDefaultRouteCallbacks(ctx); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	if merr.ErrorOrNil() != nil {
		dlog.Errorf(ctx, "connected: leave teardown: %v", merr)
	}
}

func (c connectedState) handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	select {
	case cause := <-c.closeEvent:
		return c.onClose(ctx, shared, cause)
	default:
	}

	select {
	case cause := <-c.closeEvent:
		return c.onClose(ctx, shared, cause)
	case ev := <-c.events:
		return c.onEvent(ctx, shared, ev)
	case cmd, open := <-cmds:
		if !open {
			c.leave(ctx, shared)
			return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterNothing}))
		}
		return c.onCommand(ctx, shared, cmd)
	case <-ctx.Done():
		return finished()
	}
}

func (c connectedState) onEvent(ctx context.Context, shared *SharedTunnelStateValues, ev TunnelEvent) consequence {
	switch ev.Kind {
	case EventUp, EventInterfaceUp:
		return sameState(c) // already up
	case EventDown:
		c.leave(ctx, shared)
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: 0}))
	default:
		return sameState(c)
	}
}

func (c connectedState) onClose(ctx context.Context, shared *SharedTunnelStateValues, cause *ErrorStateCause) consequence {
	c.leave(ctx, shared)
	after := AfterDisconnect{Kind: AfterReconnect, RetryAttempt: 0}
	if cause != nil {
		after = AfterDisconnect{Kind: AfterBlock, Cause: *cause}
	}
	return newState(enterDisconnecting(ctx, shared, c.closeHandle, nil, after))
}

func (c connectedState) onCommand(ctx context.Context, shared *SharedTunnelStateValues, cmd TunnelCommand) consequence {
	switch cmd.Kind {
	case CmdDisconnect:
		c.leave(ctx, shared)
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterNothing}))
	case CmdConnect, CmdReconnect:
		c.leave(ctx, shared)
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: 0}))
	case CmdBlock:
		c.leave(ctx, shared)
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: cmd.BlockCause}))
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
		if cmd.Bool {
			c.leave(ctx, shared)
			return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseIsOffline, "")}))
		}
		return sameState(c)
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
		if err := shared.Firewall.Apply(ctx, connectedPolicy(shared, c.params, c.metadata)); err != nil {
			c.leave(ctx, shared)
			return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newFirewallCause(err)}))
		}
		return sameState(c)
	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.Bool
		return sameState(c)
	case CmdSetExcludedApps:
		replySetExcludedApps(ctx, shared, cmd)
		return sameState(c)
	default:
		return sameState(c)
	}
}
