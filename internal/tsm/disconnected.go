package tsm

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

type disconnectedState struct{}

// enterDisconnected performs the Disconnected entry action: install the
// Blocked policy if BlockWhenDisconnected, otherwise reset the firewall
// (invariant I5), and returns the Disconnected transition to publish.
func enterDisconnected(ctx context.Context, shared *SharedTunnelStateValues) (state, TunnelStateTransition) {
	applyDisconnectedPolicy(ctx, shared)
	return disconnectedState{}, TunnelStateTransition{Kind: TransDisconnected}
}

func applyDisconnectedPolicy(ctx context.Context, shared *SharedTunnelStateValues) {
	if shared.BlockWhenDisconnected {
		if err := shared.Firewall.Apply(ctx, shared.blockedPolicy()); err != nil {
			dlog.Errorf(ctx, "disconnected: apply blocked policy: %v", err)
		}
		return
	}
	if err := shared.Firewall.Reset(ctx); err != nil {
		dlog.Errorf(ctx, "disconnected: reset firewall: %v", err)
	}
}

func (disconnectedState) handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	cmd, open := <-cmds
	if !open {
		return finished()
	}
	switch cmd.Kind {
	case CmdConnect:
		if shared.IsOffline {
			return newState(enterError(ctx, shared, newCause(CauseIsOffline, "")))
		}
		if shared.ParamSource == nil {
			return newState(enterError(ctx, shared, newCause(CauseTunnelParameterError, "no parameter source configured")))
		}
		params, err := shared.ParamSource(ctx)
		if err != nil {
			return newState(enterError(ctx, shared, newCause(CauseTunnelParameterError, err.Error())))
		}
		return newState(enterConnecting(ctx, shared, 0, params, cmds))
	case CmdDisconnect:
		return sameState(disconnectedState{})
	case CmdBlock:
		return newState(enterError(ctx, shared, cmd.BlockCause))
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
		applyDisconnectedPolicy(ctx, shared)
		return sameState(disconnectedState{})
	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.Bool
		applyDisconnectedPolicy(ctx, shared)
		return sameState(disconnectedState{})
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
		return sameState(disconnectedState{})
	case CmdSetExcludedApps:
		replySetExcludedApps(ctx, shared, cmd)
		return sameState(disconnectedState{})
	default:
		return sameState(disconnectedState{})
	}
}

func replySetExcludedApps(ctx context.Context, shared *SharedTunnelStateValues, cmd TunnelCommand) {
	var err error
	if shared.SplitTunnel != nil {
		err = shared.SplitTunnel.SetPaths(ctx, cmd.ExcludedApps)
	}
	if cmd.ExcludedReply != nil {
		select {
		case cmd.ExcludedReply <- err:
		default:
		}
	}
}
