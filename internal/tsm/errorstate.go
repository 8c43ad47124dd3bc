package tsm

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

type errorState struct {
	cause    ErrorStateCause
	blocking bool
}

// enterError performs the Error entry action of spec §4.5: apply the
// Blocked firewall policy to preserve invariant I1 even in a fault
// condition. blocking reports whether that apply succeeded; if it did not,
// the machine is in an "unsecured error" condition that must be logged and
// retried on every subsequent mutation.
func enterError(ctx context.Context, shared *SharedTunnelStateValues, cause ErrorStateCause) (state, TunnelStateTransition) {
	blocking := true
	if err := shared.Firewall.Apply(ctx, shared.blockedPolicy()); err != nil {
		dlog.Errorf(ctx, "error state: failed to apply blocked policy, running unsecured: %v", err)
		blocking = false
	}
	return errorState{cause: cause, blocking: blocking}, TunnelStateTransition{Kind: TransError, Cause: cause, ErrorIsBlocking: blocking}
}

func (e errorState) reapply(ctx context.Context, shared *SharedTunnelStateValues) errorState {
	if err := shared.Firewall.Apply(ctx, shared.blockedPolicy()); err != nil {
		dlog.Errorf(ctx, "error state: re-apply blocked policy failed, running unsecured: %v", err)
		e.blocking = false
	} else {
		e.blocking = true
	}
	return e
}

func (e errorState) handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	cmd, open := <-cmds
	if !open {
		return newState(enterDisconnected(ctx, shared))
	}
	switch cmd.Kind {
	case CmdConnect:
		if shared.IsOffline {
			return sameState(e)
		}
		if shared.ParamSource == nil {
			return sameState(e)
		}
		params, err := shared.ParamSource(ctx)
		if err != nil {
			return sameState(e)
		}
		return newState(enterConnecting(ctx, shared, 0, params, cmds))
	case CmdDisconnect:
		return newState(enterDisconnected(ctx, shared))
	case CmdBlock:
		return newState(enterError(ctx, shared, cmd.BlockCause))
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
		return consequence{kind: consequenceSameState, next: e.reapply(ctx, shared)}
	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.Bool
		return consequence{kind: consequenceSameState, next: e.reapply(ctx, shared)}
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
		return consequence{kind: consequenceSameState, next: e.reapply(ctx, shared)}
	case CmdSetExcludedApps:
		replySetExcludedApps(ctx, shared, cmd)
		return sameState(e)
	default:
		return sameState(e)
	}
}
