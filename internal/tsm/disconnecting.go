package tsm

import (
	"context"
)

type disconnectingState struct {
	closeEvent <-chan *ErrorStateCause // nil if the tunnel is already known closed
	after      AfterDisconnect
}

// enterDisconnecting performs the Disconnecting entry action of spec §4.5:
// signal the close handle once (idempotent, non-blocking) and publish
// Disconnecting(after). closeHandle/closeEvent may be nil when there was
// never a running tunnel to close (e.g. TunnelMonitor.Start itself failed).
func enterDisconnecting(ctx context.Context, shared *SharedTunnelStateValues, closeHandle CloseHandle, closeEvent <-chan *ErrorStateCause, after AfterDisconnect) (state, TunnelStateTransition) {
	if closeHandle != nil {
		closeHandle.Close()
	}
	return disconnectingState{closeEvent: closeEvent, after: after}, TunnelStateTransition{Kind: TransDisconnecting, After: after}
}

func (d disconnectingState) handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	if d.closeEvent == nil {
		return d.resolve(ctx, shared, cmds)
	}
	select {
	case cause := <-d.closeEvent:
		d.after = mergeCloseCause(d.after, cause)
		d.closeEvent = nil
		return d.resolve(ctx, shared, cmds)
	case cmd, open := <-cmds:
		if !open {
			// Closing the command channel mid-disconnect does not change
			// `after`; shutdown happens once Disconnected is reached.
			return sameState(d)
		}
		d.after = mutateAfter(d.after, shared, cmd)
		return consequence{kind: consequenceSameState, next: d}
	case <-ctx.Done():
		return finished()
	}
}

// mergeCloseCause folds the tunnel's own close-event cause into whatever
// `after` commands have already requested: an explicit Block always wins,
// otherwise a tunnel-reported fault takes the current `after` as its
// disposition.
func mergeCloseCause(after AfterDisconnect, cause *ErrorStateCause) AfterDisconnect {
	if after.Kind == AfterBlock {
		return after
	}
	if cause != nil {
		return AfterDisconnect{Kind: AfterBlock, Cause: *cause}
	}
	return after
}

// mutateAfter applies a command received while Disconnecting is waiting for
// the tunnel to actually close; only `after` may change (spec §4.5).
func mutateAfter(after AfterDisconnect, shared *SharedTunnelStateValues, cmd TunnelCommand) AfterDisconnect {
	switch cmd.Kind {
	case CmdConnect, CmdReconnect:
		if after.Kind != AfterBlock {
			return AfterDisconnect{Kind: AfterReconnect, RetryAttempt: 0}
		}
	case CmdDisconnect:
		if after.Kind != AfterBlock {
			return AfterDisconnect{Kind: AfterNothing}
		}
	case CmdBlock:
		return AfterDisconnect{Kind: AfterBlock, Cause: cmd.BlockCause}
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.Bool
	case CmdSetExcludedApps:
		replySetExcludedApps(context.Background(), shared, cmd)
	}
	return after
}

func (d disconnectingState) resolve(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	switch d.after.Kind {
	case AfterNothing:
		return newState(enterDisconnected(ctx, shared))
	case AfterReconnect:
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
		return newState(enterConnecting(ctx, shared, d.after.RetryAttempt, params, cmds))
	case AfterBlock:
		return newState(enterError(ctx, shared, d.after.Cause))
	default:
		return newState(enterDisconnected(ctx, shared))
	}
}
