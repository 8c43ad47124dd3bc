package tsm

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
)

// connectTimeout bounds how long Connecting waits for TunnelEvent::Up before
// giving up and reconnecting (spec §5 "Timeouts").
const connectTimeout = 120 * time.Second

type connectingState struct {
	params      TunnelParameters
	retry       uint32
	events      <-chan TunnelEvent
	closeEvent  <-chan *ErrorStateCause
	closeHandle CloseHandle
	gotUp       bool
}

// enterConnecting performs the Connecting entry action of spec §4.3. cmds
// may be nil when called from a context where no backoff can occur (retry
// == 0); it is only read from when retry > 0.
func enterConnecting(ctx context.Context, shared *SharedTunnelStateValues, retry uint32, params TunnelParameters, cmds <-chan TunnelCommand) (state, TunnelStateTransition) {
	if shared.IsOffline {
		return enterError(ctx, shared, newCause(CauseIsOffline, ""))
	}

	if retry > 0 {
		switch kind, cmd := waitBackoff(ctx, retry, cmds); kind {
		case backoffCanceled:
			return enterDisconnected(ctx, shared)
		case backoffCmdsClosed:
			return enterDisconnected(ctx, shared)
		case backoffGotCommand:
			if st, trans, diverted := redirectFromBackoff(ctx, shared, cmd); diverted {
				return st, trans
			}
			// Mutation-only commands (AllowLan, BlockWhenDisconnected,
			// IsOffline(false), SetExcludedApps) fall through and the
			// remaining backoff delay is skipped rather than resumed: the
			// command itself is evidence the operator is actively present,
			// so there is no value in continuing to wait.
		}
	}

	policy := FirewallPolicy{Kind: PolicyConnecting, PeerEndpoint: params.TunnelEndpoint(), AllowLan: shared.AllowLan}
	if err := shared.Firewall.Apply(ctx, policy); err != nil {
		return enterError(ctx, shared, newFirewallCause(err))
	}

	events, closeEvent, closeHandle, err := shared.Monitor.Start(ctx, params)
	if err != nil {
		return enterDisconnecting(ctx, shared, nil, nil, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: retry + 1})
	}

	return connectingState{
		params:      params,
		retry:       retry,
		events:      events,
		closeEvent:  closeEvent,
		closeHandle: closeHandle,
	}, TunnelStateTransition{Kind: TransConnecting, Endpoint: params.TunnelEndpoint()}
}

// redirectFromBackoff handles a command that arrives while Connecting is
// waiting out its backoff delay, before any tunnel monitor has been
// started. diverted is true when the command sends the machine to a
// different state entirely (st/trans are then the entered state); false
// means the command only mutated shared and the backoff should end.
func redirectFromBackoff(ctx context.Context, shared *SharedTunnelStateValues, cmd TunnelCommand) (st state, trans TunnelStateTransition, diverted bool) {
	switch cmd.Kind {
	case CmdDisconnect:
		st, trans = enterDisconnected(ctx, shared)
		return st, trans, true
	case CmdBlock:
		st, trans = enterError(ctx, shared, cmd.BlockCause)
		return st, trans, true
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
		if cmd.Bool {
			st, trans = enterError(ctx, shared, newCause(CauseIsOffline, ""))
			return st, trans, true
		}
		return nil, TunnelStateTransition{}, false
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
	case CmdBlockWhenDisconnected:
		shared.BlockWhenDisconnected = cmd.Bool
	case CmdSetExcludedApps:
		replySetExcludedApps(ctx, shared, cmd)
	case CmdConnect, CmdReconnect:
		// Already connecting; treat as "keep going", same as a mutation.
	}
	return nil, TunnelStateTransition{}, false
}

func (c connectingState) handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence {
	timeout := time.NewTimer(connectTimeout)
	defer timeout.Stop()

	// Deterministic priority: tunnel_close_event > tunnel_event > command
	// (spec §5 "Ordering guarantees"), approximated with a non-blocking
	// pre-check of closeEvent before the fair select.
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
			return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterNothing}))
		}
		return c.onCommand(ctx, shared, cmd)
	case <-timeout.C:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: c.retry + 1}))
	case <-ctx.Done():
		return finished()
	}
}

func (c connectingState) onEvent(ctx context.Context, shared *SharedTunnelStateValues, ev TunnelEvent) consequence {
	switch ev.Kind {
	case EventUp:
		return newState(enterConnected(ctx, shared, ev.Metadata, c.params, c.events, c.closeEvent, c.closeHandle))
	case EventAuthFailed:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseAuthFailed, ev.AuthReason)}))
	case EventDown:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: c.retry + 1}))
	case EventInterfaceUp:
		c.gotUp = true
		return sameState(c)
	default:
		return sameState(c)
	}
}

func (c connectingState) onClose(ctx context.Context, shared *SharedTunnelStateValues, cause *ErrorStateCause) consequence {
	after := AfterDisconnect{Kind: AfterReconnect, RetryAttempt: c.retry + 1}
	if cause != nil {
		after = AfterDisconnect{Kind: AfterBlock, Cause: *cause}
	} else if !c.gotUp {
		dlog.Warningf(ctx, "tunnel monitor thread stopped unexpectedly before coming up")
		after = AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseStartTunnelError, "tunnel exited before becoming ready")}
	}
	return newState(enterDisconnecting(ctx, shared, c.closeHandle, nil, after))
}

func (c connectingState) onCommand(ctx context.Context, shared *SharedTunnelStateValues, cmd TunnelCommand) consequence {
	switch cmd.Kind {
	case CmdDisconnect:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterNothing}))
	case CmdConnect, CmdReconnect:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterReconnect, RetryAttempt: 0}))
	case CmdBlock:
		return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: cmd.BlockCause}))
	case CmdIsOffline:
		shared.IsOffline = cmd.Bool
		if cmd.Bool {
			return newState(enterDisconnecting(ctx, shared, c.closeHandle, c.closeEvent, AfterDisconnect{Kind: AfterBlock, Cause: newCause(CauseIsOffline, "")}))
		}
		return sameState(c)
	case CmdAllowLan:
		shared.AllowLan = cmd.Bool
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
