package tsm

import (
	"context"
	"time"
)

const backoffCap = 8 * time.Second

// backoffDelay computes the bounded exponential schedule min(2^n*50ms, 8s)
// used when re-entering Connecting after a failed attempt.
func backoffDelay(attempt uint32) time.Duration {
	if attempt == 0 {
		return 0
	}
	d := 50 * time.Millisecond
	for i := uint32(0); i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// backoffOutcomeKind tags what interrupted (or didn't) a backoff wait.
type backoffOutcomeKind int

const (
	backoffElapsed backoffOutcomeKind = iota
	backoffGotCommand
	backoffCanceled
	backoffCmdsClosed
)

// waitBackoff sleeps for the backoff delay of attempt, but returns early if
// cmds receives a command first, cmds is closed, or ctx is canceled. This
// keeps a connecting retry responsive to user commands instead of sleeping
// in place (spec §4.3, §9 "Exponential backoff").
func waitBackoff(ctx context.Context, attempt uint32, cmds <-chan TunnelCommand) (backoffOutcomeKind, TunnelCommand) {
	d := backoffDelay(attempt)
	if d == 0 {
		return backoffElapsed, TunnelCommand{}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return backoffCanceled, TunnelCommand{}
	case <-timer.C:
		return backoffElapsed, TunnelCommand{}
	case cmd, open := <-cmds:
		if !open {
			return backoffCmdsClosed, TunnelCommand{}
		}
		return backoffGotCommand, cmd
	}
}
