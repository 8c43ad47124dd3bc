package tsm

import (
	"context"

	"github.com/datawire/dlib/dlog"
)

// consequenceKind tags the three outcomes a state's handle call can produce.
type consequenceKind int

const (
	consequenceNewState consequenceKind = iota
	consequenceSameState
	consequenceFinished
)

// consequence is the Go rendering of EventConsequence: NewState(next,
// transition) | SameState(self) | Finished.
type consequence struct {
	kind       consequenceKind
	next       state
	transition TunnelStateTransition
}

func newState(next state, transition TunnelStateTransition) consequence {
	return consequence{kind: consequenceNewState, next: next, transition: transition}
}

// sameState keeps the machine in its current variant but still carries
// `next`, the (possibly field-mutated) receiver the handler computed its
// result from — states are Go value types, so a command that only updates
// bookkeeping (e.g. a toggled preference, a learned "interface came up"
// flag) must flow back through `next` rather than relying on in-place
// mutation of the receiver, which Go does not give handle methods for free.
func sameState(next state) consequence {
	return consequence{kind: consequenceSameState, next: next}
}

func finished() consequence {
	return consequence{kind: consequenceFinished}
}

// state is a single variant of the tagged union Disconnected | Connecting |
// Connected | Disconnecting | Error. Each concrete implementation carries its
// own context and is consumed (replaced) on every transition.
type state interface {
	handle(ctx context.Context, shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) consequence
}

// Dispatcher is the single-threaded cooperative event loop described in
// spec §4.1. It owns the current state and the shared values, and publishes
// TunnelStateTransition values on Observe (deduplicating consecutive
// identical transitions).
type Dispatcher struct {
	shared  *SharedTunnelStateValues
	cmds    <-chan TunnelCommand
	Observe chan TunnelStateTransition
}

// NewDispatcher builds a dispatcher around the given command source and
// shared values. The caller owns cmds and closes it to request shutdown
// (shutdown only actually happens once Disconnected is reached, per
// spec §4.1).
func NewDispatcher(shared *SharedTunnelStateValues, cmds <-chan TunnelCommand) *Dispatcher {
	return &Dispatcher{
		shared:  shared,
		cmds:    cmds,
		Observe: make(chan TunnelStateTransition, 8),
	}
}

// Run drives the dispatcher until the command channel is closed and
// Disconnected is reached, or ctx is canceled. It closes Observe on return.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.Observe)

	cur, first := enterDisconnected(ctx, d.shared)
	var last TunnelStateTransition
	hasLast := false
	d.publish(ctx, first, &last, &hasLast)

	for {
		if ctx.Err() != nil {
			return
		}
		cons := cur.handle(ctx, d.shared, d.cmds)
		switch cons.kind {
		case consequenceFinished:
			return
		case consequenceNewState:
			cur = cons.next
			d.publish(ctx, cons.transition, &last, &hasLast)
		case consequenceSameState:
			cur = cons.next
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, t TunnelStateTransition, last *TunnelStateTransition, hasLast *bool) {
	if *hasLast && last.Equal(t) {
		return
	}
	*last = t
	*hasLast = true
	dlog.Infof(ctx, "tunnel state -> %s", t)
	select {
	case d.Observe <- t:
	case <-ctx.Done():
	}
}
