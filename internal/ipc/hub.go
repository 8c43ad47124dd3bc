package ipc

import (
	"sync"

	"github.com/mullwire/tunneld/internal/tsm"
)

// Hub fans a single tsm.Dispatcher.Observe stream out to any number of
// subscribed connections and remembers the latest transition for
// ReqStatus, grounded on how pkg/client/rootd/session.go multiplexes one
// manager stream across CLI connections.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan tsm.TunnelStateTransition]struct{}
	last    tsm.TunnelStateTransition
	hasLast bool
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan tsm.TunnelStateTransition]struct{}{}}
}

// Run forwards every transition from observe to all current and future
// subscribers until observe is closed.
func (h *Hub) Run(observe <-chan tsm.TunnelStateTransition) {
	for t := range observe {
		h.mu.Lock()
		h.last = t
		h.hasLast = true
		for sub := range h.subs {
			select {
			case sub <- t:
			default:
				// A slow subscriber drops intermediate transitions rather
				// than stalling the dispatcher publish loop.
			}
		}
		h.mu.Unlock()
	}
}

// Subscribe registers a new subscriber channel and returns it along with
// the last known transition, if any, so a ReqSubscribe caller that missed
// earlier transitions still learns the current state immediately.
func (h *Hub) Subscribe() (ch chan tsm.TunnelStateTransition, last tsm.TunnelStateTransition, hasLast bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch = make(chan tsm.TunnelStateTransition, 8)
	h.subs[ch] = struct{}{}
	return ch, h.last, h.hasLast
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan tsm.TunnelStateTransition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Last returns the most recently observed transition.
func (h *Hub) Last() (tsm.TunnelStateTransition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last, h.hasLast
}
