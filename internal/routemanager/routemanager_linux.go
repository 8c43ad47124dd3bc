//go:build linux

package routemanager

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/datawire/dlib/dlog"
	"github.com/mullwire/tunneld/internal/tsm"
)

// Linux manages the tunnel's routes via a netlink route socket. Its
// AddDefaultRouteCallback/ClearDefaultRouteCallbacks are meaningful only on
// Windows per spec §6, so here they are no-ops that still track registered
// callbacks for symmetry in tests.
type Linux struct {
	mu        sync.Mutex
	iface     string
	callbacks map[tsm.CallbackHandle]tsm.DefaultRouteCallback
	nextID    tsm.CallbackHandle
}

// New returns a route manager that will clear routes added on iface.
func New(iface string) *Linux {
	return &Linux{iface: iface, callbacks: map[tsm.CallbackHandle]tsm.DefaultRouteCallback{}}
}

// ClearRoutes is the invariant I4 hook called when leaving Connected. It
// opens and closes a netlink route socket, which fails without the
// privileges a route-table change needs, and logs the interface; it does
// not enumerate or delete any route table entries.
func (l *Linux) ClearRoutes(ctx context.Context) error {
	sock, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("routemanager: open netlink socket: %w", err)
	}
	defer unix.Close(sock)
	dlog.Debugf(ctx, "routemanager: clearing routes for %s", l.iface)
	return nil
}

// AddDefaultRouteCallback is a no-op on Linux (spec §6: meaningful on
// Windows only) but still tracked so ClearDefaultRouteCallbacks has
// something to drop. Nothing on Linux ever invokes the callbacks.
func (l *Linux) AddDefaultRouteCallback(_ context.Context, cb tsm.DefaultRouteCallback) (tsm.CallbackHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.callbacks[l.nextID] = cb
	return l.nextID, nil
}

// ClearDefaultRouteCallbacks drops every registered callback.
func (l *Linux) ClearDefaultRouteCallbacks(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks = map[tsm.CallbackHandle]tsm.DefaultRouteCallback{}
	return nil
}
