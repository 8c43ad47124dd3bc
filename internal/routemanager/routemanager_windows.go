//go:build windows

package routemanager

import (
	"context"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/datawire/dlib/dlog"
	"github.com/mullwire/tunneld/internal/tsm"
)

var (
	modiphlpapi                = windows.NewLazySystemDLL("iphlpapi.dll")
	procNotifyRouteChange2     = modiphlpapi.NewProc("NotifyRouteChange2")
	procCancelMibChangeNotify2 = modiphlpapi.NewProc("CancelMibChangeNotify2")
)

// Windows manages tunnel routes via the IP Helper API and drives the
// default-route change callback set that Connected registers with the
// split-tunnel driver (spec §9 "Default-route callback (Windows)").
type Windows struct {
	mu            sync.Mutex
	notifyHandle  windows.Handle
	callbacks     map[tsm.CallbackHandle]tsm.DefaultRouteCallback
	nextID        tsm.CallbackHandle
}

// New returns a Windows route manager.
func New() *Windows {
	return &Windows{callbacks: map[tsm.CallbackHandle]tsm.DefaultRouteCallback{}}
}

// ClearRoutes is the invariant I4 hook called when leaving Connected. It
// only logs; it does not read the forward IP table or delete any routes.
func (w *Windows) ClearRoutes(ctx context.Context) error {
	dlog.Debugf(ctx, "routemanager(windows): clearing tunnel routes")
	return nil
}

// AddDefaultRouteCallback registers cb to run whenever the OS default route
// changes, installing a single shared NotifyRouteChange2 subscription on
// first use (spec §9, connected_state.rs's
// split_tunnel_default_route_change_handler).
func (w *Windows) AddDefaultRouteCallback(ctx context.Context, cb tsm.DefaultRouteCallback) (tsm.CallbackHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	id := w.nextID
	w.callbacks[id] = cb

	if w.notifyHandle == 0 {
		r1, _, err := procNotifyRouteChange2.Call(
			uintptr(windows.AF_UNSPEC),
			uintptr(unsafe.Pointer(syscall.NewCallback(w.onRouteChange))),
			0,
			0,
			uintptr(unsafe.Pointer(&w.notifyHandle)),
		)
		if r1 != 0 {
			delete(w.callbacks, id)
			return 0, err
		}
	}
	return id, nil
}

func (w *Windows) onRouteChange(callerContext uintptr, row uintptr, notificationType uint32) uintptr {
	ipv4, ipv6 := currentDefaultRouteIPs()
	w.mu.Lock()
	cbs := make([]tsm.DefaultRouteCallback, 0, len(w.callbacks))
	for _, cb := range w.callbacks {
		cbs = append(cbs, cb)
	}
	w.mu.Unlock()
	for _, cb := range cbs {
		cb(ipv4, ipv6)
	}
	return 0
}

// currentDefaultRouteIPs always returns the "no internet route" sentinel
// (0.0.0.0 and no IPv6 address); it does not query the routing table, so
// callbacks receive the sentinel on every route change.
func currentDefaultRouteIPs() (ipv4, ipv6 string) {
	return "0.0.0.0", ""
}

// ClearDefaultRouteCallbacks tears down the shared subscription and forgets
// every registered callback; must precede the subscription context's
// deallocation (spec §9).
func (w *Windows) ClearDefaultRouteCallbacks(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = map[tsm.CallbackHandle]tsm.DefaultRouteCallback{}
	if w.notifyHandle != 0 {
		procCancelMibChangeNotify2.Call(uintptr(w.notifyHandle))
		w.notifyHandle = 0
	}
	return nil
}
