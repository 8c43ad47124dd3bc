//go:build windows

package splittunnel

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/hectane/go-acl"

	"github.com/datawire/dlib/dlog"
)

const devicePath = `\\.\MULLVADSPLITTUNNEL`

// Device wraps a handle to the split-tunnel kernel driver and implements
// tsm.SplitTunnel (spec §4.6). It is safe for concurrent use; every IOCTL is
// serialized behind mu because the driver itself is not documented to permit
// concurrent SetConfiguration calls.
type Device struct {
	mu     sync.Mutex
	handle windows.Handle
}

// Open acquires a handle to the driver, issuing Initialize exactly once (and
// only when the driver reports Started: a daemon restart may find the
// driver already Initialized/Ready/Engaged from a prior run, and Initialize
// is not valid to re-issue in those states), then ACLs the device so an
// unprivileged CLI-launched process tree can still be registered against it.
func Open(ctx context.Context) (*Device, error) {
	pathPtr, err := windows.UTF16PtrFromString(devicePath)
	if err != nil {
		return nil, fmt.Errorf("splittunnel: encode device path: %w", err)
	}
	h, err := windows.CreateFile(
		pathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0,
		nil,
		windows.OPEN_EXISTING,
		0,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("splittunnel: open %s: %w", devicePath, err)
	}
	d := &Device{handle: h}

	state, err := d.State(ctx)
	if err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("splittunnel: query state: %w", err)
	}
	if state == StateStarted {
		if err := d.control(IOCTLInitialize, nil, nil); err != nil {
			windows.CloseHandle(h)
			return nil, fmt.Errorf("splittunnel: initialize: %w", err)
		}
	}

	if err := acl.Apply(devicePath, true, false); err != nil {
		dlog.Warnf(ctx, "splittunnel: could not relax device ACL: %v", err)
	}

	return d, nil
}

// Close releases the driver handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return nil
	}
	err := windows.CloseHandle(d.handle)
	d.handle = 0
	return err
}

// SetPaths implements tsm.SplitTunnel: installs the exclusion list as the
// set of application paths to route outside the tunnel.
func (d *Device) SetPaths(ctx context.Context, paths []string) error {
	buf := EncodeConfiguration(paths)
	dlog.Debugf(ctx, "splittunnel: SetConfiguration with %d entries (%d bytes)", len(paths), len(buf))
	return d.control(IOCTLSetConfiguration, buf, nil)
}

// RegisterIPs tells the driver the tunnel and internet-facing addresses so
// it can rewrite excluded-process sockets to bind outside the tunnel
// (spec §4.6, Connected.enter "Windows split-tunnel IP registration").
func (d *Device) RegisterIPs(ctx context.Context, ipv4, ipv6 string) error {
	buf := encodeIPAddresses(ipv4, ipv6)
	return d.control(IOCTLRegisterIPAddrs, buf, nil)
}

// State queries the driver's current DriverState.
func (d *Device) State(ctx context.Context) (DriverState, error) {
	out := make([]byte, 8)
	if err := d.control(IOCTLGetState, nil, out); err != nil {
		return StateNone, err
	}
	return DriverState(leUint64(out)), nil
}

// ClearConfiguration removes any installed exclusion list.
func (d *Device) ClearConfiguration(ctx context.Context) error {
	return d.control(IOCTLClearConfiguration, nil, nil)
}

func (d *Device) control(code uint32, in, out []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == 0 {
		return fmt.Errorf("splittunnel: device closed")
	}

	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}

	var bytesReturned uint32
	return windows.DeviceIoControl(
		d.handle,
		code,
		inPtr, uint32(len(in)),
		outPtr, uint32(len(out)),
		&bytesReturned,
		nil,
	)
}

func encodeIPAddresses(ipv4, ipv6 string) []byte {
	v4 := []byte(ipv4)
	v6 := []byte(ipv6)
	buf := make([]byte, 8+len(v4)+len(v6))
	buf[0] = byte(len(v4))
	buf[4] = byte(len(v6))
	copy(buf[8:], v4)
	copy(buf[8+len(v4):], v6)
	return buf
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
