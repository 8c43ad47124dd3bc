//go:build !windows

package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// daemonPath is the path used when communicating with the tunnel daemon.
func daemonPath(ctx context.Context) string {
	return "/var/run/tunneld/daemon.sock"
}

func dialConn(ctx context.Context, socketName string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", socketName)
}

func removeListener(listener net.Listener) error {
	return os.Remove(listener.Addr().String())
}

func listen(_ context.Context, processName, socketName string) (net.Listener, error) {
	if os.Geteuid() == 0 {
		origUmask := unix.Umask(0)
		defer unix.Umask(origUmask)
	}
	listener, err := net.Listen("unix", socketName)
	if err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			err = fmt.Errorf("socket %q exists so the %s is either already running or terminated ungracefully", socketName, processName)
		}
		return nil, err
	}
	// Defer unlinking the socket until the process exits, rather than on
	// listener close, so callers can decide shutdown ordering.
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	return listener, nil
}

// exists returns true if a socket is found at the given path.
func exists(path string) (bool, error) {
	s, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return false, err
	}
	if s.Mode()&os.ModeSocket == 0 {
		return false, fmt.Errorf("%q is not a socket", path)
	}
	return true, nil
}
