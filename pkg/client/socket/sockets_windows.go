//go:build windows

package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
)

// daemonPath is the named pipe used to reach the tunnel daemon.
func daemonPath(ctx context.Context) string {
	return `\\.\pipe\tunneld`
}

func dialConn(ctx context.Context, socketName string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return winio.DialPipeContext(ctx, socketName)
}

// listen returns a listener for the given named pipe.
func listen(_ context.Context, processName, socketName string) (net.Listener, error) {
	listener, err := winio.ListenPipe(socketName, nil)
	if err != nil {
		return nil, fmt.Errorf("pipe %q exists so the %s is either already running or terminated ungracefully: %w", socketName, processName, err)
	}
	return listener, nil
}

// removeListener is a no-op: named pipes have no filesystem entry to unlink
// once the owning handle is closed.
func removeListener(net.Listener) error {
	return nil
}

// exists returns true if a named pipe is found at the given path.
func exists(path string) (bool, error) {
	namep, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return false, err
	}
	var fa windows.Win32FileAttributeData
	err = windows.GetFileAttributesEx(namep, windows.GetFileExInfoStandard, (*byte)(unsafe.Pointer(&fa)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, nil
	}
	return true, nil
}
