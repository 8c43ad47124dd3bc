// Package socket locates and dials the daemon's IPC endpoint: a Unix domain
// socket on Linux, a named pipe on Windows. Adapted from
// pkg/client/socket/sockets.go, with google.golang.org/grpc's ClientConn
// replaced by a plain net.Conn, since the IPC layer here (internal/ipc) is
// a hand-rolled gob codec rather than a generated gRPC service.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"
)

// DaemonPath is the path (or named-pipe name, on Windows) used to reach the
// tunnel daemon.
func DaemonPath(ctx context.Context) string {
	return daemonPath(ctx)
}

func errNotExist(socketName string) error {
	return &net.OpError{
		Op:   "dial",
		Net:  "unix",
		Addr: &net.UnixAddr{Name: socketName, Net: "unix"},
		Err:  fs.ErrNotExist,
	}
}

// Dial connects to socketName, optionally waiting for it to come into
// existence first.
func Dial(ctx context.Context, socketName string, waitForReady bool) (net.Conn, error) {
	if waitForReady {
		if err := WaitForSocket(ctx, socketName, 5*time.Second); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w; this usually means that the process is not running", errNotExist(socketName))
			}
			return nil, err
		}
	} else {
		ok, err := Exists(socketName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errNotExist(socketName)
		}
	}

	conn, err := dialConn(ctx, socketName)
	if err != nil {
		// Socket exists but doesn't accept connections. This usually means
		// the process terminated ungracefully; remove the stale file so the
		// next daemon start isn't blocked by it.
		if rmErr := os.Remove(socketName); rmErr == nil {
			err = fmt.Errorf("%w; socket unresponsive and removed", err)
		}
		return nil, fmt.Errorf("dial to socket %s failed: %w", socketName, err)
	}
	return conn, nil
}

// Listen returns a listener bound to socketName.
func Listen(ctx context.Context, processName, socketName string) (net.Listener, error) {
	return listen(ctx, processName, socketName)
}

// Remove removes any filesystem representation of the socket.
func Remove(listener net.Listener) error {
	return removeListener(listener)
}

// Exists returns true if a socket is found with the given name, false
// otherwise. An error is returned if the state of the socket cannot be
// determined, or if the found entry is not a socket.
func Exists(name string) (bool, error) {
	return exists(name)
}

// WaitUntilVanishes waits until the socket at the given path is removed.
// The wait is capped at ttw.
func WaitUntilVanishes(name, path string, ttw time.Duration) error {
	giveUp := time.Now().Add(ttw)
	for giveUp.After(time.Now()) {
		if exists, err := Exists(path); err != nil || !exists {
			return err
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("timeout while waiting for %s to exit", name)
}

// WaitForSocket waits until the socket at the given path comes into
// existence. The wait is capped at ttw.
func WaitForSocket(ctx context.Context, path string, ttw time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, ttw)
	defer cancel()
	for ctx.Err() == nil {
		if ok, err := Exists(path); err != nil || ok {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("%w while waiting for socket %s", ctx.Err(), path)
}

// WaitUntilRunning waits until the socket at the given path both exists and
// accepts a connection.
func WaitUntilRunning(ctx context.Context, path string) error {
	conn, err := Dial(ctx, path, true)
	if err == nil {
		conn.Close()
	}
	return err
}

// IsRunning reports whether a daemon at path accepts connections. No error
// is returned when the failure is simply that the socket doesn't exist.
func IsRunning(ctx context.Context, path string) (bool, error) {
	conn, err := Dial(ctx, path, false)
	switch {
	case err == nil:
		conn.Close()
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
