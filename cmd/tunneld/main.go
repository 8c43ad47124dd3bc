// tunneld is the daemon process: it owns the tsm.Dispatcher and every
// external backend (firewall, DNS, routes, tunnel plane) the TSM drives,
// and serves the CLI over internal/ipc. Grounded on
// pkg/client/rootd/service.go's dgroup-supervised subsystem wiring.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/mullwire/tunneld/internal/config"
	"github.com/mullwire/tunneld/internal/ipc"
	"github.com/mullwire/tunneld/internal/logging"
	"github.com/mullwire/tunneld/internal/tsm"
	"github.com/mullwire/tunneld/pkg/client/socket"
)

func main() {
	ctx := context.Background()

	env, err := config.LoadEnv(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunneld: failed to load environment: %v\n", err)
		os.Exit(1)
	}

	ctx, err = logging.InitContext(ctx, "daemon", env.LogDir, env.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tunneld: failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, env); err != nil {
		dlog.Errorf(ctx, "tunneld: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env config.Env) error {
	prefsPath := env.ResourceDir + "/" + config.PreferencesFile
	prefs, err := config.Load(prefsPath)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if prefs.Interface != "" {
		env.Interface = prefs.Interface
	}

	backend, err := newPlatformBackend(ctx, env)
	if err != nil {
		return fmt.Errorf("initialize platform backend: %w", err)
	}
	defer backend.Close(ctx)

	shared := &tsm.SharedTunnelStateValues{
		Firewall:              backend.Firewall,
		DNSMonitor:            backend.DNSMonitor,
		RouteManager:          backend.RouteManager,
		SplitTunnel:           backend.SplitTunnel,
		IsWindows:             backend.IsWindows,
		AllowLan:              prefs.AllowLan,
		BlockWhenDisconnected: prefs.BlockWhenDisconnected,
		ResourceDir:           env.ResourceDir,
		ParamSource:           backend.ResolveParams,
		Monitor:               backend.Monitor,
	}

	cmds := make(chan tsm.TunnelCommand, 8)
	dispatcher := tsm.NewDispatcher(shared, cmds)
	hub := ipc.NewHub()
	sessionID := uuid.NewString()

	listener, err := socket.Listen(ctx, "daemon", env.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", env.SocketPath, err)
	}
	defer socket.Remove(listener)

	server := ipc.NewServer(listener, cmds, hub, sessionID)

	group := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	group.Go("preferences", func(ctx context.Context) error {
		// Preference changes are funneled through cmds rather than
		// mutating shared directly: the dispatcher goroutine is the sole
		// owner of SharedTunnelStateValues (invariant I2).
		watcher, err := config.NewWatcher(prefsPath, func(ctx context.Context, p config.Preferences) {
			send := func(cmd tsm.TunnelCommand) {
				select {
				case cmds <- cmd:
				case <-ctx.Done():
				}
			}
			send(tsm.TunnelCommand{Kind: tsm.CmdAllowLan, Bool: p.AllowLan})
			send(tsm.TunnelCommand{Kind: tsm.CmdBlockWhenDisconnected, Bool: p.BlockWhenDisconnected})
		})
		if err != nil {
			return err
		}
		return watcher.Run(ctx)
	})
	group.Go("dispatcher", func(ctx context.Context) error {
		dispatcher.Run(ctx)
		return nil
	})
	group.Go("hub", func(ctx context.Context) error {
		hub.Run(dispatcher.Observe)
		return nil
	})
	group.Go("ipc", func(ctx context.Context) error {
		return server.Serve(ctx)
	})

	dlog.Infof(ctx, "tunneld: session %s listening on %s", sessionID, env.SocketPath)
	return group.Wait()
}
