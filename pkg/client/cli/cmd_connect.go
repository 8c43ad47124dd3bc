package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mullwire/tunneld/internal/ipc"
	"github.com/mullwire/tunneld/internal/tsm"
	"github.com/mullwire/tunneld/pkg/client/errcat"
)

func connectCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Bring the tunnel up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTunnelCommand(cmd, ipc.Request{Kind: ipc.ReqConnect}, wait, func(t tsm.TunnelStateTransition) bool {
				return t.Kind == tsm.TransConnected || t.Kind == tsm.TransError
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the tunnel is connected (or fails) before returning")
	return cmd
}

func disconnectCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Bring the tunnel down",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTunnelCommand(cmd, ipc.Request{Kind: ipc.ReqDisconnect}, wait, func(t tsm.TunnelStateTransition) bool {
				return t.Kind == tsm.TransDisconnected
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the tunnel is fully down before returning")
	return cmd
}

func reconnectCommand() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Disconnect, then connect again",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTunnelCommand(cmd, ipc.Request{Kind: ipc.ReqReconnect}, wait, func(t tsm.TunnelStateTransition) bool {
				return t.Kind == tsm.TransConnected || t.Kind == tsm.TransError
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the tunnel settles before returning")
	return cmd
}

// runTunnelCommand issues req against the daemon. When wait is true it
// subscribes to the observer stream BEFORE sending req so no transition
// can be missed between dial and subscribe, then prints every transition
// until done reports true, grounded on original_source/mullvad-cli's
// connect.rs/state.rs subscribe-then-command ordering.
func runTunnelCommand(cmd *cobra.Command, req ipc.Request, wait bool, done func(tsm.TunnelStateTransition) bool) error {
	ctx := cmd.Context()
	client, err := dialDaemon(ctx, true)
	if err != nil {
		return err
	}
	defer client.Close()

	if !wait {
		_, err := client.Do(req)
		return err
	}

	return withSubscription(ctx, client, req, done, cmd)
}

func withSubscription(ctx context.Context, client *ipc.Client, req ipc.Request, done func(tsm.TunnelStateTransition) bool, cmd *cobra.Command) error {
	// A second connection is used for the command itself because Subscribe
	// takes over the connection's read loop for the rest of its life.
	cmdClient, err := dialDaemon(ctx, false)
	if err != nil {
		return err
	}
	defer cmdClient.Close()

	stream, err := client.Subscribe(ctx)
	if err != nil {
		return errcat.OtherCLI.Newf("%w", err)
	}

	if _, err := cmdClient.Do(req); err != nil {
		return err
	}

	for t := range stream {
		printTransition(cmd, t)
		if done(t.Transition) {
			if t.Transition.Kind == tsm.TransError {
				return categoryFor(t.Transition.Cause).New(t.Transition.Cause)
			}
			return nil
		}
	}
	return errcat.OtherCLI.New("daemon closed the connection before the tunnel settled")
}

// categoryFor buckets a terminal ErrorStateCause into the errcat category
// that decides tunnelctl's exit behavior: causes the operator can act on
// directly (bad credentials, offline, a competing firewall manager) are
// User errors; everything else sends them to the daemon log.
func categoryFor(cause tsm.ErrorStateCause) errcat.Category {
	switch cause.Kind {
	case tsm.CauseAuthFailed, tsm.CauseTunnelParameterError, tsm.CauseIsOffline, tsm.CauseVpnPermissionDenied:
		return errcat.User
	case tsm.CauseSetFirewallPolicyError:
		if cause.FirewallDetail == tsm.FirewallErrLockedByAnotherApplication {
			return errcat.User
		}
		return errcat.Unknown
	default:
		return errcat.Unknown
	}
}
