// Package cli implements the tunnelctl command tree: connect, disconnect,
// reconnect and status, talking to the daemon over internal/ipc. Grounded
// on pkg/client/cli/cmd.go's cobra root-command construction.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mullwire/tunneld/internal/ipc"
	"github.com/mullwire/tunneld/pkg/client/errcat"
	"github.com/mullwire/tunneld/pkg/client/socket"
)

const help = `tunnelctl controls the tunnel daemon: it connects, disconnects, and
reports the current tunnel state. The daemon itself runs as a separate,
typically privileged, background process; tunnelctl only ever talks to it
over the local IPC socket.`

// ClientVersion is stamped into the IPC handshake; set by the linker at
// build time via -ldflags (see cmd/tunnelctl/main.go).
var ClientVersion = "0.0.0-dev"

// NewRootCommand builds the tunnelctl command tree.
func NewRootCommand(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "tunnelctl",
		Short:         "Control the tunnel daemon",
		Long:          help,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetContext(ctx)
	root.AddCommand(
		connectCommand(),
		disconnectCommand(),
		reconnectCommand(),
		statusCommand(),
	)
	return root
}

func dialDaemon(ctx context.Context, wait bool) (*ipc.Client, error) {
	path := socket.DaemonPath(ctx)
	conn, err := socket.Dial(ctx, path, wait)
	if err != nil {
		return nil, errcat.User.Newf("could not reach the tunnel daemon: %w", err)
	}
	c, err := ipc.NewClient(conn, ClientVersion)
	if err != nil {
		return nil, errcat.OtherCLI.Newf("%w", err)
	}
	return c, nil
}

func printTransition(cmd *cobra.Command, t ipc.Transition) {
	fmt.Fprintln(cmd.OutOrStdout(), t.Transition.String())
}
