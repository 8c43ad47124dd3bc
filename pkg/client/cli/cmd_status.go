package cli

import (
	"github.com/spf13/cobra"

	"github.com/mullwire/tunneld/internal/ipc"
)

// statusCommand is supplemented from original_source/mullvad-cli/src/cmds/state.rs,
// which the distillation dropped: print the current transition once and exit.
func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current tunnel state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := dialDaemon(ctx, false)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Do(ipc.Request{Kind: ipc.ReqStatus})
			if err != nil {
				return err
			}
			printTransition(cmd, ipc.Transition{SessionID: client.SessionID, Transition: resp.Transition})
			return nil
		},
	}
}
