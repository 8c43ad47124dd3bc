package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mullwire/tunneld/pkg/client/cli"
	"github.com/mullwire/tunneld/pkg/client/errcat"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "0.0.0-dev"

func main() {
	ctx := context.Background()
	cli.ClientVersion = version

	cmd := cli.NewRootCommand(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", cmd.CommandPath(), err)
		if errcat.GetCategory(err) == errcat.Unknown {
			fmt.Fprintln(cmd.ErrOrStderr(), "see the daemon log for details")
		}
		os.Exit(1)
	}
}
