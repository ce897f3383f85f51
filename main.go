package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dashterm: %v\n", err)
		os.Exit(1)
	}
}

type clientFlags struct {
	url   string
	token string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dashterm",
		Short:         "Multi-session terminal host and console client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := &clientFlags{}
	root.PersistentFlags().StringVar(&flags.url, "url", "", "host URL (default http://$DASHTERM_HOST:$DASHTERM_PORT)")
	root.PersistentFlags().StringVar(&flags.token, "token", "", "auth token (default read from the host's token file)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAttachCmd(flags))
	root.AddCommand(newSessionsCmd(flags))
	root.AddCommand(newFontSizeCmd(flags))
	root.AddCommand(newVersionCmd())

	return root
}
