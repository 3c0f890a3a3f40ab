package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "payfinder",
		Short:         "Discover payment apps for a payment request",
		Long:          `payfinder lists the installed payment apps able to handle a payment request, verifying native apps against the payment method manifests of their methods.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newFindCommand(), newVersionCommand())
	return cmd
}
