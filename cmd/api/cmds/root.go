package cmds

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "peer-testing",
	Short:         "Peer testing coursework platform",
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, requeueCmd)
}

// Execute runs the command line. Without a subcommand the API server starts.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
