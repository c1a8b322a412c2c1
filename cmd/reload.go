package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the running daemon to re-read its config file.

Log settings apply immediately; other changes are reported as requiring
a restart.`,
	PersistentPreRunE: connect,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
