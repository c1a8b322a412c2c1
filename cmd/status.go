package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the running daemon for its overall status.

Shows: version, role, pid and uptime.`,
	PersistentPreRunE: connect,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show daemon statistics",
	Long: `Query the running daemon for its packet counters.

A relay reports received, dropped, provisioned, anchored and forwarded
packets. A verifier reports received, verified and failed messages and
key updates.`,
	PersistentPreRunE: connect,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(cmd.Context(), cli, cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer) error {
	resp, err := client.Status(ctx)
	return printResult(out, "daemon_status", resp, err)
}

func runStats(ctx context.Context, client ClientInterface, out io.Writer) error {
	resp, err := client.Stats(ctx)
	return printResult(out, "daemon_stats", resp, err)
}

func printResult(out io.Writer, method string, resp *command.Response, err error) error {
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s", method, resp.Error.Message)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(resultJSON))
	return nil
}
