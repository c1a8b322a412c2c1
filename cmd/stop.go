package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long: `Stop the running daemon gracefully.

The shutdown request goes over the control socket. When the socket is
unreachable and control.pid_file is configured, SIGTERM is sent to the
recorded process instead.`,
	PersistentPreRunE: connect,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), cli, pidFallback, cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for the process when signalling by PID")
}

func runStop(ctx context.Context, client ClientInterface, fallback func() error, out io.Writer) error {
	err := client.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if fallback == nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	if ferr := fallback(); ferr != nil {
		return fmt.Errorf("failed to stop: %v; pid fallback: %w", err, ferr)
	}
	fmt.Fprintln(out, "✓ Daemon stopped by signal")
	return nil
}

func pidFallback() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	return daemon.StopByPIDFile(cfg.Control.PIDFile, stopTimeout)
}
