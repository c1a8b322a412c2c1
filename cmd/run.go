package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/daemon"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the sensor relay in foreground",
	Long: `Run the sensor relay daemon in foreground.

The relay will:
  1. Load configuration and initialize logging and metrics
  2. Open the gateway signing key from the key store
  3. Register the gateway key with the key service (if enabled)
  4. Read packets from the serial sensor, answering clock requests
  5. Register new sensor identities and devices with the backend
  6. Anchor data packets and forward everything to the verifier
  7. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(daemon.RoleRelay)
	},
}

var verifierCmd = &cobra.Command{
	Use:   "verifier",
	Short: "Run the signature verifier in foreground",
	Long: `Run the verifier daemon in foreground.

The verifier accepts relayed packets over TCP, appends each to the record
file, trusts the first key registration it sees and checks every data
packet against the trusted key. Verdicts can be streamed to Kafka.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(daemon.RoleVerifier)
	},
}

func runDaemon(role daemon.Role) error {
	d, err := daemon.New(configFile, role)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// blocks until shutdown
	return d.Run()
}
