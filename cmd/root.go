// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/command"
)

var (
	// Global flags
	configFile string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "custody",
	Short: "Custody - signed sensor data relay and verifier",
	Long: `Custody carries signed sensor packets from a serial-attached device to
a verifier while keeping an unbroken chain of custody.

Roles:
  - relay:    read the sensor, register identities, anchor data packets
              and forward them to the verifier
  - verifier: record relayed packets and check their signature chain
  - simulate: act as a sensor on a serial port or stdio for testing

A running relay or verifier is controlled over a Unix Domain Socket with
the status, stats, reload and stop commands.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/custody/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(verifierCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
}
