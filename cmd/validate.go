package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/config"
)

var validateRole string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	Long: `Validate the config file without starting anything.

With --role the settings that role needs are checked as well.

Examples:
  custody validate -c config.yml
  custody validate -c config.yml --role relay`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validateRole, cmd.OutOrStdout())
	},
}

func init() {
	validateCmd.Flags().StringVarP(&validateRole, "role", "r", "",
		"also check the settings of a role (relay | verifier)")
}

func runValidate(path, role string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	switch role {
	case "":
	case "relay":
		err = cfg.ValidateRelay()
	case "verifier":
		err = cfg.ValidateVerifier()
	default:
		return fmt.Errorf("unknown role %q (must be relay or verifier)", role)
	}
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: %s", path)
	if role != "" {
		fmt.Fprintf(out, " (role %s)", role)
	}
	fmt.Fprintln(out)
	return nil
}
