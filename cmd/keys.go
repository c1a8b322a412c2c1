package cmd

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/keys"
	"firestige.xyz/custody/internal/keystore"
	"firestige.xyz/custody/internal/registry"
)

var (
	keysIdentity string
	keysRegister bool
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage signing keys in the key store",
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key of an identity, creating the key pair if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := openKeyManager(configFile, keysIdentity)
		if err != nil {
			return err
		}
		return runKeysShow(m, cmd.OutOrStdout())
	},
}

var keysRegistrationCmd = &cobra.Command{
	Use:   "registration",
	Short: "Print the self-signed key registration of an identity",
	Long: `Print the self-signed key registration of an identity as JSON.

With --register the registration is also posted to the key service.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		m, err := openKeyManager(configFile, keysIdentity)
		if err != nil {
			return err
		}
		var api keyRegistrar
		if keysRegister {
			api = registry.NewClient(cfg.API)
		}
		return runKeysRegistration(cmd.Context(), m, api, cmd.OutOrStdout())
	},
}

func init() {
	keysCmd.PersistentFlags().StringVarP(&keysIdentity, "identity", "i", "",
		"key store alias (default: device.id from config)")
	keysRegistrationCmd.Flags().BoolVar(&keysRegister, "register", false,
		"post the registration to the key service")
	keysCmd.AddCommand(keysShowCmd)
	keysCmd.AddCommand(keysRegistrationCmd)
}

// keyRegistrar posts key registrations.
type keyRegistrar interface {
	RegisterKey(ctx context.Context, reg *keys.KeyRegistration) (int, error)
}

// openKeyManager unlocks the configured key store and loads identity,
// falling back to device.id.
func openKeyManager(path, identity string) (*keys.Manager, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if identity != "" {
		cfg.Device.ID = identity
	}
	if err := cfg.ValidateKeystore(); err != nil {
		return nil, err
	}

	store, err := keystore.Open(cfg.Keystore.Path, cfg.Keystore.Password)
	if err != nil {
		return nil, err
	}
	return keys.Open(store, cfg.Device.ID)
}

func runKeysShow(m *keys.Manager, out io.Writer) error {
	pub := m.PublicKey()
	fmt.Fprintf(out, "identity: %s\n", m.Identity())
	fmt.Fprintf(out, "hex:      %s\n", hex.EncodeToString(pub))
	fmt.Fprintf(out, "base64:   %s\n", base64.StdEncoding.EncodeToString(pub))
	return nil
}

func runKeysRegistration(ctx context.Context, m *keys.Manager, api keyRegistrar, out io.Writer) error {
	reg, err := m.PackKeyRegistration(timeNow())
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format registration: %w", err)
	}
	fmt.Fprintln(out, string(data))

	if api == nil {
		return nil
	}
	status, err := api.RegisterKey(ctx, reg)
	if err != nil {
		return fmt.Errorf("failed to register key: %w", err)
	}
	if !registry.Success(status) {
		return fmt.Errorf("key service rejected registration: HTTP %d", status)
	}
	fmt.Fprintf(out, "✓ Key registered (HTTP %d)\n", status)
	return nil
}
