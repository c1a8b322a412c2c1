package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/command"
	"firestige.xyz/custody/internal/config"
)

// ClientInterface is the daemon control surface the CLI commands use.
type ClientInterface interface {
	Status(ctx context.Context) (*command.Response, error)
	Stats(ctx context.Context) (*command.Response, error)
	Reload(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Close() error
}

var cli ClientInterface

// SetClient injects the client, used by tests.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the current client.
func GetClient() ClientInterface {
	return cli
}

// connect creates the UDS client unless one was injected. The socket
// comes from --socket or, failing that, from the config file.
func connect(cmd *cobra.Command, args []string) error {
	if cli != nil {
		return nil
	}

	socket := socketPath
	var timeout time.Duration
	cfg, err := config.Load(configFile)
	switch {
	case err == nil:
		timeout = cfg.Control.Timeout
		if socket == "" {
			socket = cfg.Control.Socket
		}
	case socket == "":
		return fmt.Errorf("no --socket given and config unreadable: %w", err)
	}
	if socket == "" {
		return fmt.Errorf("control socket is disabled in %s", configFile)
	}

	cli = command.NewUDSClient(socket, timeout)
	return nil
}

func closeClient(cmd *cobra.Command, args []string) {
	if cli != nil {
		cli.Close()
	}
}
