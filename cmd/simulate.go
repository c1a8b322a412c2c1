package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"firestige.xyz/custody/internal/sensor"
	"firestige.xyz/custody/internal/transport"
)

var (
	simPort     string
	simBaud     int
	simStdio    bool
	simInterval time.Duration
	simCount    int
	simState    string
)

// timeNow is replaced in tests.
var timeNow = time.Now

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Act as a sensor on a serial port or stdio",
	Long: `Run a software sensor that speaks the serial line protocol.

The simulator prints a banner, asks the host for the time, sends a key
registration and then emits signed data packets chained by signature.
The signing key is loaded from the key store under --identity and the
last signature is kept in --state so the chain survives restarts.

Examples:
  custody simulate -c config.yml -i <uuid> --port /dev/ttyGS0
  custody simulate -c config.yml -i <uuid> --stdio --count 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var rw io.ReadWriteCloser
		switch {
		case simStdio:
			rw = stdio{}
		case simPort != "":
			port, err := transport.OpenSerial(simPort, simBaud)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", simPort, err)
			}
			rw = port
		default:
			return fmt.Errorf("either --port or --stdio is required")
		}
		defer rw.Close()

		return runSimulate(ctx, configFile, keysIdentity, rw)
	},
}

func init() {
	simulateCmd.Flags().StringVarP(&keysIdentity, "identity", "i", "",
		"sensor identity (UUID), also its key store alias")
	simulateCmd.Flags().StringVar(&simPort, "port", "", "serial port to write to")
	simulateCmd.Flags().IntVar(&simBaud, "baud", 115200, "serial baud rate")
	simulateCmd.Flags().BoolVar(&simStdio, "stdio", false, "use stdin/stdout instead of a serial port")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", time.Second, "time between data packets")
	simulateCmd.Flags().IntVar(&simCount, "count", 0, "data packets to send, 0 runs until interrupted")
	simulateCmd.Flags().StringVar(&simState, "state", "", "file keeping the last signature")
	simulateCmd.MarkFlagRequired("identity")
}

func runSimulate(ctx context.Context, path, identity string, rw io.ReadWriter) error {
	id, err := uuid.Parse(identity)
	if err != nil {
		return fmt.Errorf("invalid identity %q: %w", identity, err)
	}

	m, err := openKeyManager(path, id.String())
	if err != nil {
		return err
	}

	sim, err := sensor.New(sensor.Config{
		DeviceID:  id,
		Interval:  simInterval,
		Count:     simCount,
		StatePath: simState,
	}, m)
	if err != nil {
		return err
	}

	err = sim.Run(ctx, rw)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return nil }
