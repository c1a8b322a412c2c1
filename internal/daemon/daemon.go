// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/custody/internal/command"
	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/keys"
	"firestige.xyz/custody/internal/keystore"
	logpkg "firestige.xyz/custody/internal/log"
	"firestige.xyz/custody/internal/metrics"
	"firestige.xyz/custody/internal/pipeline"
	"firestige.xyz/custody/internal/registry"
	"firestige.xyz/custody/internal/relay"
	"firestige.xyz/custody/internal/transport"
	"firestige.xyz/custody/internal/verifier"
)

// Role selects what the daemon runs.
type Role string

const (
	// RoleRelay reads the sensor, provisions and anchors packets and
	// forwards them to the verifier.
	RoleRelay Role = "relay"
	// RoleVerifier receives relayed packets and checks their signatures.
	RoleVerifier Role = "verifier"
)

// Option customizes a Daemon.
type Option func(*Daemon)

// WithSerialOpener replaces the serial port opener of the relay role.
func WithSerialOpener(open transport.Opener) Option {
	return func(d *Daemon) { d.opener = open }
}

// Daemon manages the custody daemon process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	role       Role
	opener     transport.Opener

	// Relay role
	pipeline *pipeline.Pipeline

	// Verifier role
	verifier       *verifier.Verifier
	verifierServer *verifier.Server
	serverDone     chan struct{}

	// Control plane
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer // nil if control.socket is empty
	metricsServer *metrics.Server    // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
	mu           sync.Mutex // guards config
}

// New creates a new Daemon instance.
func New(configPath string, role Role, opts ...Option) (*Daemon, error) {
	if role != RoleRelay && role != RoleVerifier {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   globalConfig.Control.Socket,
		pidFile:      globalConfig.Control.PIDFile,
		role:         role,
		opener:       transport.OpenSerial,
		shutdownChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d, nil
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	slog.Info("starting custody daemon",
		"version", command.Version,
		"role", d.role,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		d.cleanupFailedStart()
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Start the role
	var err error
	switch d.role {
	case RoleRelay:
		err = d.startRelay()
	case RoleVerifier:
		err = d.startVerifier()
	}
	if err != nil {
		d.cleanupFailedStart()
		return fmt.Errorf("failed to start %s: %w", d.role, err)
	}

	// 5. Command handler, with daemon_shutdown wired to graceful stop
	d.cmdHandler = command.NewCommandHandler(d)
	d.cmdHandler.SetShutdownFunc(func() {
		slog.Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 6. Start UDS server for CLI control
	if d.socketPath != "" {
		d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
		if err := d.udsServer.Listen(); err != nil {
			d.stopRole()
			d.cleanupFailedStart()
			return err
		}
		go func() {
			if err := d.udsServer.Serve(d.ctx); err != nil {
				slog.Error("uds server failed", "error", err)
			}
		}()
	}

	slog.Info("daemon started successfully", "role", d.role)
	return nil
}

// startRelay opens the gateway key, announces it to the key service and
// starts reading the sensor.
func (d *Daemon) startRelay() error {
	cfg := d.config
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	store, err := keystore.Open(cfg.Keystore.Path, cfg.Keystore.Password)
	if err != nil {
		return err
	}
	gateway, err := keys.Open(store, cfg.Device.ID)
	if err != nil {
		return err
	}

	api := registry.NewClient(cfg.API)
	if cfg.API.RegisterGatewayKey {
		d.registerGatewayKey(api, gateway)
	}

	d.pipeline = pipeline.NewBuilder().
		FromConfig(cfg).
		WithOpener(d.opener).
		WithAPI(api).
		WithForwarder(relay.NewForwarder(cfg.Relay)).
		Build()
	return d.pipeline.Start(d.ctx)
}

// registerGatewayKey is best effort; the relay runs without it.
func (d *Daemon) registerGatewayKey(api *registry.Client, gateway *keys.Manager) {
	reg, err := gateway.PackKeyRegistration(time.Now())
	if err != nil {
		slog.Error("failed to pack gateway key registration", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config.API.Timeout)
	defer cancel()
	status, err := api.RegisterKey(ctx, reg)
	switch {
	case err != nil:
		slog.Warn("gateway key registration failed", "device", gateway.Identity(), "error", err)
	case !registry.Success(status):
		slog.Warn("gateway key registration rejected", "device", gateway.Identity(), "status", status)
	default:
		slog.Info("gateway key registered", "device", gateway.Identity())
	}
}

// startVerifier opens the record log and binds the verifier listener.
func (d *Daemon) startVerifier() error {
	cfg := d.config
	if err := cfg.ValidateVerifier(); err != nil {
		return err
	}

	records, err := verifier.OpenRecordLog(cfg.Verifier.RecordPath)
	if err != nil {
		return err
	}

	var opts []verifier.Option
	if cfg.Verifier.Kafka.Enabled {
		pub, err := verifier.NewKafkaPublisher(cfg.Verifier.Kafka)
		if err != nil {
			records.Close()
			return err
		}
		opts = append(opts,
			verifier.WithPublisher(pub),
			verifier.WithPublishTimeout(cfg.Verifier.Kafka.PublishTimeout),
		)
	}

	d.verifier = verifier.New(verifier.NewTrustedKey(nil), records, opts...)
	d.verifierServer = verifier.NewServer(verifier.ServerConfig{
		Listen:          cfg.Verifier.Listen,
		ReadTimeout:     cfg.Verifier.ReadTimeout,
		MaxMessageBytes: cfg.Verifier.MaxMessageBytes,
	}, d.verifier)
	if err := d.verifierServer.Listen(); err != nil {
		d.verifier.Close()
		d.verifier, d.verifierServer = nil, nil
		return err
	}

	d.serverDone = make(chan struct{})
	go func() {
		defer close(d.serverDone)
		if err := d.verifierServer.Serve(d.ctx); err != nil {
			slog.Error("verifier server failed", "error", err)
		}
	}()
	return nil
}

// VerifierAddr returns the bound verifier address, or "" for the relay
// role.
func (d *Daemon) VerifierAddr() string {
	if d.verifierServer == nil || d.verifierServer.Addr() == nil {
		return ""
	}
	return d.verifierServer.Addr().String()
}

// Stop performs graceful shutdown of all daemon components. Safe to call
// more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")

	// 1. Stop the role (no new packets)
	d.stopRole()

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		d.udsServer.Stop()
	}

	// 3. Stop metrics server
	d.stopMetrics()

	// 4. Cancel context to signal all goroutines
	d.cancel()
	if d.serverDone != nil {
		<-d.serverDone
	}

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}

	slog.Info("daemon stopped gracefully")

	// 7. Flush logs
	logpkg.Flush()
}

func (d *Daemon) stopRole() {
	if d.pipeline != nil {
		slog.Info("stopping pipeline")
		if err := d.pipeline.Stop(); err != nil {
			slog.Error("error stopping pipeline", "error", err)
		}
	}
	if d.verifierServer != nil {
		slog.Info("stopping verifier server")
		d.verifierServer.Stop()
	}
	if d.verifier != nil {
		if err := d.verifier.Close(); err != nil {
			slog.Error("error closing verifier", "error", err)
		}
	}
}

func (d *Daemon) stopMetrics() {
	if d.metricsServer == nil {
		return
	}
	slog.Info("stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.metricsServer.Stop(shutdownCtx); err != nil {
		slog.Error("error stopping metrics server", "error", err)
	}
}

func (d *Daemon) cleanupFailedStart() {
	d.stopMetrics()
	d.cancel()
	d.removePIDFile()
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			slog.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			if errors.Is(d.ctx.Err(), context.Canceled) {
				return nil
			}
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): everything the role and the listeners use.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	oldConfig := d.config
	d.config = newConfig
	d.mu.Unlock()

	hotReloaded := []string{}
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log != oldConfig.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	requiresRestart := []string{}
	for name, changed := range map[string]bool{
		"device":          newConfig.Device != oldConfig.Device,
		"sensor":          newConfig.Sensor != oldConfig.Sensor,
		"relay":           newConfig.Relay != oldConfig.Relay,
		"keystore":        newConfig.Keystore != oldConfig.Keystore,
		"verifier.listen": newConfig.Verifier.Listen != oldConfig.Verifier.Listen,
		"control.socket":  newConfig.Control.Socket != oldConfig.Control.Socket,
		"metrics":         newConfig.Metrics != oldConfig.Metrics,
	} {
		if changed {
			requiresRestart = append(requiresRestart, name)
		}
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)

	return nil
}

// Role implements command.Controller.
func (d *Daemon) Role() string { return string(d.role) }

// Stats implements command.Controller.
func (d *Daemon) Stats() interface{} {
	switch {
	case d.pipeline != nil:
		return d.pipeline.Stats()
	case d.verifier != nil:
		return d.verifier.Stats()
	}
	return nil
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TriggerShutdown triggers graceful shutdown from external caller (e.g., daemon_shutdown command).
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// already pending
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	cfg := d.Config()
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}

	slog.SetDefault(logpkg.Get())

	slog.Debug("logging initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
	)

	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		d.metricsServer = nil
		return err
	}
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
