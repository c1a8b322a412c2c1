// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"firestige.xyz/custody/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `custody:` root key in YAML.
type GlobalConfig struct {
	Device   DeviceConfig   `mapstructure:"device"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Relay    RelayConfig    `mapstructure:"relay"`
	API      APIConfig      `mapstructure:"api"`
	Keystore KeystoreConfig `mapstructure:"keystore"`
	Verifier VerifierConfig `mapstructure:"verifier"`
	Control  ControlConfig  `mapstructure:"control"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// ─── Device Identity ───

// DeviceConfig identifies the gateway itself.
type DeviceConfig struct {
	ID   string `mapstructure:"id"` // UUID, alias of the gateway key in the key store
	Name string `mapstructure:"name"`
}

// ─── Serial Transport ───

// SensorConfig configures the serial link to the sensor.
type SensorConfig struct {
	Port         string        `mapstructure:"port"`
	Baud         int           `mapstructure:"baud"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // wait before reopening the port
}

// ─── Relay ───

// RelayConfig configures the downstream verifier endpoint.
type RelayConfig struct {
	Address      string        `mapstructure:"address"` // host:port
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ─── Registration / Anchoring API ───

// APIConfig configures the identity, device and anchoring backend.
// URLs may contain an `{env}` placeholder replaced by Env.
type APIConfig struct {
	Env                string        `mapstructure:"env"` // dev | demo | prod
	Auth               string        `mapstructure:"auth"`
	Groups             []string      `mapstructure:"groups"`
	KeyServiceURL      string        `mapstructure:"key_service_url"`
	DeviceServiceURL   string        `mapstructure:"device_service_url"`
	AnchorURL          string        `mapstructure:"anchor_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RegisterGatewayKey bool          `mapstructure:"register_gateway_key"`
}

// ─── Key Store ───

// KeystoreConfig locates the password protected key store.
type KeystoreConfig struct {
	Path     string `mapstructure:"path"`
	Password string `mapstructure:"password"`
}

// ─── Verifier ───

// VerifierConfig configures the signature chain verifier server.
type VerifierConfig struct {
	Listen          string        `mapstructure:"listen"`
	RecordPath      string        `mapstructure:"record_path"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	Kafka           VerdictKafka  `mapstructure:"kafka"`
}

// VerdictKafka configures publishing verification verdicts to Kafka.
type VerdictKafka struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	// PublishTimeout bounds one verdict write; verification waits at most this long.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// ─── Control ───

// ControlConfig contains process control settings.
type ControlConfig struct {
	Socket  string        `mapstructure:"socket"` // UDS for CLI control, empty disables
	PIDFile string        `mapstructure:"pid_file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `custody: ...`.
type configRoot struct {
	Custody GlobalConfig `mapstructure:"custody"`
}

// Load loads configuration from file.
// Env vars use the CUSTODY_ prefix (e.g., CUSTODY_SENSOR_PORT); list
// values from env are comma separated.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&root, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Custody

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("custody.device.id", "")
	v.SetDefault("custody.device.name", "")

	// Serial defaults
	v.SetDefault("custody.sensor.port", "/dev/ttyACM0")
	v.SetDefault("custody.sensor.baud", 115200)
	v.SetDefault("custody.sensor.retry_backoff", "60s")

	// Relay defaults
	v.SetDefault("custody.relay.address", "192.168.5.65:8080")
	v.SetDefault("custody.relay.dial_timeout", "5s")
	v.SetDefault("custody.relay.write_timeout", "5s")

	// API defaults
	v.SetDefault("custody.api.env", "demo")
	v.SetDefault("custody.api.auth", "")
	v.SetDefault("custody.api.groups", []string{})
	v.SetDefault("custody.api.key_service_url", "https://key.{env}.ubirch.com/api/keyService/v1")
	v.SetDefault("custody.api.device_service_url", "https://api.console.{env}.ubirch.com/ubirch-web-ui/api/v1")
	v.SetDefault("custody.api.anchor_url", "https://niomon.{env}.ubirch.com")
	v.SetDefault("custody.api.timeout", "10s")
	v.SetDefault("custody.api.register_gateway_key", true)

	// Key store defaults
	v.SetDefault("custody.keystore.path", "/var/lib/custody/keys.store")
	v.SetDefault("custody.keystore.password", "")

	// Verifier defaults
	v.SetDefault("custody.verifier.listen", ":8080")
	v.SetDefault("custody.verifier.record_path", "sensordata.txt")
	v.SetDefault("custody.verifier.read_timeout", "10s")
	v.SetDefault("custody.verifier.max_message_bytes", 4096)
	v.SetDefault("custody.verifier.kafka.enabled", false)
	v.SetDefault("custody.verifier.kafka.brokers", []string{})
	v.SetDefault("custody.verifier.kafka.topic", "custody-verdicts")
	v.SetDefault("custody.verifier.kafka.compression", "snappy")
	v.SetDefault("custody.verifier.kafka.batch_timeout", "100ms")
	v.SetDefault("custody.verifier.kafka.publish_timeout", "5s")

	// Control defaults
	v.SetDefault("custody.control.socket", "/tmp/custody.sock")
	v.SetDefault("custody.control.pid_file", "")
	v.SetDefault("custody.control.timeout", "10s")

	// Log defaults
	v.SetDefault("custody.log.level", "info")
	v.SetDefault("custody.log.format", "text")
	v.SetDefault("custody.log.outputs.file.enabled", false)
	v.SetDefault("custody.log.outputs.file.path", "/var/log/custody/custody.log")
	v.SetDefault("custody.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("custody.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("custody.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("custody.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("custody.metrics.enabled", false)
	v.SetDefault("custody.metrics.listen", ":9091")
	v.SetDefault("custody.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates settings shared by every role and
// expands the `{env}` placeholder in API URLs.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	cfg.API.Groups = compact(cfg.API.Groups)
	cfg.API.KeyServiceURL = expandEnv(cfg.API.KeyServiceURL, cfg.API.Env)
	cfg.API.DeviceServiceURL = expandEnv(cfg.API.DeviceServiceURL, cfg.API.Env)
	cfg.API.AnchorURL = expandEnv(cfg.API.AnchorURL, cfg.API.Env)

	if cfg.Verifier.Kafka.Enabled {
		if len(cfg.Verifier.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: verifier.kafka.brokers is required when verifier.kafka.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.Verifier.Kafka.Topic == "" {
			return fmt.Errorf("%w: verifier.kafka.topic is required when verifier.kafka.enabled=true", core.ErrConfigInvalid)
		}
	}

	return nil
}

// ValidateRelay checks the settings the sensor relay needs.
func (cfg *GlobalConfig) ValidateRelay() error {
	if cfg.Sensor.Port == "" {
		return fmt.Errorf("%w: sensor.port is required", core.ErrConfigInvalid)
	}
	if cfg.Sensor.Baud <= 0 {
		return fmt.Errorf("%w: sensor.baud must be positive, got %d", core.ErrConfigInvalid, cfg.Sensor.Baud)
	}
	if cfg.Sensor.RetryBackoff <= 0 {
		return fmt.Errorf("%w: sensor.retry_backoff must be positive", core.ErrConfigInvalid)
	}
	if _, _, err := net.SplitHostPort(cfg.Relay.Address); err != nil {
		return fmt.Errorf("%w: relay.address %q: %v", core.ErrConfigInvalid, cfg.Relay.Address, err)
	}
	return cfg.ValidateKeystore()
}

// ValidateKeystore checks the settings needed to open the gateway key.
func (cfg *GlobalConfig) ValidateKeystore() error {
	if cfg.Device.ID == "" {
		return fmt.Errorf("%w: device.id is required to load the signing key", core.ErrMissingIdentity)
	}
	if _, err := uuid.Parse(cfg.Device.ID); err != nil {
		return fmt.Errorf("%w: device.id %q is not a UUID", core.ErrConfigInvalid, cfg.Device.ID)
	}
	if cfg.Keystore.Path == "" {
		return fmt.Errorf("%w: keystore.path is required", core.ErrConfigInvalid)
	}
	if cfg.Keystore.Password == "" {
		return fmt.Errorf("%w: keystore.password is required", core.ErrConfigInvalid)
	}
	return nil
}

// ValidateVerifier checks the settings the verifier server needs.
func (cfg *GlobalConfig) ValidateVerifier() error {
	if _, _, err := net.SplitHostPort(cfg.Verifier.Listen); err != nil {
		return fmt.Errorf("%w: verifier.listen %q: %v", core.ErrConfigInvalid, cfg.Verifier.Listen, err)
	}
	if cfg.Verifier.RecordPath == "" {
		return fmt.Errorf("%w: verifier.record_path is required", core.ErrConfigInvalid)
	}
	if cfg.Verifier.MaxMessageBytes <= 0 {
		return fmt.Errorf("%w: verifier.max_message_bytes must be positive", core.ErrConfigInvalid)
	}
	return nil
}

func expandEnv(url, env string) string {
	return strings.ReplaceAll(url, "{env}", env)
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
