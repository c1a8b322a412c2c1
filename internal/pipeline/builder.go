package pipeline

import (
	"time"

	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/dispatch"
	"firestige.xyz/custody/internal/transport"
)

// Builder assembles a relay Pipeline. FromConfig supplies the settings;
// the With methods inject collaborators and test doubles.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// FromConfig fills sensor and dispatch settings from the global config.
func (b *Builder) FromConfig(cfg *config.GlobalConfig) *Builder {
	b.config.Sensor.Port = cfg.Sensor.Port
	b.config.Sensor.Baud = cfg.Sensor.Baud
	b.config.Sensor.Backoff = cfg.Sensor.RetryBackoff
	b.config.Dispatch.Groups = cfg.API.Groups
	b.config.Dispatch.Timeout = cfg.API.Timeout
	return b
}

// WithOpener sets the serial port opener.
func (b *Builder) WithOpener(open transport.Opener) *Builder {
	b.config.Sensor.Open = open
	return b
}

// WithBackoff sets the serial reconnect backoff.
func (b *Builder) WithBackoff(d time.Duration) *Builder {
	b.config.Sensor.Backoff = d
	return b
}

// WithAPI sets the backend client.
func (b *Builder) WithAPI(api dispatch.API) *Builder {
	b.config.API = api
	return b
}

// WithForwarder sets the relay forwarder.
func (b *Builder) WithForwarder(fwd dispatch.Forwarder) *Builder {
	b.config.Forwarder = fwd
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
