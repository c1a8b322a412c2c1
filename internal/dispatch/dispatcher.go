// Package dispatch routes decoded sensor packets to the backend and the relay.
package dispatch

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/custody/internal/keys"
	"firestige.xyz/custody/internal/metrics"
	"firestige.xyz/custody/internal/packet"
	"firestige.xyz/custody/internal/registry"
	"firestige.xyz/custody/internal/transport"
)

// API is the subset of the backend the dispatcher talks to.
type API interface {
	IsIdentityRegistered(ctx context.Context, id uuid.UUID) (bool, error)
	RegisterIdentity(ctx context.Context, raw []byte) (int, error)
	DeviceExists(ctx context.Context, id uuid.UUID) (bool, error)
	CreateDevice(ctx context.Context, rec registry.DeviceRecord) (int, error)
	Anchor(ctx context.Context, raw []byte) (string, error)
}

// Forwarder hands a packet to the downstream relay. Failures are
// handled by the forwarder itself.
type Forwarder interface {
	Forward(ctx context.Context, anchor string, raw []byte)
}

// Config contains dispatcher configuration.
type Config struct {
	Groups  []string
	Timeout time.Duration // per API call
	Now     func() time.Time
}

// Dispatcher provisions devices on registration packets and anchors
// data packets before forwarding them. Provisioning state is never
// cached; every registration packet re-checks the backend.
type Dispatcher struct {
	api       API
	forwarder Forwarder
	groups    []string
	timeout   time.Duration
	now       func() time.Time
	stats     *Stats
}

var _ transport.Handler = (*Dispatcher)(nil)

// New creates a new Dispatcher.
func New(cfg Config, api API, fwd Forwarder) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		api:       api,
		forwarder: fwd,
		groups:    cfg.Groups,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
		stats:     &Stats{},
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Snapshot {
	return d.stats.Snapshot()
}

// HandlePacket processes one raw packet read from the sensor.
func (d *Dispatcher) HandlePacket(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.stats.Panics.Add(1)
			slog.Error("packet dispatch panicked", "panic", r)
		}
	}()
	d.stats.Received.Add(1)

	p, err := packet.Decode(raw)
	if err != nil {
		d.stats.Dropped.Add(1)
		metrics.PacketsTotal.WithLabelValues(packet.KindUnknown.String()).Inc()
		slog.Warn("unknown packet received", "error", err, "size", len(raw))
		return
	}
	metrics.PacketsTotal.WithLabelValues(p.Kind().String()).Inc()

	switch p := p.(type) {
	case *packet.Registration:
		d.provision(ctx, p.DeviceID, raw)
		d.forward(ctx, "", raw)
	case *packet.Data:
		d.forward(ctx, d.anchor(ctx, raw), raw)
	}
}

func (d *Dispatcher) provision(ctx context.Context, id uuid.UUID, raw []byte) {
	d.stats.Registrations.Add(1)
	logger := slog.With("device", id.String())

	// A failed lookup counts as unregistered; the key service answers a
	// repeated registration without side effects.
	registered, err := d.isIdentityRegistered(ctx, id)
	if err != nil {
		logger.Error("identity lookup failed", "error", err)
		registered = false
	}
	if !registered {
		logger.Info("identity registration")
		status, err := d.registerIdentity(ctx, raw)
		switch {
		case err != nil:
			logger.Error("identity registration failed", "error", err)
		case registry.Success(status):
			logger.Info("identity registered")
		default:
			logger.Error("identity registration rejected", "status", status)
		}
	}

	exists, err := d.deviceExists(ctx, id)
	if err != nil {
		logger.Error("device lookup failed", "error", err)
	}
	if exists {
		return
	}
	status, err := d.createDevice(ctx, NewDeviceRecord(id, d.groups, d.now()))
	switch {
	case err != nil:
		logger.Error("device registration failed", "error", err)
	case registry.Success(status):
		d.stats.Provisioned.Add(1)
		logger.Info("new device registered")
	default:
		logger.Error("device registration failed", "status", status)
	}
}

func (d *Dispatcher) anchor(ctx context.Context, raw []byte) string {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.api.Anchor(callCtx, raw)
	if err != nil {
		d.stats.AnchorErrors.Add(1)
		slog.Error("anchoring failed", "error", err)
		return ""
	}
	d.stats.Anchored.Add(1)
	slog.Info("anchored packet", "anchor", id)
	return id
}

func (d *Dispatcher) forward(ctx context.Context, anchor string, raw []byte) {
	d.forwarder.Forward(ctx, anchor, raw)
	d.stats.Forwarded.Add(1)
}

func (d *Dispatcher) isIdentityRegistered(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.api.IsIdentityRegistered(ctx, id)
}

func (d *Dispatcher) registerIdentity(ctx context.Context, raw []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.api.RegisterIdentity(ctx, raw)
}

func (d *Dispatcher) deviceExists(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.api.DeviceExists(ctx, id)
}

func (d *Dispatcher) createDevice(ctx context.Context, rec registry.DeviceRecord) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.api.CreateDevice(ctx, rec)
}

// NewDeviceRecord builds the device creation request for id. The
// device name and hardware id are the identity itself.
func NewDeviceRecord(id uuid.UUID, groups []string, now time.Time) registry.DeviceRecord {
	s := id.String()
	sum := sha512.Sum512([]byte(s))
	if groups == nil {
		groups = []string{}
	}
	return registry.DeviceRecord{
		DeviceID:         s,
		DeviceName:       s,
		HwDeviceID:       s,
		HashedHwDeviceID: base64.StdEncoding.EncodeToString(sum[:]),
		Groups:           groups,
		Created:          now.UTC().Format(keys.TimeFormat),
	}
}
