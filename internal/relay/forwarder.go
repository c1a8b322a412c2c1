// Package relay forwards packets to the verifier over TCP.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/metrics"
)

// Forwarder opens one connection per packet, writes the framed message
// and closes the connection.
type Forwarder struct {
	address      string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	dialer       net.Dialer
}

// NewForwarder creates a new Forwarder.
func NewForwarder(cfg config.RelayConfig) *Forwarder {
	f := &Forwarder{
		address:      cfg.Address,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
	}
	if f.dialTimeout <= 0 {
		f.dialTimeout = 5 * time.Second
	}
	if f.writeTimeout <= 0 {
		f.writeTimeout = 5 * time.Second
	}
	return f
}

// Address returns the verifier address.
func (f *Forwarder) Address() string { return f.address }

// Forward sends raw with its anchor reference. Failures are logged and
// the packet is dropped.
func (f *Forwarder) Forward(ctx context.Context, anchor string, raw []byte) {
	if err := f.send(ctx, Encode(anchor, raw)); err != nil {
		metrics.ForwardsTotal.WithLabelValues(metrics.ResultFailed).Inc()
		slog.Error("data could not be sent to relay", "address", f.address, "error", err)
		return
	}
	metrics.ForwardsTotal.WithLabelValues(metrics.ResultOK).Inc()
	slog.Info("sent", "address", f.address, "anchor", anchor, "size", len(raw))
}

func (f *Forwarder) send(ctx context.Context, msg []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	conn, err := f.dialer.DialContext(dialCtx, "tcp", f.address)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
