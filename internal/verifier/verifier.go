// Package verifier receives relayed packets, records them and checks
// their signatures against the trusted device key.
package verifier

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/custody/internal/core"
	"firestige.xyz/custody/internal/metrics"
	"firestige.xyz/custody/internal/packet"
	"firestige.xyz/custody/internal/relay"
)

const defaultPublishTimeout = 5 * time.Second

// Verdict is the outcome of checking one relayed message.
type Verdict struct {
	Time       time.Time `json:"time"`
	Anchor     string    `json:"anchor,omitempty"`
	Kind       string    `json:"kind"`
	DeviceID   string    `json:"device_id,omitempty"`
	Verified   bool      `json:"verified"`
	KeyUpdated bool      `json:"key_updated,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Publisher receives every verdict.
type Publisher interface {
	Publish(ctx context.Context, v Verdict) error
	Close() error
}

// Verifier checks relayed messages.
type Verifier struct {
	trusted   *TrustedKey
	records   *RecordLog
	publisher Publisher
	pubWait   time.Duration
	now       func() time.Time

	received   atomic.Uint64
	verified   atomic.Uint64
	failed     atomic.Uint64
	keyUpdates atomic.Uint64
}

// Stats is a point-in-time copy of the verifier counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Verified   uint64 `json:"verified"`
	Failed     uint64 `json:"failed"`
	KeyUpdates uint64 `json:"key_updates"`
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPublisher streams verdicts to p.
func WithPublisher(p Publisher) Option {
	return func(v *Verifier) { v.publisher = p }
}

// WithPublishTimeout bounds each Publish call. Non-positive values keep
// the default.
func WithPublishTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.pubWait = d
		}
	}
}

// WithClock overrides the verdict timestamp source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a new Verifier.
func New(trusted *TrustedKey, records *RecordLog, opts ...Option) *Verifier {
	v := &Verifier{
		trusted: trusted,
		records: records,
		pubWait: defaultPublishTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// TrustedKey returns the key holder.
func (v *Verifier) TrustedKey() *TrustedKey { return v.trusted }

// Process records msg and verifies it. Failures are reported in the
// verdict; msg is recorded regardless of the outcome.
func (v *Verifier) Process(ctx context.Context, msg []byte) Verdict {
	verdict := Verdict{Time: v.now().UTC(), Kind: packet.KindUnknown.String()}
	v.received.Add(1)

	if v.records != nil {
		if err := v.records.Append(msg); err != nil {
			slog.Error("failed to record message", "error", err)
		}
	}

	v.finish(ctx, &verdict, v.check(msg, &verdict))
	return verdict
}

// Reject records a message that could not be read in full and reports
// it as failed. msg holds whatever was received before the failure.
func (v *Verifier) Reject(ctx context.Context, msg []byte, cause error) Verdict {
	verdict := Verdict{Time: v.now().UTC(), Kind: packet.KindUnknown.String()}
	v.received.Add(1)

	if v.records != nil && len(msg) > 0 {
		if err := v.records.Append(msg); err != nil {
			slog.Error("failed to record message", "error", err)
		}
	}

	v.finish(ctx, &verdict, fmt.Errorf("%w: %v", core.ErrMalformedPacket, cause))
	return verdict
}

func (v *Verifier) finish(ctx context.Context, verdict *Verdict, err error) {
	switch {
	case err != nil:
		verdict.Error = err.Error()
		v.failed.Add(1)
		metrics.VerificationsTotal.WithLabelValues(verdict.Kind, metrics.ResultFailed).Inc()
		slog.Warn("ed25519 signature failed", "kind", verdict.Kind, "device", verdict.DeviceID, "error", err)
	case verdict.KeyUpdated:
		v.verified.Add(1)
		v.keyUpdates.Add(1)
		metrics.VerificationsTotal.WithLabelValues(verdict.Kind, metrics.ResultVerified).Inc()
		metrics.TrustedKeyUpdatesTotal.Inc()
		slog.Info("new public key", "device", verdict.DeviceID, "key", hex.EncodeToString(v.trusted.Current()))
	default:
		v.verified.Add(1)
		metrics.VerificationsTotal.WithLabelValues(verdict.Kind, metrics.ResultVerified).Inc()
		slog.Info("signature verified", "device", verdict.DeviceID, "anchor", verdict.Anchor)
	}

	v.publish(ctx, *verdict)
}

// publish hands verdict to the publisher, waiting at most pubWait.
func (v *Verifier) publish(ctx context.Context, verdict Verdict) {
	if v.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, v.pubWait)
	defer cancel()
	if err := v.publisher.Publish(ctx, verdict); err != nil {
		slog.Error("failed to publish verdict", "error", err)
	}
}

func (v *Verifier) check(msg []byte, verdict *Verdict) error {
	anchor, raw, err := relay.Decode(msg)
	verdict.Anchor = anchor
	if err != nil {
		return err
	}
	kind, err := packet.Peek(raw)
	if err != nil {
		return err
	}
	verdict.Kind = kind.String()

	p, err := packet.Decode(raw)
	if err != nil {
		return err
	}
	verdict.Kind = p.Kind().String()
	verdict.DeviceID = p.Common().DeviceID.String()

	replaced, err := v.trusted.Check(p)
	if err != nil {
		return err
	}
	verdict.Verified = true
	verdict.KeyUpdated = replaced
	return nil
}

// Stats returns the verifier counters.
func (v *Verifier) Stats() Stats {
	return Stats{
		Received:   v.received.Load(),
		Verified:   v.verified.Load(),
		Failed:     v.failed.Load(),
		KeyUpdates: v.keyUpdates.Load(),
	}
}

// Close releases the record log and the publisher.
func (v *Verifier) Close() error {
	var firstErr error
	if v.publisher != nil {
		if err := v.publisher.Close(); err != nil {
			firstErr = err
		}
	}
	if v.records != nil {
		if err := v.records.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
