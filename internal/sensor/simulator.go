// Package sensor implements a software sensor speaking the serial line
// protocol: clock handshake, key registration, then chained data packets.
package sensor

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/custody/internal/packet"
	"firestige.xyz/custody/internal/transport"
)

// Banner is printed before the clock handshake.
const Banner = "custody sensor simulator v1.0"

// KeySource signs on behalf of the simulated device.
type KeySource interface {
	packet.Signer
	PublicKey() ed25519.PublicKey
}

// Reading is one measurement. Field names follow the firmware payload.
type Reading struct {
	Temperature int `msgpack:"t"`
	Light       int `msgpack:"l"`
}

// Config contains simulator configuration.
type Config struct {
	DeviceID  uuid.UUID
	Interval  time.Duration
	Count     int    // data packets to emit, 0 means until cancelled
	StatePath string // last signature, hex encoded; empty disables persistence
	Measure   func() Reading
}

// Simulator emits packets for one device.
type Simulator struct {
	config  Config
	keys    KeySource
	builder *packet.Builder

	offset time.Duration // device clock minus host clock
}

// New creates a new Simulator and resumes the signature chain from
// StatePath when present.
func New(cfg Config, keys KeySource) (*Simulator, error) {
	if cfg.DeviceID == uuid.Nil {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Measure == nil {
		cfg.Measure = func() Reading { return Reading{Temperature: 21, Light: 128} }
	}

	s := &Simulator{
		config:  cfg,
		keys:    keys,
		builder: packet.NewBuilder(cfg.DeviceID, keys),
	}
	if err := s.loadSignature(); err != nil {
		return nil, err
	}
	return s, nil
}

// LastSignature returns the current chain head.
func (s *Simulator) LastSignature() []byte { return s.builder.LastSignature() }

// Run performs the handshake on rw and then emits packets until Count is
// reached or ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, rw io.ReadWriter) error {
	in := bufio.NewReader(rw)

	if err := writeLine(rw, Banner); err != nil {
		return err
	}
	if err := s.syncClock(in, rw); err != nil {
		return err
	}

	reg, err := s.builder.Registration(packet.NewKeyRegistration(s.config.DeviceID, s.keys.PublicKey(), s.now()))
	if err != nil {
		return fmt.Errorf("failed to build registration: %w", err)
	}
	if err := writeLine(rw, hex.EncodeToString(reg)); err != nil {
		return err
	}
	slog.Info("key registration sent", "device", s.config.DeviceID.String())

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for sent := 1; ; sent++ {
		if err := s.emit(rw); err != nil {
			return err
		}
		if s.config.Count != 0 && sent >= s.config.Count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// syncClock asks the host for the current time.
func (s *Simulator) syncClock(in *bufio.Reader, w io.Writer) error {
	if err := writeLine(w, transport.TimeRequestPrefix); err != nil {
		return err
	}
	line, err := in.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read time reply: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid time reply %q: %w", strings.TrimSpace(line), err)
	}
	s.offset = time.Unix(ts, 0).Sub(time.Now())
	slog.Debug("clock synchronized", "time", time.Unix(ts, 0).UTC())
	return nil
}

func (s *Simulator) now() time.Time {
	return time.Now().Add(s.offset)
}

func (s *Simulator) emit(w io.Writer) error {
	payload := map[int64]Reading{s.now().Unix(): s.config.Measure()}
	raw, err := s.builder.Data(packet.TypeData, payload)
	if err != nil {
		return fmt.Errorf("failed to build data packet: %w", err)
	}
	if err := writeLine(w, hex.EncodeToString(raw)); err != nil {
		return err
	}
	return s.saveSignature()
}

func (s *Simulator) loadSignature() error {
	if s.config.StatePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.config.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read chain state: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid chain state: %w", err)
	}
	return s.builder.SetLastSignature(sig)
}

func (s *Simulator) saveSignature() error {
	if s.config.StatePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.config.StatePath), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := s.config.StatePath + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(s.builder.LastSignature())+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write chain state: %w", err)
	}
	return os.Rename(tmp, s.config.StatePath)
}

func writeLine(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line+"\r\n"); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}
