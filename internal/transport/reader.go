// Package transport reads framed lines from the sensor's serial link.
package transport

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"firestige.xyz/custody/internal/metrics"
)

const (
	// TimeRequestPrefix starts a clock synchronization request.
	TimeRequestPrefix = "TIME:"
	// PacketPrefix is the first hex nibble of an encoded packet
	// (msgpack fixarray 0x9N).
	PacketPrefix = "9"

	lineTerminator = "\r\n"

	// maxLineBytes bounds one line. Longer lines are dropped and the
	// reader resyncs at the next newline.
	maxLineBytes = 64 * 1024
)

var errLineTooLong = errors.New("line too long")

// Opener opens the serial device.
type Opener func(path string, baud int) (io.ReadWriteCloser, error)

// OpenSerial opens a real serial port in 8N1 mode.
func OpenSerial(path string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Handler receives decoded packet bytes.
type Handler interface {
	HandlePacket(ctx context.Context, raw []byte)
}

// Config contains reader configuration.
type Config struct {
	Port    string
	Baud    int
	Backoff time.Duration    // wait before reopening after a failure
	Open    Opener           // defaults to OpenSerial
	Now     func() time.Time // defaults to time.Now
}

// Reader turns the serial byte stream into packets for a Handler and
// answers clock synchronization requests.
type Reader struct {
	cfg     Config
	handler Handler
}

// NewReader creates a new Reader.
func NewReader(cfg Config, handler Handler) *Reader {
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Minute
	}
	return &Reader{cfg: cfg, handler: handler}
}

// Run reads from the device until ctx is cancelled. Every open or read
// failure is logged and retried after the configured backoff.
func (r *Reader) Run(ctx context.Context) error {
	for {
		slog.Info("starting serial reader", "port", r.cfg.Port, "baud", r.cfg.Baud)

		err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.SerialReconnectsTotal.Inc()
		slog.Error("serial link failed", "port", r.cfg.Port, "error", err)
		slog.Error("trying again to use serial device", "port", r.cfg.Port, "backoff", r.cfg.Backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Backoff):
		}
	}
}

// session opens the port once and processes lines until it fails.
func (r *Reader) session(ctx context.Context) error {
	port, err := r.cfg.Open(r.cfg.Port, r.cfg.Baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.cfg.Port, err)
	}

	// Close the port on cancellation to unblock the pending read.
	done := make(chan struct{})
	var once sync.Once
	closePort := func() { once.Do(func() { port.Close() }) }
	defer closePort()
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closePort()
		case <-done:
		}
	}()

	br := bufio.NewReaderSize(port, maxLineBytes)
	for {
		line, err := readLine(br)
		switch {
		case errors.Is(err, errLineTooLong):
			metrics.SerialLinesTotal.WithLabelValues("ignored").Inc()
			slog.Warn("dropping oversized serial line", "port", r.cfg.Port, "limit", maxLineBytes)
			continue
		case errors.Is(err, io.EOF):
			return errors.New("serial device closed")
		case err != nil:
			return fmt.Errorf("read %s: %w", r.cfg.Port, err)
		}
		if err := r.handleLine(ctx, port, line); err != nil {
			return err
		}
	}
}

// readLine returns the next line including its terminator. A final line
// without terminator is returned before io.EOF. A line that does not fit
// the buffer is discarded up to its newline and reported as
// errLineTooLong.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadSlice('\n')
	switch {
	case err == nil:
		return string(line), nil
	case errors.Is(err, bufio.ErrBufferFull):
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = br.ReadSlice('\n')
		}
		if err != nil {
			return "", err
		}
		return "", errLineTooLong
	case errors.Is(err, io.EOF) && len(line) > 0:
		return string(line), nil
	default:
		return "", err
	}
}

// handleLine acts on one line. Only write failures are returned.
func (r *Reader) handleLine(ctx context.Context, w io.Writer, line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	slog.Debug("serial line received", "line", line)

	switch {
	case strings.HasPrefix(line, TimeRequestPrefix):
		metrics.SerialLinesTotal.WithLabelValues("time_sync").Inc()
		ts := strconv.FormatInt(r.cfg.Now().Unix(), 10)
		if _, err := io.WriteString(w, ts+lineTerminator); err != nil {
			return fmt.Errorf("write time reply: %w", err)
		}
		slog.Info("answered time request", "timestamp", ts)

	case strings.HasPrefix(line, PacketPrefix):
		raw, err := hex.DecodeString(line)
		if err != nil {
			metrics.SerialLinesTotal.WithLabelValues("decode_error").Inc()
			slog.Warn("decoding error", "error", err)
			return nil
		}
		metrics.SerialLinesTotal.WithLabelValues("packet").Inc()
		r.handler.HandlePacket(ctx, raw)

	default:
		metrics.SerialLinesTotal.WithLabelValues("ignored").Inc()
	}
	return nil
}
