// Package pipeline wires the sensor reader, the dispatcher and the relay
// into one running chain.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"firestige.xyz/custody/internal/dispatch"
	"firestige.xyz/custody/internal/transport"
)

// Pipeline reads packets from one sensor and dispatches them in order.
// Reading, dispatching and forwarding all happen on a single goroutine.
type Pipeline struct {
	port       string
	reader     *transport.Reader
	dispatcher *dispatch.Dispatcher

	// Runtime state
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Config contains pipeline configuration.
type Config struct {
	Sensor    transport.Config
	Dispatch  dispatch.Config
	API       dispatch.API
	Forwarder dispatch.Forwarder
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	d := dispatch.New(cfg.Dispatch, cfg.API, cfg.Forwarder)
	return &Pipeline{
		port:       cfg.Sensor.Port,
		reader:     transport.NewReader(cfg.Sensor, d),
		dispatcher: d,
	}
}

// Start starts the pipeline processing.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	slog.Info("pipeline starting", "port", p.port)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.reader.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sensor reader stopped", "error", err)
		}
	}()
	return nil
}

// Stop stops the pipeline gracefully.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	slog.Info("pipeline stopping", "port", p.port)
	cancel()
	p.wg.Wait()

	stats := p.Stats()
	slog.Info("pipeline stopped",
		"port", p.port,
		"received", stats.Received,
		"dropped", stats.Dropped,
		"anchored", stats.Anchored,
		"forwarded", stats.Forwarded,
	)
	return nil
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() dispatch.Snapshot {
	return p.dispatcher.Stats()
}
