package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ServerConfig contains server configuration.
type ServerConfig struct {
	Listen          string
	ReadTimeout     time.Duration
	MaxMessageBytes int
}

// Server accepts relay connections. Each connection carries one
// message, read until the peer closes its side. Messages are read
// concurrently but processed in the order their connections were
// accepted.
type Server struct {
	config   ServerConfig
	verifier *Verifier
	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	stopped bool
}

// NewServer creates a new Server.
func NewServer(cfg ServerConfig, v *Verifier) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 4096
	}
	return &Server{
		config:   cfg,
		verifier: v,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	s.listener = listener
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds and serves. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener. Blocks until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	slog.Info("verifier server started", "listen", s.listener.Addr().String())

	turn := make(chan struct{})
	close(turn)
	go s.acceptLoop(ctx, turn)

	<-ctx.Done()
	slog.Info("verifier server stopping", "reason", ctx.Err())
	return s.Stop()
}

func (s *Server) acceptLoop(ctx context.Context, turn chan struct{}) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()

			if stopped {
				return
			}

			slog.Error("failed to accept connection", "error", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		next := make(chan struct{})
		s.wg.Add(1)
		go s.handleConnection(ctx, conn, turn, next)
		turn = next
	}
}

// handleConnection reads one message, waits for the previous connection
// to finish, then processes it and releases the next one.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, prev <-chan struct{}, done chan<- struct{}) {
	defer s.wg.Done()
	defer close(done)
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	msg, err := s.readMessage(conn)
	<-prev
	if err != nil {
		slog.Error("failed to read message", "remote", conn.RemoteAddr().String(), "error", err)
		if len(msg) > 0 {
			s.verifier.Reject(ctx, msg, err)
		}
		return
	}
	if len(msg) == 0 {
		slog.Debug("empty connection", "remote", conn.RemoteAddr().String())
		return
	}
	s.verifier.Process(ctx, msg)
}

// readMessage reads until EOF. On error it also returns what was read so
// far, cut to MaxMessageBytes.
func (s *Server) readMessage(conn net.Conn) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
		return nil, err
	}
	limit := int64(s.config.MaxMessageBytes)
	msg, err := io.ReadAll(io.LimitReader(conn, limit+1))
	if err != nil {
		return msg, err
	}
	if int64(len(msg)) > limit {
		return msg[:limit], fmt.Errorf("message exceeds %d bytes", limit)
	}
	return msg, nil
}

// Stop closes the listener and all open connections and waits for the
// handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	slog.Info("verifier server stopped")
	return nil
}
