// Package command implements the local control plane of a running daemon.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Version is reported by daemon_status.
const Version = "0.1.0"

// Method names.
const (
	MethodStatus   = "daemon_status"
	MethodStats    = "daemon_stats"
	MethodReload   = "config_reload"
	MethodShutdown = "daemon_shutdown"
)

// Controller is the daemon side of the control plane.
type Controller interface {
	// Role is "relay" or "verifier".
	Role() string
	// Stats returns a JSON-serializable snapshot of runtime counters.
	Stats() interface{}
	Reload() error
}

// CommandHandler handles control plane commands.
type CommandHandler struct {
	controller   Controller
	shutdownFunc func() // Called by daemon_shutdown to trigger graceful stop
	startTime    time.Time
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(c Controller) *CommandHandler {
	return &CommandHandler{
		controller: c,
		startTime:  time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodStatus:
		return h.handleDaemonStatus(ctx, cmd)
	case MethodStats:
		return h.handleDaemonStats(ctx, cmd)
	case MethodReload:
		return h.handleConfigReload(ctx, cmd)
	case MethodShutdown:
		return h.handleDaemonShutdown(ctx, cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.controller == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "config reloader not available")
	}
	if err := h.controller.Reload(); err != nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload config failed: %v", err))
	}
	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "reloaded"},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{
		ID:     cmd.ID,
		Result: map[string]interface{}{"status": "shutting_down"},
	}
}

func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	role := ""
	if h.controller != nil {
		role = h.controller.Role()
	}
	return Response{
		ID: cmd.ID,
		Result: map[string]interface{}{
			"version":    Version,
			"role":       role,
			"pid":        os.Getpid(),
			"uptime_sec": int64(time.Since(h.startTime).Seconds()),
		},
	}
}

func (h *CommandHandler) handleDaemonStats(_ context.Context, cmd Command) Response {
	if h.controller == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "stats not available")
	}
	return Response{ID: cmd.ID, Result: h.controller.Stats()}
}
