package command

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// stubController is a minimal Controller for handler tests.
type stubController struct {
	role      string
	stats     map[string]uint64
	reloadErr error
	reloads   atomic.Int32
}

func (c *stubController) Role() string       { return c.role }
func (c *stubController) Stats() interface{} { return c.stats }
func (c *stubController) Reload() error {
	c.reloads.Add(1)
	return c.reloadErr
}

func TestCommandHandler_HandleDaemonStatus(t *testing.T) {
	handler := NewCommandHandler(&stubController{role: "verifier"})

	resp := handler.Handle(context.Background(), Command{Method: MethodStatus, ID: "req-1"})

	if resp.ID != "req-1" {
		t.Errorf("response ID = %s, want req-1", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatal("result is not a map")
	}
	if result["role"] != "verifier" {
		t.Errorf("role = %v, want verifier", result["role"])
	}
	for _, field := range []string{"version", "pid", "uptime_sec"} {
		if _, exists := result[field]; !exists {
			t.Errorf("result missing %q field", field)
		}
	}
}

func TestCommandHandler_HandleDaemonStats(t *testing.T) {
	stats := map[string]uint64{"received": 3}
	handler := NewCommandHandler(&stubController{role: "relay", stats: stats})

	resp := handler.Handle(context.Background(), Command{Method: MethodStats, ID: "req-2"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	got, ok := resp.Result.(map[string]uint64)
	if !ok || got["received"] != 3 {
		t.Errorf("result = %v, want %v", resp.Result, stats)
	}

	resp = NewCommandHandler(nil).Handle(context.Background(), Command{Method: MethodStats, ID: "req-3"})
	if resp.Error == nil || resp.Error.Code != ErrCodeInternalError {
		t.Errorf("expected internal error without controller, got %+v", resp.Error)
	}
}

func TestCommandHandler_HandleConfigReload(t *testing.T) {
	tests := []struct {
		name       string
		controller *stubController
		wantErr    bool
	}{
		{name: "success", controller: &stubController{}},
		{name: "failure", controller: &stubController{reloadErr: errors.New("bad config")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCommandHandler(tt.controller)
			resp := handler.Handle(context.Background(), Command{Method: MethodReload, ID: "req-4"})

			if tt.controller.reloads.Load() != 1 {
				t.Errorf("reloads = %d, want 1", tt.controller.reloads.Load())
			}
			if tt.wantErr {
				if resp.Error == nil || resp.Error.Code != ErrCodeInternalError {
					t.Errorf("expected internal error, got %+v", resp.Error)
				}
				return
			}
			if resp.Error != nil {
				t.Errorf("unexpected error: %v", resp.Error.Message)
			}
		})
	}
}

func TestCommandHandler_HandleDaemonShutdown(t *testing.T) {
	handler := NewCommandHandler(&stubController{})

	resp := handler.Handle(context.Background(), Command{Method: MethodShutdown, ID: "req-5"})
	if resp.Error == nil {
		t.Error("expected error without shutdown func")
	}

	called := make(chan struct{})
	handler.SetShutdownFunc(func() { close(called) })

	resp = handler.Handle(context.Background(), Command{Method: MethodShutdown, ID: "req-6"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error.Message)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown func not called")
	}
}

func TestCommandHandler_HandleUnknownMethod(t *testing.T) {
	handler := NewCommandHandler(&stubController{})

	resp := handler.Handle(context.Background(), Command{Method: "task_create", ID: "req-7"})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
	}
}
