package command

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T, handler *CommandHandler) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	server := NewUDSServer(socketPath, handler)
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx)
	}()
	t.Cleanup(cancel)
	return socketPath, cancel, errCh
}

func TestUDSServerClient_Integration(t *testing.T) {
	controller := &stubController{role: "relay", stats: map[string]uint64{"forwarded": 7}}
	socketPath, cancel, errCh := startServer(t, NewCommandHandler(controller))

	client := NewUDSClient(socketPath, 5*time.Second)

	t.Run("status", func(t *testing.T) {
		resp, err := client.Status(context.Background())
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		result, ok := resp.Result.(map[string]interface{})
		if !ok {
			t.Fatal("result is not a map")
		}
		if result["role"] != "relay" {
			t.Errorf("role = %v, want relay", result["role"])
		}
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := client.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		result, ok := resp.Result.(map[string]interface{})
		if !ok {
			t.Fatal("result is not a map")
		}
		if result["forwarded"] != float64(7) {
			t.Errorf("forwarded = %v, want 7", result["forwarded"])
		}
	})

	t.Run("reload", func(t *testing.T) {
		if err := client.Reload(context.Background()); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
		if controller.reloads.Load() != 1 {
			t.Errorf("reloads = %d, want 1", controller.reloads.Load())
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := client.Ping(context.Background()); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(context.Background(), "unknown.method", nil)
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Error == nil {
			t.Fatal("expected error for unknown method")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("error code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
		}
	})

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop in time")
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Error("socket file not removed after server stop")
	}
}

func TestUDSServer_Shutdown(t *testing.T) {
	handler := NewCommandHandler(&stubController{})
	socketPath, cancel, errCh := startServer(t, handler)
	handler.SetShutdownFunc(cancel)

	client := NewUDSClient(socketPath, 5*time.Second)
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Error("server didn't stop after daemon_shutdown")
	}
}

func TestUDSServer_ParseError(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(&stubController{}))

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if want := "-32700"; !strings.Contains(string(buf[:n]), want) {
		t.Errorf("response %q does not carry code %s", buf[:n], want)
	}
}

func TestUDSServer_StaleSocketReplaced(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	if err := os.WriteFile(socketPath, nil, 0600); err != nil {
		t.Fatal(err)
	}

	server := NewUDSServer(socketPath, NewCommandHandler(nil))
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen over stale socket failed: %v", err)
	}
	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}
	server.Stop()
}

func TestUDSServer_ServeWithoutListen(t *testing.T) {
	server := NewUDSServer(filepath.Join(t.TempDir(), "x.sock"), NewCommandHandler(nil))
	if err := server.Serve(context.Background()); err == nil {
		t.Error("expected error from Serve without Listen")
	}
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)

	if _, err := client.Status(context.Background()); err == nil {
		t.Error("expected connection error")
	}
	if err := client.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	socketPath, _, _ := startServer(t, NewCommandHandler(&stubController{role: "relay"}))

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).Status(context.Background())
			errCh <- err
		}()
	}

	for i := 0; i < 5; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("client %d failed: %v", i, err)
		}
	}
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	client := NewUDSClient("/tmp/test.sock", 0)
	if client.timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", client.timeout)
	}

	client2 := NewUDSClient("/tmp/test.sock", 5*time.Second)
	if client2.timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", client2.timeout)
	}
}
