package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// UDSClient is a JSON-RPC client over Unix Domain Socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{
		socketPath: socketPath,
		timeout:    timeout,
	}
}

// Call sends a command and waits for response.
func (c *UDSClient) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var jsonrpcResp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &jsonrpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	respID := fmt.Sprintf("%v", jsonrpcResp.ID)
	if respID != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, respID)
	}

	return &Response{
		ID:     respID,
		Result: jsonrpcResp.Result,
		Error:  jsonrpcResp.Error,
	}, nil
}

// Status queries daemon_status.
func (c *UDSClient) Status(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodStatus, nil)
}

// Stats queries daemon_stats.
func (c *UDSClient) Stats(ctx context.Context) (*Response, error) {
	return c.Call(ctx, MethodStats, nil)
}

// Reload asks the daemon to reload its configuration.
func (c *UDSClient) Reload(ctx context.Context) error {
	return c.expectOK(ctx, MethodReload)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.expectOK(ctx, MethodShutdown)
}

// Close is a no-op; every call uses its own connection.
func (c *UDSClient) Close() error { return nil }

func (c *UDSClient) expectOK(ctx context.Context, method string) error {
	resp, err := c.Call(ctx, method, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s: %s", method, resp.Error.Message)
	}
	return nil
}

// Ping reports whether a daemon answers on the socket.
func (c *UDSClient) Ping(ctx context.Context) error {
	resp, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping: %s", resp.Error.Message)
	}
	return nil
}
