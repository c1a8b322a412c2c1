// Package registry is the HTTP client for the identity, device and
// anchoring backend.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"firestige.xyz/custody/internal/config"
	"firestige.xyz/custody/internal/keys"
	"firestige.xyz/custody/internal/metrics"
)

const maxResponseBytes = 64 << 10

// DeviceRecord is the device creation request.
type DeviceRecord struct {
	DeviceID         string   `json:"deviceId"`
	DeviceName       string   `json:"deviceName"`
	HwDeviceID       string   `json:"hwDeviceId"`
	HashedHwDeviceID string   `json:"hashedHwDeviceId"`
	Groups           []string `json:"groups"`
	Created          string   `json:"created"`
}

// Client talks to the backend over HTTP.
type Client struct {
	keyURL    string
	deviceURL string
	anchorURL string
	auth      string

	httpClient *http.Client
}

// NewClient creates a new Client. Each request is additionally bounded
// by the caller's context.
func NewClient(cfg config.APIConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		keyURL:    strings.TrimRight(cfg.KeyServiceURL, "/"),
		deviceURL: strings.TrimRight(cfg.DeviceServiceURL, "/"),
		anchorURL: strings.TrimRight(cfg.AnchorURL, "/"),
		auth:      cfg.Auth,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsIdentityRegistered reports whether the key service knows a current
// public key for id.
func (c *Client) IsIdentityRegistered(ctx context.Context, id uuid.UUID) (bool, error) {
	status, body, err := c.do(ctx, "is_identity_registered", http.MethodGet,
		c.keyURL+"/pubkey/current/hardwareId/"+id.String(), "", nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case !Success(status):
		return false, fmt.Errorf("identity lookup failed with status %d", status)
	}

	var found []json.RawMessage
	if err := json.Unmarshal(body, &found); err != nil {
		return false, fmt.Errorf("failed to decode identity lookup: %w", err)
	}
	return len(found) > 0, nil
}

// RegisterIdentity submits a raw msgpack key registration packet.
func (c *Client) RegisterIdentity(ctx context.Context, raw []byte) (int, error) {
	status, _, err := c.do(ctx, "register_identity", http.MethodPost,
		c.keyURL+"/pubkey/mpack", "application/octet-stream", raw)
	return status, err
}

// RegisterKey submits a JSON key registration.
func (c *Client) RegisterKey(ctx context.Context, reg *keys.KeyRegistration) (int, error) {
	data, err := json.Marshal(reg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal key registration: %w", err)
	}
	status, _, err := c.do(ctx, "register_key", http.MethodPost,
		c.keyURL+"/pubkey", "application/json", data)
	return status, err
}

// DeviceExists reports whether a device record exists for id.
func (c *Client) DeviceExists(ctx context.Context, id uuid.UUID) (bool, error) {
	status, _, err := c.do(ctx, "device_exists", http.MethodGet,
		c.deviceURL+"/devices/"+id.String(), "", nil)
	if err != nil {
		return false, err
	}
	switch {
	case Success(status):
		return true, nil
	case status == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("device lookup failed with status %d", status)
	}
}

// CreateDevice submits a device record.
func (c *Client) CreateDevice(ctx context.Context, rec DeviceRecord) (int, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal device record: %w", err)
	}
	status, _, err := c.do(ctx, "create_device", http.MethodPost,
		c.deviceURL+"/devices", "application/json", data)
	return status, err
}

// anchorResponse is the JSON form of an anchoring reply.
type anchorResponse struct {
	ID string `json:"id"`
}

// Anchor notarizes a raw packet and returns the anchor reference. The
// reply is either JSON with an "id" field or the bare reference.
func (c *Client) Anchor(ctx context.Context, raw []byte) (string, error) {
	status, body, err := c.do(ctx, "anchor", http.MethodPost,
		c.anchorURL, "application/octet-stream", raw)
	if err != nil {
		return "", err
	}
	if !Success(status) {
		return "", fmt.Errorf("anchoring failed with status %d: %s", status, bytes.TrimSpace(body))
	}

	var resp anchorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.ID != "" {
		return resp.ID, nil
	}
	if id := strings.TrimSpace(string(body)); id != "" && !strings.ContainsAny(id, "|\r\n{") {
		return id, nil
	}
	return "", fmt.Errorf("anchoring returned no reference")
}

// do sends one request and returns the status and (bounded) body.
func (c *Client) do(ctx context.Context, op, method, url, contentType string, body []byte) (int, []byte, error) {
	start := time.Now()
	defer func() {
		metrics.APILatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(op, metrics.ResultFailed).Inc()
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.auth != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(op, metrics.ResultFailed).Inc()
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(op, metrics.ResultFailed).Inc()
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	result := metrics.ResultOK
	if !Success(resp.StatusCode) {
		result = metrics.ResultFailed
	}
	metrics.APICallsTotal.WithLabelValues(op, result).Inc()
	return resp.StatusCode, data, nil
}

// Success reports whether status is in the 2xx range.
func Success(status int) bool {
	return status >= 200 && status < 300
}
