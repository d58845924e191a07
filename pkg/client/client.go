package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// DefaultTimeout bounds every API call
const DefaultTimeout = 10 * time.Second

// Client wraps the heliogrid HTTP API for CLI usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the daemon at addr (host:port or URL)
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("daemon address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid daemon address %q: %w", addr, err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(u.String(), "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// CreateDevice registers a device and dispatches its worker start
func (c *Client) CreateDevice(ctx context.Context, req api.CreateDeviceRequest) (*api.DeviceResponse, error) {
	var device api.DeviceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices", req, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// ListDevices lists all devices
func (c *Client) ListDevices(ctx context.Context) ([]api.DeviceResponse, error) {
	var devices []api.DeviceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice gets a device by ID
func (c *Client) GetDevice(ctx context.Context, id string) (*api.DeviceResponse, error) {
	var device api.DeviceResponse
	if err := c.do(ctx, http.MethodGet, devicePath(id), nil, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// StartDevice (re)starts a device's worker in the background
func (c *Client) StartDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, devicePath(id)+"/start", nil, nil)
}

// StopDevice asks the daemon to stop a device's worker. The stop runs in
// the background; DeviceStatus shows when it has finished.
func (c *Client) StopDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, devicePath(id)+"/stop", nil, nil)
}

// DeviceStatus returns a device's state and its worker's live status
func (c *Client) DeviceStatus(ctx context.Context, id string) (*api.StatusResponse, error) {
	var status api.StatusResponse
	if err := c.do(ctx, http.MethodGet, devicePath(id)+"/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// DeviceLogs returns the last tail lines of a device's worker output
func (c *Client) DeviceLogs(ctx context.Context, id string, tail int) (string, error) {
	path := devicePath(id) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}

	var resp struct {
		Logs string `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Logs, nil
}

// DeleteDevice asks the daemon to stop a device's worker and remove the device
func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, devicePath(id), nil, nil)
}

// LastTelemetry returns the latest sample row of a device
func (c *Client) LastTelemetry(ctx context.Context, id string) (*sink.Row, error) {
	var row sink.Row
	if err := c.do(ctx, http.MethodGet, devicePath(id)+"/telemetry/last", nil, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ListTemplates lists the template names known to the daemon
func (c *Client) ListTemplates(ctx context.Context) ([]string, error) {
	var resp struct {
		Templates []string `json:"templates"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/templates", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Templates, nil
}

// SinkConfig returns the daemon's sink coordinates
func (c *Client) SinkConfig(ctx context.Context) (*api.SinkConfigResponse, error) {
	var resp api.SinkConfigResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/config/sink", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartRollout begins a rolling rebuild of every running worker of a template
func (c *Client) StartRollout(ctx context.Context, template string, req api.RolloutRequest) (*deploy.Status, error) {
	var status deploy.Status
	if err := c.do(ctx, http.MethodPost, rolloutPath(template), req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// RolloutStatus returns the latest rollout of a template
func (c *Client) RolloutStatus(ctx context.Context, template string) (*deploy.Status, error) {
	var status deploy.Status
	if err := c.do(ctx, http.MethodGet, rolloutPath(template), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func rolloutPath(template string) string {
	return "/api/v1/templates/" + url.PathEscape(template) + "/rollout"
}

func devicePath(id string) string {
	return "/api/v1/devices/" + url.PathEscape(id)
}

// do sends a request and decodes the response into out. API errors are
// returned as *types.Error carrying the kind reported by the daemon.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.TransportError(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TransportError("failed to read response", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr api.ErrorResponse
		if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
			return types.TransportError(fmt.Sprintf("%s %s: HTTP %d", method, path, resp.StatusCode), nil)
		}

		kind := types.ErrorKind(apiErr.Kind)
		if kind == "" {
			kind = types.KindInternal
		}

		detail := apiErr.Error
		for _, fe := range apiErr.Fields {
			detail += fmt.Sprintf("; %s %s", fe.Field, fe.Message)
		}
		return types.NewError(kind, detail, nil)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.MalformedError("failed to decode response", err)
	}
	return nil
}
