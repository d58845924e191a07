package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliogrid/heliogrid/pkg/api"
	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)

	c, err = NewClient("https://grid.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://grid.example.com", c.baseURL)

	_, err = NewClient("")
	assert.Error(t, err)
}

func TestCreateDevice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/devices", r.URL.Path)

		var req api.CreateDeviceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Roof", req.Name)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.DeviceResponse{ID: "1", Name: req.Name, State: "none"})
	})

	device, err := c.CreateDevice(context.Background(), api.CreateDeviceRequest{Name: "Roof", Region: "eu", Username: "u"})
	require.NoError(t, err)
	assert.Equal(t, "1", device.ID)
}

func TestErrorsCarryKind(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/devices/7":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "device 7 not found", Kind: "not_found"})
		case "/api/v1/devices/7/start":
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "execution backend not connected", Kind: "backend_unavailable"})
		case "/api/v1/devices":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(api.ErrorResponse{
				Error:  "validation failed",
				Kind:   "config",
				Fields: []api.FieldError{{Field: "region", Message: "is required"}},
			})
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	})
	ctx := context.Background()

	_, err := c.GetDevice(ctx, "7")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	err = c.StartDevice(ctx, "7")
	assert.True(t, types.IsKind(err, types.KindBackendUnavailable))

	_, err = c.CreateDevice(ctx, api.CreateDeviceRequest{})
	assert.True(t, types.IsKind(err, types.KindConfig))
	assert.Contains(t, err.Error(), "region is required")

	_, err = c.ListTemplates(ctx)
	assert.True(t, types.IsKind(err, types.KindTransport))
}

func TestStopAndLogs(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/devices/3/stop":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"device_id": "3", "status": "stopping"})
		case "/api/v1/devices/3/logs":
			assert.Equal(t, "50", r.URL.Query().Get("tail"))
			json.NewEncoder(w).Encode(map[string]string{"device_id": "3", "logs": "line1\nline2\n"})
		case "/api/v1/devices/3":
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]string{"device_id": "3", "status": "deleting"})
		}
	})
	ctx := context.Background()

	require.NoError(t, c.StopDevice(ctx, "3"))

	logs, err := c.DeviceLogs(ctx, "3", 50)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", logs)

	require.NoError(t, c.DeleteDevice(ctx, "3"))
}

func TestUnreachableDaemon(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.ListDevices(context.Background())
	assert.True(t, types.IsKind(err, types.KindTransport))
}

func TestRollout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/templates/goodwe/rollout", r.URL.Path)
		if r.Method == http.MethodPost {
			var req api.RolloutRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 2, req.Parallelism)
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(deploy.Status{Template: "goodwe", State: deploy.StateRunning, Total: 4})
			return
		}
		json.NewEncoder(w).Encode(deploy.Status{
			Template: "goodwe",
			State:    deploy.StateFailed,
			Total:    4,
			Updated:  3,
			Failed:   map[string]string{"7": "image pull failed"},
		})
	})
	ctx := context.Background()

	status, err := c.StartRollout(ctx, "goodwe", api.RolloutRequest{Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, deploy.StateRunning, status.State)

	status, err = c.RolloutStatus(ctx, "goodwe")
	require.NoError(t, err)
	assert.Equal(t, 3, status.Updated)
	assert.Equal(t, []string{"7"}, status.FailedDevices())
}
