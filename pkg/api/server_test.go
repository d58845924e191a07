package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliogrid/heliogrid/pkg/deploy"
	"github.com/heliogrid/heliogrid/pkg/events"
	"github.com/heliogrid/heliogrid/pkg/runtime/runtimetest"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/storage"
	"github.com/heliogrid/heliogrid/pkg/supervisor"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

var sinkConfig = types.SinkConfig{
	URL:    "http://influxdb:8086",
	Token:  "super-secret-token",
	Org:    "solar",
	Bucket: "telemetry",
}

func templateStore() fstest.MapFS {
	return fstest.MapFS{
		"goodwe/template.json": {Data: []byte(`{
			"name": "goodwe",
			"description": "GoodWe SEMS portal collector",
			"version": "1.0.0",
			"image": "ghcr.io/heliogrid/worker:latest",
			"files": {"config.json.template": "config_template.json", "run.sh": "run.sh"}
		}`)},
		"goodwe/config_template.json": {Data: []byte(`{}`), Mode: 0644},
		"goodwe/run.sh":               {Data: []byte("#!/bin/sh\n"), Mode: 0755},
	}
}

type stubSink struct {
	last *sink.Row
	rows []sink.Row
	tags map[string]string
}

func (s *stubSink) Write(context.Context, ...types.TelemetrySample) error { return nil }

func (s *stubSink) QueryLast(_ context.Context, _ string, tags map[string]string) (*sink.Row, error) {
	s.tags = tags
	if s.last == nil {
		return nil, types.NotFoundError("no inverter_status data")
	}
	return s.last, nil
}

func (s *stubSink) QueryRange(_ context.Context, _ string, tags map[string]string, _, _ time.Time) ([]sink.Row, error) {
	s.tags = tags
	return s.rows, nil
}

func (s *stubSink) Ping(context.Context) error { return nil }

func (s *stubSink) Close() {}

type fixture struct {
	srv      *httptest.Server
	sup      *supervisor.Supervisor
	backend  *runtimetest.Backend
	store    *storage.BoltStore
	sink     *stubSink
	deployer *deploy.Deployer
}

func newFixture(t *testing.T, withBackend bool) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := template.NewRegistry(templateStore())
	broker := events.NewBroker()

	f := &fixture{store: store, sink: &stubSink{}}

	cfg := supervisor.Config{
		Registry:   registry,
		Store:      store,
		Broker:     broker,
		WorkersDir: t.TempDir(),
		Sink:       sinkConfig,
	}
	if withBackend {
		f.backend = runtimetest.NewBackend()
		cfg.Backend = f.backend
	}
	f.sup = supervisor.New(cfg)
	f.deployer = deploy.NewDeployer(f.sup, store, registry)

	server, err := NewServer(Config{
		Supervisor: f.sup,
		Store:      store,
		Registry:   registry,
		Broker:     broker,
		Sink:       f.sink,
		SinkConfig: sinkConfig,
		Deployer:   f.deployer,
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(server.Handler())
	t.Cleanup(f.srv.Close)
	t.Cleanup(f.sup.Wait)
	t.Cleanup(f.deployer.Wait)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func validDevice() CreateDeviceRequest {
	return CreateDeviceRequest{
		Name:     "Roof",
		Region:   "eu",
		Username: "owner@example.com",
		Password: "secret",
		Timezone: "Europe/Amsterdam",
		Interval: 60,
	}
}

func (f *fixture) createDevice(t *testing.T) DeviceResponse {
	t.Helper()

	resp, body := f.do(t, http.MethodPost, "/api/v1/devices", validDevice())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var device DeviceResponse
	require.NoError(t, json.Unmarshal(body, &device))
	f.sup.Wait()
	return device
}

func TestLiveAndMetrics(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.do(t, http.MethodGet, "/api/v1/devices", nil)
	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "heliogrid_api_requests_total")
}

func TestCreateDevice(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodPost, "/api/v1/devices", validDevice())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.NotContains(t, string(body), "secret")

	var created DeviceResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "1", created.ID)
	assert.Equal(t, "goodwe", created.Template)
	assert.Equal(t, 60, created.Interval)

	f.sup.Wait()

	resp, body = f.do(t, http.MethodGet, "/api/v1/devices/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var device DeviceResponse
	require.NoError(t, json.Unmarshal(body, &device))
	assert.Equal(t, "active", device.State)
	require.NotNil(t, device.Worker)
	assert.Equal(t, []string{device.Worker.ID}, f.backend.Running())
}

func TestCreateDevice_Defaults(t *testing.T) {
	f := newFixture(t, true)

	req := validDevice()
	req.Timezone = ""
	req.Interval = 0
	resp, body := f.do(t, http.MethodPost, "/api/v1/devices", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var device DeviceResponse
	require.NoError(t, json.Unmarshal(body, &device))
	assert.Equal(t, "UTC", device.Timezone)
	assert.Equal(t, 300, device.Interval)
}

func TestCreateDevice_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		body   interface{}
		fields []string
	}{
		{
			name:   "missing required fields",
			body:   map[string]interface{}{"password": "x"},
			fields: []string{"name", "region", "username"},
		},
		{
			name: "bad timezone",
			body: func() CreateDeviceRequest {
				r := validDevice()
				r.Timezone = "Mars/Olympus"
				return r
			}(),
			fields: []string{"timezone"},
		},
		{
			name: "interval too short",
			body: func() CreateDeviceRequest {
				r := validDevice()
				r.Interval = 1
				return r
			}(),
			fields: []string{"interval"},
		},
		{
			name: "region not alphanumeric",
			body: func() CreateDeviceRequest {
				r := validDevice()
				r.Region = "eu.evil.com/"
				return r
			}(),
			fields: []string{"region"},
		},
		{
			name: "unknown field",
			body: map[string]interface{}{"name": "Roof", "colour": "blue"},
		},
		{
			name: "unknown template",
			body: func() CreateDeviceRequest {
				r := validDevice()
				r.Template = "fronius"
				return r
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)

			resp, body := f.do(t, http.MethodPost, "/api/v1/devices", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(body, &errResp))
			assert.Equal(t, "config", errResp.Kind)

			var fields []string
			for _, fe := range errResp.Fields {
				fields = append(fields, fe.Field)
			}
			assert.ElementsMatch(t, tt.fields, fields)

			devices, err := f.store.ListDevices()
			require.NoError(t, err)
			assert.Empty(t, devices)
		})
	}
}

func TestDegradedMode(t *testing.T) {
	f := newFixture(t, false)

	resp, body := f.do(t, http.MethodPost, "/api/v1/devices", validDevice())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var device DeviceResponse
	require.NoError(t, json.Unmarshal(body, &device))
	assert.Equal(t, "inactive", device.State)
	assert.Nil(t, device.Worker)

	resp, body = f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "backend_unavailable")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/stop", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), supervisor.LogsUnavailable)
}

func TestDeviceNotFound(t *testing.T) {
	f := newFixture(t, true)

	for _, path := range []string{
		"/api/v1/devices/99",
		"/api/v1/devices/99/status",
		"/api/v1/devices/99/logs",
		"/api/v1/devices/99/telemetry/last",
	} {
		resp, body := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Contains(t, string(body), "not_found", path)
	}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/devices/99/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/devices/99", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopAndStatus(t *testing.T) {
	f := newFixture(t, true)
	device := f.createDevice(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "active", status.State)
	assert.Equal(t, "active", status.WorkerStatus)

	resp, body = f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"device_id":"1","status":"stopping"}`, string(body))
	f.sup.Wait()
	assert.Empty(t, f.backend.Running())

	// Stopping an idle device is accepted and changes nothing
	resp, _ = f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/stop", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.sup.Wait()

	_, body = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/status", nil)
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "inactive", status.State)
	assert.Equal(t, "not_found", status.WorkerStatus)
}

func TestStopOutlivesRequest(t *testing.T) {
	f := newFixture(t, true)
	device := f.createDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.srv.URL+"/api/v1/devices/"+device.ID+"/stop", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	cancel()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.sup.Wait()

	stored, err := f.store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStateInactive, stored.State)
	assert.Empty(t, f.backend.Running())
}

func TestRestartAccepted(t *testing.T) {
	f := newFixture(t, true)
	device := f.createDevice(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/devices/"+device.ID+"/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	f.sup.Wait()

	assert.Len(t, f.backend.Running(), 1)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, true)
	device := f.createDevice(t)

	stored, err := f.store.GetDevice(device.ID)
	require.NoError(t, err)
	f.backend.SetLogs(stored.Handle.ID, "Data collection successful\n")

	resp, body := f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/logs?tail=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Data collection successful")

	resp, _ = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/logs?tail=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/logs?tail=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteDevice(t *testing.T) {
	f := newFixture(t, true)
	device := f.createDevice(t)

	resp, body := f.do(t, http.MethodDelete, "/api/v1/devices/"+device.ID, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"device_id":"1","status":"deleting"}`, string(body))
	f.sup.Wait()
	assert.Empty(t, f.backend.Running())

	resp, _ = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDevices(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	f.createDevice(t)
	f.createDevice(t)

	_, body = f.do(t, http.MethodGet, "/api/v1/devices", nil)
	var devices []DeviceResponse
	require.NoError(t, json.Unmarshal(body, &devices))
	require.Len(t, devices, 2)
	assert.Equal(t, "1", devices[0].ID)
	assert.Equal(t, "2", devices[1].ID)
}

func TestTemplates(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodGet, "/api/v1/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"templates":["goodwe"]}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/templates/goodwe", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tpl TemplateResponse
	require.NoError(t, json.Unmarshal(body, &tpl))
	assert.True(t, tpl.Valid)
	assert.Equal(t, "ghcr.io/heliogrid/worker:latest", tpl.Image)
	assert.Equal(t, "run.sh", tpl.Files["run.sh"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/templates/fronius", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSinkConfig(t *testing.T) {
	f := newFixture(t, true)

	resp, body := f.do(t, http.MethodGet, "/api/v1/config/sink", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), sinkConfig.Token)
	assert.JSONEq(t, `{"url":"http://influxdb:8086","org":"solar","bucket":"telemetry","configured":true}`, string(body))
}

func TestTelemetry(t *testing.T) {
	f := newFixture(t, false)
	device := f.createDevice(t)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/telemetry/last", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.sink.last = &sink.Row{
		Time:   time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
		Values: map[string]interface{}{"current_power": 2450.5},
	}
	resp, body := f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/telemetry/last", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"time":"2024-06-01T08:00:00Z","values":{"current_power":2450.5}}`, string(body))
	assert.Equal(t, map[string]string{"device_id": device.ID}, f.sink.tags)

	resp, body = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/telemetry?start=2024-06-01T00:00:00Z&end=2024-06-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"rows":[]`)

	for _, query := range []string{
		"?start=yesterday",
		"?end=2024-13-01",
		"?start=2024-06-02T00:00:00Z&end=2024-06-01T00:00:00Z",
	} {
		resp, _ = f.do(t, http.MethodGet, "/api/v1/devices/"+device.ID+"/telemetry"+query, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestTelemetry_NoSink(t *testing.T) {
	f := newFixture(t, false)
	device := f.createDevice(t)

	server, err := NewServer(Config{Supervisor: f.sup, Store: f.store, Registry: template.NewRegistry(templateStore())})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+device.ID+"/telemetry/last", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRollout(t *testing.T) {
	f := newFixture(t, true)
	first := f.createDevice(t)
	second := f.createDevice(t)
	require.Len(t, f.backend.Running(), 2)
	runsBefore := f.backend.CallCount("run:")

	resp, body := f.do(t, http.MethodPost, "/api/v1/templates/goodwe/rollout", RolloutRequest{Parallelism: 2})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	f.deployer.Wait()

	resp, body = f.do(t, http.MethodGet, "/api/v1/templates/goodwe/rollout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status deploy.Status
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, deploy.StateCompleted, status.State)
	assert.Equal(t, 2, status.Updated)
	assert.Equal(t, runsBefore+2, f.backend.CallCount("run:"))
	assert.Len(t, f.backend.Running(), 2)

	for _, id := range []string{first.ID, second.ID} {
		dev, err := f.store.GetDevice(id)
		require.NoError(t, err)
		assert.Equal(t, types.DeviceStateActive, dev.State)
	}
}

func TestRollout_Errors(t *testing.T) {
	f := newFixture(t, true)

	resp, _ := f.do(t, http.MethodGet, "/api/v1/templates/goodwe/rollout", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no rollout yet")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates/goodwe/rollout", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no running workers")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/templates/goodwe/rollout", RolloutRequest{Parallelism: 500})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	degraded := newFixture(t, false)
	resp, _ = degraded.do(t, http.MethodPost, "/api/v1/templates/goodwe/rollout", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGuard(t *testing.T) {
	f := newFixture(t, false)

	newGuarded := func(cfg GuardConfig) http.Handler {
		server, err := NewServer(Config{Supervisor: f.sup, Store: f.store, Registry: template.NewRegistry(templateStore()), Guard: cfg})
		require.NoError(t, err)
		return server.Handler()
	}
	get := func(h http.Handler, remote, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	t.Run("allow list", func(t *testing.T) {
		h := newGuarded(GuardConfig{AllowedIPs: []string{"10.0.0.0/8"}, DeniedIPs: []string{"10.0.0.66"}})
		assert.Equal(t, http.StatusOK, get(h, "10.1.2.3:5000", "/api/v1/devices"))
		assert.Equal(t, http.StatusForbidden, get(h, "192.168.1.5:5000", "/api/v1/devices"))
		assert.Equal(t, http.StatusForbidden, get(h, "10.0.0.66:5000", "/api/v1/devices"))
		assert.Equal(t, http.StatusOK, get(h, "192.168.1.5:5000", "/live"), "probes are not guarded")
	})

	t.Run("rate limit per client", func(t *testing.T) {
		h := newGuarded(GuardConfig{RequestsPerSecond: 0.001, Burst: 2})
		assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:1", "/api/v1/devices"))
		assert.Equal(t, http.StatusOK, get(h, "10.0.0.1:2", "/api/v1/devices"))
		assert.Equal(t, http.StatusTooManyRequests, get(h, "10.0.0.1:3", "/api/v1/devices"))
		assert.Equal(t, http.StatusOK, get(h, "10.0.0.2:1", "/api/v1/devices"))
	})

	t.Run("invalid entries", func(t *testing.T) {
		_, err := NewServer(Config{Guard: GuardConfig{AllowedIPs: []string{"not-an-ip"}}})
		assert.True(t, types.IsKind(err, types.KindConfig))
	})
}
