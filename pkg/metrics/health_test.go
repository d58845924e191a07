package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthState = newHealthRegistry("test")
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
		wantCode   int
	}{
		{
			name:       "all healthy",
			components: map[string]bool{"store": true, "api": true, "containerd": true},
			want:       "healthy",
			wantCode:   http.StatusOK,
		},
		{
			name:       "containerd missing is degraded",
			components: map[string]bool{"store": true, "api": true, "containerd": false},
			want:       "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name:       "sink and containerd down is still degraded",
			components: map[string]bool{"store": true, "api": true, "containerd": false, "sink": false},
			want:       "degraded",
			wantCode:   http.StatusOK,
		},
		{
			name:       "store down is unhealthy",
			components: map[string]bool{"store": false, "api": true, "containerd": false},
			want:       "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "checked")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
			assert.Equal(t, "test", health.Version)

			w := httptest.NewRecorder()
			HealthHandler()(w, httptest.NewRequest("GET", "/health", nil))
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)

	RegisterComponent("api", true, "")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["store"])
	assert.NotEmpty(t, readiness.Message)

	RegisterComponent("store", true, "")
	RegisterComponent("containerd", false, "socket not found")
	assert.Equal(t, "ready", GetReadiness().Status)

	UpdateComponent("store", false, "database locked")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: database locked", readiness.Components["store"])
}

func TestRegisterComponent_Gauge(t *testing.T) {
	resetHealth(t)

	RegisterComponent("containerd", false, "socket not found")
	assert.Equal(t, 0.0, testutil.ToFloat64(ComponentUp.WithLabelValues("containerd")))

	UpdateComponent("containerd", true, "accepting connections")
	assert.Equal(t, 1.0, testutil.ToFloat64(ComponentUp.WithLabelValues("containerd")))
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("store", true, "")
	RegisterComponent("api", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var readiness HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&readiness))
	assert.Equal(t, "ready", readiness.Status)

	UpdateComponent("api", false, "listener closed")
	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("store", false, "down")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest("GET", "/live", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alive", response["status"])
	assert.NotEmpty(t, response["uptime"])
}
