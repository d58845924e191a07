package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  string
		checker func(url string) *HTTPChecker
		healthy bool
	}{
		{
			name:    "influx ready",
			status:  http.StatusOK,
			checker: NewHTTPChecker,
			healthy: true,
		},
		{
			name:    "server error",
			status:  http.StatusServiceUnavailable,
			checker: NewHTTPChecker,
			healthy: false,
		},
		{
			name:   "redirect outside narrowed range",
			status: http.StatusNoContent,
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithStatusRange(200, 200)
			},
			healthy: false,
		},
		{
			name:   "token header sent",
			status: http.StatusOK,
			header: "Token abc",
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithHeader("Authorization", "Token abc")
			},
			healthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" && r.Header.Get("Authorization") != tt.header {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := tt.checker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}

func TestHTTPChecker_ExpectJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		healthy bool
	}{
		{name: "pass", body: `{"name":"influxdb","status":"pass"}`, healthy: true},
		{name: "fail", body: `{"name":"influxdb","status":"fail"}`, healthy: false},
		{name: "missing field", body: `{"name":"influxdb"}`, healthy: false},
		{name: "not json", body: `ok`, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			result := NewHTTPChecker(server.URL).ExpectJSON("status", "pass").Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
		})
	}
}
