package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint such as the InfluxDB /health route.
// A response is healthy when its status falls in [MinStatus, MaxStatus] and,
// if JSONField is set, the decoded body carries JSONWant under that key.
type HTTPChecker struct {
	URL       string
	Header    http.Header
	MinStatus int
	MaxStatus int
	JSONField string
	JSONWant  string
	Client    *http.Client
}

// NewHTTPChecker accepts any 2xx or 3xx answer to a GET of url
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Header:    http.Header{},
		MinStatus: http.StatusOK,
		MaxStatus: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check issues the request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, fmt.Sprintf("bad health url: %v", err))
	}
	for k, vs := range h.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, fmt.Sprintf("%s unreachable: %v", h.URL, err))
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	if code < h.MinStatus || code > h.MaxStatus {
		return failed(start, fmt.Sprintf("HTTP %d, want %d-%d", code, h.MinStatus, h.MaxStatus))
	}

	if h.JSONField == "" {
		return passed(start, fmt.Sprintf("HTTP %d", code))
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return failed(start, fmt.Sprintf("decode health body: %v", err))
	}
	got := fmt.Sprint(body[h.JSONField])
	if got != h.JSONWant {
		return failed(start, fmt.Sprintf("%s is %q, want %q", h.JSONField, got, h.JSONWant))
	}
	return passed(start, fmt.Sprintf("%s=%s", h.JSONField, got))
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader sets a request header, e.g. an InfluxDB token
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Header.Set(key, value)
	return h
}

// WithStatusRange narrows the accepted status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.MinStatus, h.MaxStatus = min, max
	return h
}

// WithTimeout replaces the client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// ExpectJSON requires body[field] to equal want. InfluxDB answers
// {"status":"pass"} when it is ready to accept writes.
func (h *HTTPChecker) ExpectJSON(field, want string) *HTTPChecker {
	h.JSONField, h.JSONWant = field, want
	return h
}
